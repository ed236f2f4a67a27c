package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gaspardpetit/sysrelay/internal/peer"
	"github.com/gaspardpetit/sysrelay/internal/protocol"
)

const usage = "Enter commands (e.g., 'status System-A', 'command System-A get_diagnostics', or 'exit')"

// repl reads one request per line from in until exit, EOF or ctx is done and
// prints every reply as indented JSON.
func repl(ctx context.Context, c *peer.Client, in io.Reader, out io.Writer, timeout time.Duration) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	_, _ = fmt.Fprintln(out, usage)
	for {
		_, _ = fmt.Fprint(out, "> ")
		var input string
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case env, ok := <-c.Notifications():
			if ok {
				_, _ = fmt.Fprintf(out, "\nReceived unsolicited message:\n%s\n", indent(env))
			}
			continue
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			input = strings.TrimSpace(l)
		}
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			return nil
		}
		env, err := parseCommand(input)
		if err != nil {
			_, _ = fmt.Fprintln(out, err)
			continue
		}
		reply, err := c.Request(ctx, env, timeout)
		var remote *protocol.RemoteError
		if err != nil && !errors.As(err, &remote) {
			_, _ = fmt.Fprintf(out, "Error sending request: %v\n", err)
			continue
		}
		_, _ = fmt.Fprintf(out, "Response:\n%s\n", indent(reply))
	}
}

// parseCommand turns "status <id>" or "command <id> <name>" into a request.
func parseCommand(input string) (protocol.Envelope, error) {
	parts := strings.SplitN(strings.Join(strings.Fields(input), " "), " ", 3)
	if len(parts) < 2 {
		return protocol.Envelope{}, errors.New("invalid command format, want: status <id> | command <id> <name>")
	}
	target := parts[1]
	switch strings.ToLower(parts[0]) {
	case "status":
		return protocol.New(protocol.StatusQueryRequest, "", protocol.StatusQueryPayload{TargetClientID: target})
	case "command":
		if len(parts) < 3 {
			return protocol.Envelope{}, errors.New("command name is missing")
		}
		return protocol.New(protocol.CommandRequest, "", protocol.CommandRequestPayload{TargetClientID: target, Command: parts[2]})
	default:
		return protocol.Envelope{}, fmt.Errorf("unknown command type: %s", parts[0])
	}
}

func indent(env protocol.Envelope) string {
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(b)
}
