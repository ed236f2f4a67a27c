package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/sysrelay/core/logx"
	"github.com/gaspardpetit/sysrelay/internal/config"
	"github.com/gaspardpetit/sysrelay/internal/peer"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	diskPath := flag.String("disk-path", "/", "volume reported by get_diagnostics")
	var cfg config.AgentConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if p := config.ConfigPathFromArgs(os.Args[1:]); p != "" {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "relay-agent version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("relay-agent version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	// a positional argument overrides the client id
	if flag.NArg() > 0 {
		cfg.ClientID = flag.Arg(0)
	}

	logx.Configure(cfg.LogLevel)
	log := logx.Component("agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := peer.NewAgent(cfg.ServerAddr, cfg.ClientID, peer.AgentOptions{
		Logger:         log,
		StatusInterval: cfg.StatusInterval,
		ReconnectDelay: cfg.ReconnectDelay,
		Handler:        peer.DefaultHandler(*diskPath),
	})
	log.Info().Str("client_id", cfg.ClientID).Str("server", cfg.ServerAddr).Msg("agent starting")
	if err := agent.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent")
	}
}
