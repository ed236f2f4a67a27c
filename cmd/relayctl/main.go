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
	var cfg config.ControlConfig
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
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "relayctl version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("relayctl version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	log := logx.Component("relayctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Connecting to server...")
	dctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	c, err := peer.ConnectAndRegister(dctx, cfg.ServerAddr, cfg.ClientID, peer.Options{Logger: log})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("server", cfg.ServerAddr).Msg("connect")
	}
	fmt.Println("Connected and registered successfully.")

	if err := repl(ctx, c, os.Stdin, os.Stdout, cfg.RequestTimeout); err != nil {
		log.Error().Err(err).Msg("connection lost")
	}
	_ = c.Close()
	fmt.Println("Disconnected.")
}
