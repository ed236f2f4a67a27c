package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/sysrelay/core/logx"
	"github.com/gaspardpetit/sysrelay/core/secret"
	"github.com/gaspardpetit/sysrelay/internal/config"
	"github.com/gaspardpetit/sysrelay/internal/metrics"
	"github.com/gaspardpetit/sysrelay/internal/relay"
	"github.com/gaspardpetit/sysrelay/internal/server"
	"github.com/gaspardpetit/sysrelay/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// Resolve config with precedence: defaults < file < env < args
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
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "relayd version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("relayd version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	log := logx.Component("relayd")

	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var status relay.StatusStore = relay.NewMemoryStore(cfg.StatusTTL)
	if cfg.RedisAddr != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		store, err := relay.NewRedisStore(rctx, cfg.RedisAddr, cfg.StatusTTL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		defer store.Close()
		status = store
		log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis status store")
	}

	rs := relay.New(relay.Options{
		Logger:        logx.Component("relay"),
		Status:        status,
		PendingTTL:    cfg.PendingTTL,
		SweepInterval: cfg.SweepInterval,
	})

	ln, err := transport.ListenTCP(cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("bind relay listener")
	}

	var wg sync.WaitGroup
	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		wsl := transport.NewWSListener(cfg.WSPath, cfg.AllowedOrigins)
		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           server.New(cfg, rs, wsl, preg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := rs.Serve(ctx, wsl); err != nil {
				log.Error().Err(err).Msg("websocket listener")
			}
		}()
		go func() {
			defer wg.Done()
			log.Info().Str("addr", cfg.HTTPAddr).Str("ws_path", cfg.WSPath).Msg("http server starting")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server error")
				stop()
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil {
				log.Error().Err(err).Msg("http server shutdown")
			}
		}()
	}

	log.Info().Str("version", version).Str("listen", cfg.ListenAddr).Msg("relayd starting")
	if err := rs.Serve(ctx, ln); err != nil {
		log.Error().Err(err).Msg("relay listener")
		stop()
	}
	wg.Wait()
	log.Info().Msg("relayd stopped")
}
