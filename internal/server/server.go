package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/sysrelay/internal/config"
	"github.com/gaspardpetit/sysrelay/internal/relay"
)

type clientView struct {
	ClientID    string    `json:"client_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// New constructs the operational HTTP handler for the relay: health, the
// connected client list, Prometheus metrics and, when ws is non-nil, the
// websocket endpoint peers connect through.
func New(cfg config.ServerConfig, rs *relay.Server, ws http.Handler, preg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			Status string `json:"status"`
			relay.Stats
		}{Status: "ok", Stats: rs.Stats()})
	})
	r.Get("/api/clients", func(w http.ResponseWriter, r *http.Request) {
		sessions := rs.Registry().Snapshot()
		out := make([]clientView, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, clientView{ClientID: s.ID, RemoteAddr: s.Conn.RemoteAddr(), ConnectedAt: s.ConnectedAt})
		}
		writeJSON(w, out)
	})
	if preg == nil {
		preg = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	if ws != nil && cfg.WSPath != "" {
		r.Handle(cfg.WSPath, ws)
	}
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
