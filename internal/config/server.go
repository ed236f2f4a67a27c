package config

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the relay daemon.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	HTTPAddr       string        `yaml:"http_addr"`
	WSPath         string        `yaml:"ws_path"`
	LogLevel       string        `yaml:"log_level"`
	RedisAddr      string        `yaml:"redis_addr"`
	StatusTTL      time.Duration `yaml:"status_ttl"`
	PendingTTL     time.Duration `yaml:"pending_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8888"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.WSPath == "" {
		c.WSPath = "/api/relay/connect"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("relayd.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LISTEN_ADDR", ""); v != "" {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		c.HTTPAddr = v
	}
	if v := GetEnv("WS_PATH", ""); v != "" {
		c.WSPath = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("STATUS_TTL", ""); v != "" {
		parseDuration(v, &c.StatusTTL)
	}
	if v := GetEnv("PENDING_TTL", ""); v != "" {
		parseDuration(v, &c.PendingTTL)
	}
	if v := GetEnv("SWEEP_INTERVAL", ""); v != "" {
		parseDuration(v, &c.SweepInterval)
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current config
// values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "relay config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "TCP address peers connect to")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP address for health, metrics and the websocket endpoint; empty disables it")
	fs.StringVar(&c.WSPath, "ws-path", c.WSPath, "path peers use to establish WebSocket connections")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the status cache; empty keeps it in memory")
	fs.DurationVar(&c.StatusTTL, "status-ttl", c.StatusTTL, "discard cached status older than this (0 keeps it forever)")
	fs.DurationVar(&c.PendingTTL, "pending-ttl", c.PendingTTL, "forget unanswered commands older than this (0 keeps them until answered)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "how often expired entries are purged")
	fs.Func("allowed-origins", "comma separated list of allowed CORS and websocket origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
