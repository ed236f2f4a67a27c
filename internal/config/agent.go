package config

import (
	"flag"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AgentConfig holds configuration for the status agent.
type AgentConfig struct {
	ServerAddr     string        `yaml:"server_addr"`
	ClientID       string        `yaml:"client_id"`
	StatusInterval time.Duration `yaml:"status_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *AgentConfig) SetDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = "127.0.0.1:8888"
	}
	if c.ClientID == "" {
		c.ClientID = defaultAgentID()
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("agent.yaml")
	}
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "System-" + uuid.NewString()[:8]
	}
	return host
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *AgentConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("SERVER_ADDR", ""); v != "" {
		c.ServerAddr = v
	}
	if v := GetEnv("CLIENT_ID", ""); v != "" {
		c.ClientID = v
	}
	if v := GetEnv("STATUS_INTERVAL", ""); v != "" {
		parseDuration(v, &c.StatusInterval)
	}
	if v := GetEnv("RECONNECT_DELAY", ""); v != "" {
		parseDuration(v, &c.ReconnectDelay)
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current config
// values as defaults.
func (c *AgentConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "agent config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.ServerAddr, "server", c.ServerAddr, "relay address (host:port, or ws:// URL)")
	fs.StringVar(&c.ClientID, "id", c.ClientID, "client id to register under")
	fs.DurationVar(&c.StatusInterval, "status-interval", c.StatusInterval, "how often status is published")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "wait between reconnect attempts")
}

// LoadFile populates the config from a YAML file.
func (c *AgentConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ControlConfig holds configuration for the interactive control client.
type ControlConfig struct {
	ServerAddr     string        `yaml:"server_addr"`
	ClientID       string        `yaml:"client_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ControlConfig) SetDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = "127.0.0.1:8888"
	}
	if c.ClientID == "" {
		c.ClientID = "ControlClient-" + uuid.NewString()[:4]
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("relayctl.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ControlConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("SERVER_ADDR", ""); v != "" {
		c.ServerAddr = v
	}
	if v := GetEnv("CLIENT_ID", ""); v != "" {
		c.ClientID = v
	}
	if v := GetEnv("REQUEST_TIMEOUT", ""); v != "" {
		parseDuration(v, &c.RequestTimeout)
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current config
// values as defaults.
func (c *ControlConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "control client config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.ServerAddr, "server", c.ServerAddr, "relay address (host:port, or ws:// URL)")
	fs.StringVar(&c.ClientID, "id", c.ClientID, "client id to register under")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "how long to wait for each reply")
}

// LoadFile populates the config from a YAML file.
func (c *ControlConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
