package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "COLLAB"

// Config captures runtime configuration for a collaboration client.
type Config struct {
	ServerURL            string
	AuthToken            string
	UserID               string
	UserName             string
	DatabasePath         string
	LogLevel             string
	HeartbeatInterval    time.Duration
	BatchInterval        time.Duration
	BatchSize            int
	QueueCapacity        int
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.url", "ws://localhost:8080/collaboration")
	v.SetDefault("database.path", "collab.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("transport.heartbeat_interval", "30s")
	v.SetDefault("transport.batch_interval", "50ms")
	v.SetDefault("transport.batch_size", 10)
	v.SetDefault("transport.queue_capacity", 100)
	v.SetDefault("transport.max_reconnect_attempts", 5)
	v.SetDefault("transport.reconnect_base_delay", "1s")
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ServerURL:            v.GetString("server.url"),
		AuthToken:            v.GetString("auth.token"),
		UserID:               v.GetString("user.id"),
		UserName:             v.GetString("user.name"),
		DatabasePath:         v.GetString("database.path"),
		LogLevel:             v.GetString("log.level"),
		HeartbeatInterval:    v.GetDuration("transport.heartbeat_interval"),
		BatchInterval:        v.GetDuration("transport.batch_interval"),
		BatchSize:            v.GetInt("transport.batch_size"),
		QueueCapacity:        v.GetInt("transport.queue_capacity"),
		MaxReconnectAttempts: v.GetInt("transport.max_reconnect_attempts"),
		ReconnectBaseDelay:   v.GetDuration("transport.reconnect_base_delay"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user.id is required")
	}
	if strings.TrimSpace(c.UserName) == "" {
		return fmt.Errorf("user.name is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("transport.batch_size must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("transport.queue_capacity must be positive")
	}
	return nil
}
