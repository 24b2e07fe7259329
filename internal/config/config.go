package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Backend selects the shared store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendNATS     Backend = "nats"
	BackendPostgres Backend = "postgres"
)

type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	Store      StoreConfig    `yaml:"store"`
	Presence   PresenceConfig `yaml:"presence"`
}

type StoreConfig struct {
	Backend  Backend        `yaml:"backend"`
	NATS     NATSConfig     `yaml:"nats"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type PresenceConfig struct {
	HeartbeatSec    int `yaml:"heartbeat_sec"`
	ActiveWindowSec int `yaml:"active_window_sec"`
}

// Load reads the YAML config at path (optional) and applies environment
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":8080",
		Store: StoreConfig{
			Backend: BackendMemory,
			NATS:    NATSConfig{URL: "nats://127.0.0.1:4222", Bucket: "retroboard"},
		},
		Presence: PresenceConfig{HeartbeatSec: 30, ActiveWindowSec: 120},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ListenAddr = getEnv("RETRO_LISTEN_ADDR", cfg.ListenAddr)
	cfg.Store.Backend = Backend(getEnv("RETRO_STORE_BACKEND", string(cfg.Store.Backend)))
	cfg.Store.NATS.URL = getEnv("RETRO_NATS_URL", cfg.Store.NATS.URL)
	cfg.Store.NATS.Bucket = getEnv("RETRO_NATS_BUCKET", cfg.Store.NATS.Bucket)
	cfg.Store.Postgres.DSN = getEnv("RETRO_POSTGRES_DSN", cfg.Store.Postgres.DSN)
	cfg.Presence.HeartbeatSec = getEnvAsInt("RETRO_HEARTBEAT_SEC", cfg.Presence.HeartbeatSec)
	cfg.Presence.ActiveWindowSec = getEnvAsInt("RETRO_ACTIVE_WINDOW_SEC", cfg.Presence.ActiveWindowSec)

	switch cfg.Store.Backend {
	case BackendMemory, BackendNATS, BackendPostgres:
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
