package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL     string
	StoreDriver     string
	MigrationsDir   string
	ServerAddr      string
	ShutdownTimeout time.Duration
	LogLevel        string

	ChainID       int64
	SigningKey    string
	KeyFile       string
	KeyPassphrase string
	FundingPolicy string

	RelayRateLimit float64
	RelayRateBurst int

	Raft RaftConfig
}

// RaftConfig enables the replicated nonce allocator when NodeID is set.
type RaftConfig struct {
	NodeID    string
	Addr      string
	Dir       string
	Bootstrap bool
	// Join is the base URL of a running hub to ask for membership.
	Join      string
}

func (r RaftConfig) Enabled() bool { return r.NodeID != "" }

// fileConfig mirrors the optional YAML file. Environment variables win.
type fileConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	StoreDriver     string `yaml:"store_driver"`
	MigrationsDir   string `yaml:"migrations_dir"`
	ServerAddr      string `yaml:"server_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	LogLevel        string `yaml:"log_level"`
	Hub             struct {
		ChainID       string `yaml:"chain_id"`
		SigningKey    string `yaml:"signing_key"`
		KeyFile       string `yaml:"key_file"`
		FundingPolicy string `yaml:"funding_policy"`
	} `yaml:"hub"`
	Relay struct {
		RateLimit string `yaml:"rate_limit"`
		RateBurst string `yaml:"rate_burst"`
	} `yaml:"relay"`
	Raft struct {
		NodeID    string `yaml:"node_id"`
		Addr      string `yaml:"addr"`
		Dir       string `yaml:"dir"`
		Bootstrap string `yaml:"bootstrap"`
		Join      string `yaml:"join"`
	} `yaml:"raft"`
}

// Load reads configuration from HUB_CONFIG_FILE, if set, then environment.
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("HUB_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	dsn := getenv("DATABASE_URL", fc.DatabaseURL)
	if dsn == "" {
		user := getenv("POSTGRES_USER", "ledger_hub")
		pass := getenv("POSTGRES_PASSWORD", "ledger_hub_pass")
		db := getenv("POSTGRES_DB", "ledger_hub")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		DatabaseURL:     dsn,
		StoreDriver:     strings.ToLower(getenv("STORE_DRIVER", or(fc.StoreDriver, StoreDriverPostgres))),
		MigrationsDir:   getenv("MIGRATIONS_DIR", or(fc.MigrationsDir, "internal/migrations")),
		ServerAddr:      getenv("SERVER_ADDR", or(fc.ServerAddr, "0.0.0.0:8080")),
		ShutdownTimeout: parseDuration(getenv("SHUTDOWN_TIMEOUT", fc.ShutdownTimeout), 10*time.Second),
		LogLevel:        getenv("LOG_LEVEL", or(fc.LogLevel, "info")),

		ChainID:       parseInt64(getenv("HUB_CHAIN_ID", fc.Hub.ChainID), 1337),
		SigningKey:    getenv("HUB_SIGNING_KEY", fc.Hub.SigningKey),
		KeyFile:       getenv("HUB_KEY_FILE", fc.Hub.KeyFile),
		KeyPassphrase: os.Getenv("HUB_KEY_PASSPHRASE"),
		FundingPolicy: getenv("HUB_FUNDING_POLICY", fc.Hub.FundingPolicy),

		RelayRateLimit: parseFloat(getenv("RELAY_RATE_LIMIT", fc.Relay.RateLimit), 50),
		RelayRateBurst: int(parseInt64(getenv("RELAY_RATE_BURST", fc.Relay.RateBurst), 100)),

		Raft: RaftConfig{
			NodeID:    getenv("NONCE_RAFT_NODE_ID", fc.Raft.NodeID),
			Addr:      getenv("NONCE_RAFT_ADDR", fc.Raft.Addr),
			Dir:       getenv("NONCE_RAFT_DIR", fc.Raft.Dir),
			Bootstrap: parseBool(getenv("NONCE_RAFT_BOOTSTRAP", fc.Raft.Bootstrap), false),
			Join:      getenv("NONCE_RAFT_JOIN", fc.Raft.Join),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("HUB_CHAIN_ID must be positive")
	}
	if c.Raft.Enabled() && (c.Raft.Addr == "" || c.Raft.Dir == "") {
		return fmt.Errorf("NONCE_RAFT_ADDR and NONCE_RAFT_DIR are required when NONCE_RAFT_NODE_ID is set")
	}
	return nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func or(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt64(val string, def int64) int64 {
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
