package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// Supported networks.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
	NetworkRegtest = "regtest"
)

// Config holds all configurable parameters for the wallet engine.
type Config struct {
	// Bitcoin network: mainnet, testnet or regtest
	Network string

	// Discovery
	GapLimit int

	// Sync
	WorkerPoolSize  int
	MinSyncInterval time.Duration
	PollInterval    time.Duration
	AuditBalances   bool // compare provider balances after every sync

	// Blockchain provider
	EsploraEndpoint string
	HTTPTimeout     time.Duration
	RetryDelay      time.Duration

	// Full node broadcasting; Esplora broadcasts when FullNodeHost is empty
	FullNodeHost     string
	FullNodePort     int
	FullNodeUser     string
	FullNodePassword string

	// Transaction builder
	RBF        bool
	FeeTargets []int
	SentExpiry time.Duration // 0 keeps sent hints until a sync observes the spend

	// Storage
	DBPath          string
	StorePassphrase string

	// Logging
	LogLevel string
	LogJSON  bool
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Network: NetworkTestnet,

		GapLimit: 20,

		WorkerPoolSize:  10,
		MinSyncInterval: 30 * time.Second,
		PollInterval:    time.Minute,

		EsploraEndpoint: "https://blockstream.info/testnet/api/",
		HTTPTimeout:     15 * time.Second,
		RetryDelay:      500 * time.Millisecond,

		RBF:        true,
		FeeTargets: []int{1, 3, 6, 144},
		SentExpiry: 24 * time.Hour,

		DBPath: "wallets.db",

		LogLevel: "info",
	}
}

// FromEnv returns a Config populated from environment variables,
// falling back to defaults for unset values.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("HDW_NETWORK"); v != "" {
		cfg.Network = v
		if v == NetworkMainnet {
			cfg.EsploraEndpoint = "https://blockstream.info/api/"
		}
	}
	if v := os.Getenv("HDW_GAP_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GapLimit = n
		}
	}
	if v := os.Getenv("HDW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("HDW_MIN_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MinSyncInterval = d
		}
	}
	if v := os.Getenv("HDW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("HDW_ESPLORA_URL"); v != "" {
		cfg.EsploraEndpoint = v
	}
	if v := os.Getenv("HDW_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = d
		}
	}
	if v := os.Getenv("HDW_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetryDelay = d
		}
	}
	if v := os.Getenv("HDW_AUDIT_BALANCES"); v == "true" {
		cfg.AuditBalances = true
	}
	if v := os.Getenv("HDW_FULLNODE_HOST"); v != "" {
		cfg.FullNodeHost = v
	}
	if v := os.Getenv("HDW_FULLNODE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FullNodePort = n
		}
	}
	if v := os.Getenv("HDW_FULLNODE_USER"); v != "" {
		cfg.FullNodeUser = v
	}
	if v := os.Getenv("HDW_FULLNODE_PASSWORD"); v != "" {
		cfg.FullNodePassword = v
	}
	if v := os.Getenv("HDW_RBF"); v == "false" {
		cfg.RBF = false
	}
	if v := os.Getenv("HDW_FEE_TARGETS"); v != "" {
		if targets, err := parseTargets(v); err == nil {
			cfg.FeeTargets = targets
		}
	}
	if v := os.Getenv("HDW_SENT_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SentExpiry = d
		}
	}
	if v := os.Getenv("HDW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HDW_STORE_PASSPHRASE"); v != "" {
		cfg.StorePassphrase = v
	}
	if v := os.Getenv("HDW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HDW_LOG_JSON"); v == "true" {
		cfg.LogJSON = true
	}

	return cfg
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	if c.GapLimit < 1 {
		return fmt.Errorf("gap limit must be positive, got %d", c.GapLimit)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.EsploraEndpoint == "" {
		return fmt.Errorf("esplora endpoint is required")
	}
	if len(c.FeeTargets) == 0 {
		return fmt.Errorf("at least one fee target is required")
	}
	if c.FullNodeHost != "" && (c.FullNodePort < 1 || c.FullNodePort > 65535) {
		return fmt.Errorf("full node port out of range: %d", c.FullNodePort)
	}
	return nil
}

// FullNodeAddr returns the host:port of the full node RPC server, or ""
// when broadcasting goes through Esplora.
func (c Config) FullNodeAddr() string {
	if c.FullNodeHost == "" {
		return ""
	}
	return net.JoinHostPort(c.FullNodeHost, strconv.Itoa(c.FullNodePort))
}

// Params returns the chain parameters for the configured network.
func (c Config) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// CoinType returns the SLIP-44 coin type used in derivation paths.
func (c Config) CoinType() uint32 {
	if c.Network == NetworkMainnet {
		return 0
	}
	return 1
}

func parseTargets(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	targets := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse fee target %q: %w", p, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("fee target must be positive, got %d", n)
		}
		targets = append(targets, n)
	}
	return targets, nil
}
