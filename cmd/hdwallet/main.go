package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/config"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
)

// globalOptions override the HDW_* environment.
type globalOptions struct {
	Network         string        `long:"network" description:"Bitcoin network" choice:"mainnet" choice:"testnet" choice:"regtest"`
	Esplora         string        `long:"esplora" description:"Esplora API base URL"`
	FullNodeHost    string        `long:"fullnode-host" description:"Broadcast through the Bitcoin Core RPC server on this host"`
	FullNodePort    int           `long:"fullnode-port" description:"Bitcoin Core RPC port"`
	DB              string        `long:"db" description:"Path of the wallet database"`
	GapLimit        int           `long:"gap-limit" description:"Address gap limit"`
	Workers         int           `long:"workers" description:"Concurrent provider requests"`
	MinSyncInterval time.Duration `long:"min-sync-interval" description:"Minimum time between syncs"`
	LogLevel        string        `long:"log-level" description:"Log level" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"disabled"`
	LogJSON         bool          `long:"log-json" description:"Log as JSON"`
}

var opts globalOptions

// loadConfig merges defaults, the environment and command line flags.
func loadConfig() (config.Config, error) {
	cfg := config.FromEnv()
	if opts.Network != "" {
		cfg.Network = opts.Network
		if opts.Network == config.NetworkMainnet && os.Getenv("HDW_ESPLORA_URL") == "" {
			cfg.EsploraEndpoint = "https://blockstream.info/api/"
		}
	}
	if opts.Esplora != "" {
		cfg.EsploraEndpoint = opts.Esplora
	}
	if opts.FullNodeHost != "" {
		cfg.FullNodeHost = opts.FullNodeHost
	}
	if opts.FullNodePort != 0 {
		cfg.FullNodePort = opts.FullNodePort
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}
	if opts.GapLimit != 0 {
		cfg.GapLimit = opts.GapLimit
	}
	if opts.Workers != 0 {
		cfg.WorkerPoolSize = opts.Workers
	}
	if opts.MinSyncInterval != 0 {
		cfg.MinSyncInterval = opts.MinSyncInterval
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogJSON {
		cfg.LogJSON = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	log.Init(cfg.LogLevel, cfg.LogJSON)
	return cfg, nil
}

type command interface {
	Register(parser *flags.Parser) error
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	commands := []command{
		&addCommand{},
		&listCommand{},
		&showCommand{},
		&receiveCommand{},
		&feesCommand{},
		&sendCommand{},
		&watchCommand{},
	}
	for _, c := range commands {
		if err := c.Register(parser); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
