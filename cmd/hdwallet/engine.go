package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain/bitcoind"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain/esplora"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/config"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/pool"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/storage"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/syncer"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/tx"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/wallet"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

// app holds the process-wide collaborators shared by every wallet.
type app struct {
	cfg         config.Config
	store       *storage.SQLiteStore
	client      *esplora.Client
	broadcaster chain.Broadcaster
	node        *bitcoind.Broadcaster // nil when Esplora broadcasts
	pool        *pool.Pool
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.OpenSQLite(storage.SQLiteConfig{Path: cfg.DBPath, Passphrase: cfg.StorePassphrase})
	if err != nil {
		return nil, err
	}
	client, err := esplora.New(esplora.Config{
		Endpoint:   cfg.EsploraEndpoint,
		Timeout:    cfg.HTTPTimeout,
		RetryDelay: cfg.RetryDelay,
		Cache:      chain.NewExistenceCache(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: store, client: client, broadcaster: client, pool: pool.New(cfg.WorkerPoolSize)}
	if addr := cfg.FullNodeAddr(); addr != "" {
		params, err := cfg.Params()
		if err != nil {
			store.Close()
			return nil, err
		}
		a.node, err = bitcoind.New(bitcoind.Config{
			Host:     addr,
			User:     cfg.FullNodeUser,
			Password: cfg.FullNodePassword,
			Params:   params,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.broadcaster = a.node
	}
	return a, nil
}

func (r *app) Close() error {
	if r.node != nil {
		r.node.Close()
	}
	return r.store.Close()
}

// engine is one loaded wallet.
type engine struct {
	record  *models.WalletRecord
	keys    *wallet.Keychain
	syncer  *syncer.Syncer
	builder *tx.Builder
}

// open loads a wallet record and builds its engine. The wallet is not
// discovered yet.
func (r *app) open(id int64) (*engine, error) {
	rec, err := r.store.Load(id)
	if err != nil {
		return nil, err
	}
	if rec.Network != r.cfg.Network {
		return nil, fmt.Errorf("wallet %d is a %s wallet, running on %s", id, rec.Network, r.cfg.Network)
	}

	seed, err := wallet.SeedFromMnemonic(rec.Mnemonic, "")
	if err != nil {
		return nil, err
	}
	params, err := r.cfg.Params()
	if err != nil {
		return nil, err
	}
	keys, err := wallet.NewKeychain(seed, r.cfg.CoinType(), params)
	if err != nil {
		return nil, err
	}

	s := syncer.New(syncer.Config{
		GapLimit:        r.cfg.GapLimit,
		MinSyncInterval: r.cfg.MinSyncInterval,
		AuditBalances:   r.cfg.AuditBalances,
	}, keys, r.client, r.pool)

	b := tx.NewBuilder(tx.BuilderConfig{
		Params:     params,
		RBF:        r.cfg.RBF,
		FeeTargets: r.cfg.FeeTargets,
		SentExpiry: r.cfg.SentExpiry,
	}, s.State(), keys, r.client, r.broadcaster, r.store)

	return &engine{record: rec, keys: keys, syncer: s, builder: b}, nil
}

// load opens and discovers a wallet, then replays the sends earlier runs
// recorded so their outputs stay held until they confirm.
func (r *app) load(ctx context.Context, id int64) (*engine, error) {
	e, err := r.open(id)
	if err != nil {
		return nil, err
	}
	rep, err := e.syncer.DiscoverAndLoad(ctx)
	if err != nil {
		return nil, err
	}
	for addr, err := range rep.Failed {
		fmt.Printf("warning: %s not synced: %v\n", addr, err)
	}
	if _, err := e.builder.RestorePending(); err != nil {
		return nil, err
	}
	return e, nil
}

// parseOutPoint parses "txid:vout".
func parseOutPoint(s string) (models.OutPoint, error) {
	txid, vout, ok := strings.Cut(s, ":")
	if !ok || len(txid) != 64 {
		return models.OutPoint{}, fmt.Errorf("outpoint %q: want txid:vout", s)
	}
	n, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return models.OutPoint{}, fmt.Errorf("outpoint %q: %w", s, err)
	}
	return models.OutPoint{TxID: strings.ToLower(txid), Vout: uint32(n)}, nil
}

func parseOutPoints(ss []string) ([]models.OutPoint, error) {
	ops := make([]models.OutPoint, 0, len(ss))
	for _, s := range ss {
		op, err := parseOutPoint(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
