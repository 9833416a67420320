// Package syncer keeps a wallet's addresses, UTXO set and balance current
// with the blockchain provider.
package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/discovery"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/pool"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/rs/zerolog"
)

// Sync status values.
const (
	StatusIdle int32 = iota
	StatusSyncing
)

// Config controls sync behaviour.
type Config struct {
	GapLimit        int
	MinSyncInterval time.Duration

	// AuditBalances runs an audit at the end of every pass.
	AuditBalances bool
}

// Report summarises one sync pass.
type Report struct {
	// Skipped is set when another pass was already running.
	Skipped bool

	Addresses    int              // addresses queried across all rounds
	Rounds       int              // follow-up rounds include newly derived addresses
	Transactions int              // transaction legs reconciled for the first time
	Extended     int              // addresses derived by gap maintenance
	Failed       map[string]error // per-address failures, state left untouched
	Duration     time.Duration
	Audit        *AuditReport // set when AuditBalances is on
}

// Syncer runs discovery and incremental sync for one wallet.
type Syncer struct {
	cfg       Config
	state     *State
	deriver   discovery.AddressDeriver
	query     chain.BlockchainQuery
	pool      *pool.Pool
	discovery *discovery.Engine

	status atomic.Int32
	now    func() time.Time
	logger zerolog.Logger
}

// New returns a syncer for the wallet whose addresses deriver produces.
func New(cfg Config, deriver discovery.AddressDeriver, query chain.BlockchainQuery, p *pool.Pool) *Syncer {
	return &Syncer{
		cfg:       cfg,
		state:     NewState(deriver, cfg.GapLimit),
		deriver:   deriver,
		query:     query,
		pool:      p,
		discovery: discovery.New(query, p),
		now:       time.Now,
		logger:    log.WithComponent("syncer"),
	}
}

// State returns the wallet state maintained by the syncer.
func (s *Syncer) State() *State {
	return s.state
}

// Syncing reports whether a pass is running.
func (s *Syncer) Syncing() bool {
	return s.status.Load() == StatusSyncing
}

func (s *Syncer) acquire() bool {
	return s.status.CompareAndSwap(StatusIdle, StatusSyncing)
}

func (s *Syncer) release() {
	s.status.Store(StatusIdle)
}

// DiscoverAndLoad runs account discovery, loads the result into the state
// and performs a full sync of every discovered address.
func (s *Syncer) DiscoverAndLoad(ctx context.Context) (*Report, error) {
	if !s.acquire() {
		return &Report{Skipped: true}, nil
	}
	defer s.release()

	res, err := s.discovery.DiscoverWallet(ctx, s.deriver, s.cfg.GapLimit)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	if _, err := s.state.load(res); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return s.pass(ctx)
}

// SyncAddresses fetches new confirmed history for every tracked address
// and reconciles it. A call made while another pass is running returns a
// skipped report. Failures on individual addresses are reported and leave
// those addresses untouched; the pass itself only fails when gap
// maintenance cannot derive addresses.
func (s *Syncer) SyncAddresses(ctx context.Context) (*Report, error) {
	if !s.acquire() {
		s.logger.Debug().Msg("sync already running, skipped")
		return &Report{Skipped: true}, nil
	}
	defer s.release()
	return s.pass(ctx)
}

// RequestSync runs a sync only when the last one completed more than
// MinSyncInterval ago. A state that was never loaded is discovered first.
// It reports whether a pass ran.
func (s *Syncer) RequestSync(ctx context.Context) (bool, *Report, error) {
	if !s.state.Loaded() {
		rep, err := s.DiscoverAndLoad(ctx)
		if err != nil {
			return false, nil, err
		}
		return !rep.Skipped, rep, nil
	}
	if s.now().Sub(s.state.LastSync()) <= s.cfg.MinSyncInterval {
		return false, nil, nil
	}
	rep, err := s.SyncAddresses(ctx)
	if err != nil {
		return false, nil, err
	}
	return !rep.Skipped, rep, nil
}

// pass syncs every tracked address, then keeps syncing the addresses gap
// maintenance derives until no new ones appear. Callers hold the status.
func (s *Syncer) pass(ctx context.Context) (*Report, error) {
	start := s.now()
	rep := &Report{Failed: make(map[string]error)}

	round := s.state.Addresses()
	for len(round) > 0 {
		rep.Rounds++
		rep.Addresses += len(round)

		applied := make([]int, len(round))
		errs := s.pool.Run(ctx, len(round), func(ctx context.Context, i int) error {
			n, err := s.syncAddress(ctx, round[i])
			applied[i] = n
			return err
		})
		for i, err := range errs {
			rep.Transactions += applied[i]
			if err != nil {
				rep.Failed[round[i]] = err
				s.logger.Warn().Err(err).Str("address", round[i]).Msg("address sync failed")
			}
		}

		extended, err := s.state.maintainGap()
		if err != nil {
			return nil, fmt.Errorf("gap maintenance: %w", err)
		}
		rep.Extended += len(extended)
		round = extended
	}

	if s.cfg.AuditBalances {
		rep.Audit = s.audit(ctx)
	}

	end := s.now()
	s.state.markSynced(end)
	rep.Duration = end.Sub(start)

	s.logger.Info().
		Int("addresses", rep.Addresses).
		Int("rounds", rep.Rounds).
		Int("transactions", rep.Transactions).
		Int("extended", rep.Extended).
		Int("failed", len(rep.Failed)).
		Int64("balance", s.state.Balance()).
		Dur("took", rep.Duration).
		Msg("sync complete")

	return rep, nil
}

// syncAddress fetches history newer than the stored last-seen id and
// applies it. Nothing is applied if any page fails.
func (s *Syncer) syncAddress(ctx context.Context, address string) (int, error) {
	txs, newest, err := s.fetchNew(ctx, address, s.state.lastSeen(address))
	if err != nil {
		return 0, err
	}
	if len(txs) == 0 {
		return 0, nil
	}
	return s.state.apply(address, txs, newest), nil
}

// fetchNew pages confirmed history newest first and stops at the stored
// last-seen id, at an empty page, or at a page with no confirmed
// transactions. It returns the new transactions and the newest id.
func (s *Syncer) fetchNew(ctx context.Context, address, lastSeen string) ([]models.Tx, string, error) {
	var (
		collected []models.Tx
		newest    string
		cursor    string
	)
	for {
		page, err := s.query.TransactionHistory(ctx, address, cursor)
		if err != nil {
			return nil, "", err
		}
		if len(page) == 0 {
			return collected, newest, nil
		}

		confirmed := false
		for _, tx := range page {
			if !tx.Confirmed {
				continue
			}
			confirmed = true
			if tx.TxID == lastSeen {
				return collected, newest, nil
			}
			if newest == "" {
				newest = tx.TxID
			}
			collected = append(collected, tx)
		}
		if !confirmed {
			return collected, newest, nil
		}

		next := page[len(page)-1].TxID
		if next == cursor {
			return nil, "", &chain.ProtocolError{Op: "TransactionHistory", Reason: "pagination cursor did not advance"}
		}
		cursor = next
	}
}

// NextChangeAddress reserves the next free change address of an account.
func (s *Syncer) NextChangeAddress(account uint32) (models.Address, error) {
	return s.state.NextAddress(account, models.ChainChange)
}

// NextReceiveAddress reserves the next free receive address of an account.
func (s *Syncer) NextReceiveAddress(account uint32) (models.Address, error) {
	return s.state.NextAddress(account, models.ChainReceive)
}

// Balance returns the wallet's aggregate balance in satoshis.
func (s *Syncer) Balance() int64 {
	return s.state.Balance()
}
