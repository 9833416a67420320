// Package listener re-syncs watched wallets in the background and reports
// balance changes.
package listener

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/syncer"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/rs/zerolog"
)

// Wallet is a wallet the poller can keep in sync. *syncer.Syncer
// implements it.
type Wallet interface {
	// RequestSync syncs unless the last sync is recent and reports whether
	// a pass ran.
	RequestSync(ctx context.Context) (bool, *syncer.Report, error)
	// Balance returns the aggregate balance in satoshis.
	Balance() int64
}

// EventHandler processes balance events.
type EventHandler func(event models.BalanceEvent) error

// Poller periodically requests a sync of every watched wallet and emits a
// BalanceEvent whenever a sync changed a wallet's balance.
type Poller struct {
	interval time.Duration
	events   chan models.BalanceEvent

	mu      sync.RWMutex
	wallets map[int64]Wallet

	now    func() time.Time
	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(interval time.Duration) *Poller {
	return &Poller{
		interval: interval,
		events:   make(chan models.BalanceEvent, 100),
		wallets:  make(map[int64]Wallet),
		now:      time.Now,
		done:     make(chan struct{}),
		logger:   log.WithComponent("listener"),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.interval)
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info().Dur("poll_interval", p.interval).Msg("starting wallet poller")

	go p.pollLoop(ctx)
	return nil
}

// Stop ends polling and closes the events channel. It is a no-op when the
// poller was never started.
func (p *Poller) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done // wait for pollLoop to exit
	close(p.events)
	p.logger.Info().Msg("poller stopped")
	return nil
}

// Watch adds a wallet to the poll set, replacing any wallet with the same id.
func (p *Poller) Watch(id int64, w Wallet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wallets[id] = w
	p.logger.Info().Int64("wallet_id", id).Msg("watching wallet")
}

// Unwatch removes a wallet from the poll set.
func (p *Poller) Unwatch(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.wallets, id)
	p.logger.Info().Int64("wallet_id", id).Msg("unwatched wallet")
}

// Watched returns the ids of watched wallets in ascending order.
func (p *Poller) Watched() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.wallets))
	for id := range p.wallets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Poller) Events() <-chan models.BalanceEvent {
	return p.events
}

// Dispatch routes events to handler until the events channel is closed.
func (p *Poller) Dispatch(handler EventHandler) {
	for event := range p.events {
		if err := handler(event); err != nil {
			p.logger.Error().Err(err).Int64("wallet_id", event.WalletID).Msg("handle event failed")
		}
	}
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Error().Err(err).Msg("poll failed")
			}
		}
	}
}

// poll requests a sync of every watched wallet in id order. A failing
// wallet is logged and skipped.
func (p *Poller) poll(ctx context.Context) error {
	for _, id := range p.Watched() {
		p.mu.RLock()
		w, ok := p.wallets[id]
		p.mu.RUnlock()
		if !ok {
			continue
		}

		old := w.Balance()
		ran, rep, err := w.RequestSync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error().Err(err).Int64("wallet_id", id).Msg("sync failed")
			continue
		}
		if !ran {
			continue
		}
		if len(rep.Failed) > 0 {
			p.logger.Warn().Int64("wallet_id", id).Int("failed", len(rep.Failed)).Msg("sync incomplete")
		}

		current := w.Balance()
		if current == old {
			continue
		}

		event := models.BalanceEvent{WalletID: id, Old: old, New: current, At: p.now()}
		p.logger.Info().
			Int64("wallet_id", id).
			Int64("old", old).
			Int64("new", current).
			Msg("balance changed")

		select {
		case p.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
