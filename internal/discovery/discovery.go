// Package discovery implements BIP44 account discovery and gap-limit
// address scanning.
package discovery

import (
	"context"
	"fmt"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/pool"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/rs/zerolog"
)

// AddressDeriver derives encoded addresses. *wallet.Keychain implements it.
type AddressDeriver interface {
	Address(account uint32, chain models.Chain, index uint32) (string, error)
}

// ScanResult is the outcome of scanning one account chain.
type ScanResult struct {
	// Addresses holds every scanned address in index order, used or not.
	Addresses []models.Address

	// LastExist is the highest index with on-chain activity, -1 if none.
	LastExist int
}

// Account is a discovered account with both chains scanned.
type Account struct {
	Number  uint32
	Receive ScanResult
	Change  ScanResult
}

// Result is the outcome of account discovery.
type Result struct {
	Accounts []Account
}

// AddressCount returns the number of addresses across all accounts.
func (r *Result) AddressCount() int {
	n := 0
	for _, a := range r.Accounts {
		n += len(a.Receive.Addresses) + len(a.Change.Addresses)
	}
	return n
}

// Engine runs discovery against a blockchain provider.
type Engine struct {
	query  chain.BlockchainQuery
	pool   *pool.Pool
	logger zerolog.Logger
}

// New returns a discovery engine dispatching provider calls through p.
func New(query chain.BlockchainQuery, p *pool.Pool) *Engine {
	return &Engine{
		query:  query,
		pool:   p,
		logger: log.WithComponent("discovery"),
	}
}

// Scan walks one account chain from index 0. The scan boundary starts at
// gapLimit and moves to index+gapLimit+1 whenever an address at index has
// activity; scanning stops when the index reaches the boundary.
//
// Every index below the current boundary is scanned regardless of later
// results, so the whole pending window is queried as one batch and then
// evaluated in index order.
func (e *Engine) Scan(ctx context.Context, deriver AddressDeriver, account uint32, ch models.Chain, gapLimit int) (*ScanResult, error) {
	if gapLimit < 1 {
		return nil, fmt.Errorf("gap limit must be positive, got %d", gapLimit)
	}

	res := &ScanResult{LastExist: -1}
	boundary := gapLimit
	next := 0

	for next < boundary {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch := boundary - next
		addrs := make([]string, batch)
		for i := range addrs {
			addr, err := deriver.Address(account, ch, uint32(next+i))
			if err != nil {
				return nil, fmt.Errorf("derive %d/%s/%d: %w", account, ch, next+i, err)
			}
			addrs[i] = addr
		}

		exists := make([]bool, batch)
		errs := e.pool.Run(ctx, batch, func(ctx context.Context, i int) error {
			ok, err := e.query.Exists(ctx, addrs[i])
			if err != nil {
				return fmt.Errorf("exists %s: %w", addrs[i], err)
			}
			exists[i] = ok
			return nil
		})
		if err := pool.FirstError(errs); err != nil {
			return nil, err
		}

		for i, addr := range addrs {
			index := next + i
			res.Addresses = append(res.Addresses, models.Address{
				Account: account,
				Chain:   ch,
				Index:   uint32(index),
				Encoded: addr,
			})
			if exists[i] {
				res.LastExist = index
				boundary = index + gapLimit + 1
			}
		}
		next += batch
	}

	e.logger.Debug().
		Uint32("account", account).
		Stringer("chain", ch).
		Int("scanned", len(res.Addresses)).
		Int("last_exist", res.LastExist).
		Msg("chain scanned")

	return res, nil
}

// DiscoverWallet scans accounts 0, 1, 2, ... in order. The first account
// whose receive chain shows no activity within its gap window ends
// discovery and is excluded.
func (e *Engine) DiscoverWallet(ctx context.Context, deriver AddressDeriver, gapLimit int) (*Result, error) {
	res := &Result{}
	for account := uint32(0); ; account++ {
		receive, err := e.Scan(ctx, deriver, account, models.ChainReceive, gapLimit)
		if err != nil {
			return nil, fmt.Errorf("scan account %d receive: %w", account, err)
		}
		if receive.LastExist == -1 {
			break
		}

		change, err := e.Scan(ctx, deriver, account, models.ChainChange, gapLimit)
		if err != nil {
			return nil, fmt.Errorf("scan account %d change: %w", account, err)
		}

		res.Accounts = append(res.Accounts, Account{
			Number:  account,
			Receive: *receive,
			Change:  *change,
		})
	}

	e.logger.Info().
		Int("accounts", len(res.Accounts)).
		Int("addresses", res.AddressCount()).
		Msg("wallet discovered")

	return res, nil
}
