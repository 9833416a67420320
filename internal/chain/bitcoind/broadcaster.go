// Package bitcoind broadcasts transactions through a Bitcoin Core node's
// JSON-RPC interface.
package bitcoind

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
	"github.com/rs/zerolog"
)

// Config holds the RPC connection parameters of the node.
type Config struct {
	Host     string // host:port
	User     string
	Password string
	TLS      bool
	Params   *chaincfg.Params
}

// Broadcaster relays transactions with sendrawtransaction.
type Broadcaster struct {
	rpc    *rpcclient.Client
	logger zerolog.Logger
}

var _ chain.Broadcaster = (*Broadcaster)(nil)

// New creates a broadcaster. No request is made until the first Submit.
func New(cfg Config) (*Broadcaster, error) {
	if cfg.Host == "" {
		return nil, errors.New("full node host is required")
	}
	conn := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		DisableTLS:   !cfg.TLS,
		HTTPPostMode: true,
	}
	if cfg.Params != nil {
		conn.Params = cfg.Params.Name
	}
	rpc, err := rpcclient.New(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc client: %w", err)
	}
	return &Broadcaster{
		rpc:    rpc,
		logger: log.WithComponent("bitcoind"),
	}, nil
}

type submitResult struct {
	txid string
	err  error
}

// Submit relays the serialized transaction. A node rejection is returned
// wrapping the node's *btcjson.RPCError; a node that cannot be reached is
// a *chain.NetworkError.
func (b *Broadcaster) Submit(ctx context.Context, rawTx []byte) (string, error) {
	const op = "sendrawtransaction"

	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}

	done := make(chan submitResult, 1)
	go func() {
		hash, err := b.rpc.SendRawTransaction(&msg, false)
		if err != nil {
			done <- submitResult{err: err}
			return
		}
		done <- submitResult{txid: hash.String()}
	}()

	select {
	case <-ctx.Done():
		return "", &chain.NetworkError{Op: op, Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			var rpcErr *btcjson.RPCError
			if errors.As(res.err, &rpcErr) {
				b.logger.Warn().
					Int("code", int(rpcErr.Code)).
					Str("reason", rpcErr.Message).
					Msg("node rejected transaction")
				return "", fmt.Errorf("%s: node rejected transaction: %w", op, rpcErr)
			}
			return "", &chain.NetworkError{Op: op, Err: res.err}
		}
		b.logger.Info().Str("txid", res.txid).Msg("transaction submitted")
		return res.txid, nil
	}
}

// Close stops the RPC client.
func (b *Broadcaster) Close() {
	b.rpc.Shutdown()
	b.rpc.WaitForShutdown()
}
