// Package chaintest provides an in-memory blockchain for engine tests.
package chaintest

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

// DefaultPageSize matches Esplora's confirmed-history page size.
const DefaultPageSize = 25

// TxID returns a deterministic 64-hex transaction id for n.
func TxID(n int) string {
	return fmt.Sprintf("%064x", n)
}

// Chain is a fake implementing chain.BlockchainQuery and chain.Broadcaster.
type Chain struct {
	mu sync.Mutex

	params   *chaincfg.Params
	pageSize int

	history  map[string][]models.Tx // per address, newest first
	active   map[string]bool
	feeRates map[int]float64
	failures map[string]error // per address, returned by every query
	mempool  []*wire.MsgTx

	// SubmitHook, when set, replaces the txid Submit returns.
	SubmitHook func(tx *wire.MsgTx) (string, error)

	calls map[string]int
}

var (
	_ chain.BlockchainQuery = (*Chain)(nil)
	_ chain.Broadcaster     = (*Chain)(nil)
)

// New returns an empty chain for the given network.
func New(params *chaincfg.Params) *Chain {
	return &Chain{
		params:   params,
		pageSize: DefaultPageSize,
		history:  make(map[string][]models.Tx),
		active:   make(map[string]bool),
		feeRates: map[int]float64{1: 5},
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetPageSize sets how many transactions TransactionHistory returns.
func (c *Chain) SetPageSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageSize = n
}

// SetFeeRate sets the sat/vB estimate for a target.
func (c *Chain) SetFeeRate(target int, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeRates[target] = rate
}

// MarkUsed makes Exists report true for the address without history.
func (c *Chain) MarkUsed(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[address] = true
}

// Fail makes every query about the address return err. A nil err clears it.
func (c *Chain) Fail(address string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, address)
		return
	}
	c.failures[address] = err
}

// Calls returns how many times method was invoked.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// AddTx confirms tx and indexes it under every address it touches.
func (c *Chain) AddTx(tx models.Tx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTx(tx)
}

func (c *Chain) addTx(tx models.Tx) {
	tx.Confirmed = true
	seen := make(map[string]bool)
	touch := func(addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		c.history[addr] = append([]models.Tx{tx}, c.history[addr]...)
		c.active[addr] = true
	}
	for _, in := range tx.Inputs {
		touch(in.Address)
	}
	for _, out := range tx.Outputs {
		touch(out.Address)
	}
}

// Fund confirms a transaction paying value to address and returns its
// outpoint. Its txid is TxID(n).
func (c *Chain) Fund(n int, address string, value int64) models.OutPoint {
	txid := TxID(n)
	c.AddTx(models.Tx{
		TxID:    txid,
		Outputs: []models.TxOutput{{Vout: 0, Address: address, Value: value}},
	})
	return models.OutPoint{TxID: txid, Vout: 0}
}

func (c *Chain) record(method, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	return c.failures[address]
}

// Exists implements chain.BlockchainQuery.
func (c *Chain) Exists(ctx context.Context, address string) (bool, error) {
	if err := c.record("Exists", address); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[address], nil
}

// Balance implements chain.BlockchainQuery.
func (c *Chain) Balance(ctx context.Context, address string) (int64, error) {
	utxos, err := c.UTXOs(ctx, address)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// UTXOs implements chain.BlockchainQuery.
func (c *Chain) UTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	if err := c.record("UTXOs", address); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	spent := make(map[models.OutPoint]bool)
	for _, txs := range c.history {
		for _, tx := range txs {
			for _, in := range tx.Inputs {
				spent[models.OutPoint{TxID: in.PrevTxID, Vout: in.PrevVout}] = true
			}
		}
	}
	var utxos []models.UTXO
	for _, tx := range c.history[address] {
		for _, out := range tx.Outputs {
			op := models.OutPoint{TxID: tx.TxID, Vout: out.Vout}
			if out.Address == address && !spent[op] {
				utxos = append(utxos, models.UTXO{OutPoint: op, Value: out.Value, Address: address})
			}
		}
	}
	return utxos, nil
}

// TransactionHistory implements chain.BlockchainQuery.
func (c *Chain) TransactionHistory(ctx context.Context, address, cursor string) ([]models.Tx, error) {
	if err := c.record("TransactionHistory", address); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	txs := c.history[address]
	start := 0
	if cursor != "" {
		start = len(txs)
		for i, tx := range txs {
			if tx.TxID == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + c.pageSize
	if end > len(txs) {
		end = len(txs)
	}
	page := make([]models.Tx, end-start)
	copy(page, txs[start:end])
	return page, nil
}

// FeeRate implements chain.BlockchainQuery.
func (c *Chain) FeeRate(ctx context.Context, target int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["FeeRate"]++
	rate, ok := c.feeRates[target]
	if !ok {
		return 0, &chain.ProtocolError{Op: "FeeRate", Reason: fmt.Sprintf("no estimate for target %d", target)}
	}
	return rate, nil
}

// Submit implements chain.Broadcaster. Accepted transactions wait in the
// mempool until Mine is called.
func (c *Chain) Submit(ctx context.Context, rawTx []byte) (string, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("decode tx: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["Submit"]++

	if c.SubmitHook != nil {
		txid, err := c.SubmitHook(tx)
		if err != nil {
			return "", err
		}
		c.mempool = append(c.mempool, tx)
		return txid, nil
	}
	c.mempool = append(c.mempool, tx)
	return tx.TxHash().String(), nil
}

// Mempool returns the transactions submitted and not mined yet.
func (c *Chain) Mempool() []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wire.MsgTx, len(c.mempool))
	copy(out, c.mempool)
	return out
}

// Mine confirms every mempool transaction.
func (c *Chain) Mine() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range c.mempool {
		tx := models.Tx{TxID: msg.TxHash().String()}
		for _, in := range msg.TxIn {
			prev, ok := c.findOutput(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
			if !ok {
				return fmt.Errorf("mine %s: unknown input %s", tx.TxID, in.PreviousOutPoint)
			}
			tx.Inputs = append(tx.Inputs, models.TxInput{
				PrevTxID: in.PreviousOutPoint.Hash.String(),
				PrevVout: in.PreviousOutPoint.Index,
				Address:  prev.Address,
				Value:    prev.Value,
			})
		}
		for i, out := range msg.TxOut {
			var addr string
			_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, c.params)
			if err == nil && len(addrs) == 1 {
				addr = encode(addrs[0])
			}
			tx.Outputs = append(tx.Outputs, models.TxOutput{Vout: uint32(i), Address: addr, Value: out.Value})
		}
		c.addTx(tx)
	}
	c.mempool = nil
	return nil
}

func (c *Chain) findOutput(txid string, vout uint32) (models.TxOutput, bool) {
	for _, txs := range c.history {
		for _, tx := range txs {
			if tx.TxID != txid {
				continue
			}
			for _, out := range tx.Outputs {
				if out.Vout == vout {
					return out, true
				}
			}
		}
	}
	return models.TxOutput{}, false
}

func encode(addr btcutil.Address) string {
	return addr.EncodeAddress()
}
