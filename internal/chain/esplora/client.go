// Package esplora implements the blockchain query and broadcast
// capabilities against an Esplora REST API.
package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/rs/zerolog"
)

// Config holds client parameters.
type Config struct {
	Endpoint   string // base URL ending in /api/
	Timeout    time.Duration
	RetryDelay time.Duration
	Cache      *chain.ExistenceCache // optional
}

// Client is an Esplora HTTP client.
type Client struct {
	base       *url.URL
	http       *http.Client
	retryDelay time.Duration
	cache      *chain.ExistenceCache
	logger     zerolog.Logger
}

var (
	_ chain.BlockchainQuery = (*Client)(nil)
	_ chain.Broadcaster     = (*Client)(nil)
)

// New creates a client for the given endpoint.
func New(cfg Config) (*Client, error) {
	endpoint := cfg.Endpoint
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	return &Client{
		base:       base,
		http:       &http.Client{Timeout: cfg.Timeout},
		retryDelay: cfg.RetryDelay,
		cache:      cfg.Cache,
		logger:     log.WithComponent("esplora"),
	}, nil
}

type chainStats struct {
	TxCount      int64 `json:"tx_count"`
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

type addressResponse struct {
	Address    string     `json:"address"`
	ChainStats chainStats `json:"chain_stats"`
}

type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type utxoResponse struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Value  int64    `json:"value"`
	Status txStatus `json:"status"`
}

type prevout struct {
	Address string `json:"scriptpubkey_address"`
	Value   int64  `json:"value"`
}

type vin struct {
	TxID       string   `json:"txid"`
	Vout       uint32   `json:"vout"`
	Prevout    *prevout `json:"prevout"`
	IsCoinbase bool     `json:"is_coinbase"`
}

type vout struct {
	Address string `json:"scriptpubkey_address"`
	Value   int64  `json:"value"`
}

type txResponse struct {
	TxID   string   `json:"txid"`
	Vin    []vin    `json:"vin"`
	Vout   []vout   `json:"vout"`
	Status txStatus `json:"status"`
}

func (c *Client) address(ctx context.Context, address string) (*addressResponse, error) {
	op := "GET address"
	var resp addressResponse
	if err := c.getJSON(ctx, op, "address/"+url.PathEscape(address), &resp); err != nil {
		return nil, err
	}
	if resp.ChainStats.TxCount < 0 || resp.ChainStats.FundedTxoSum < resp.ChainStats.SpentTxoSum {
		return nil, &chain.ProtocolError{Op: op, Reason: "inconsistent chain_stats"}
	}
	return &resp, nil
}

// Exists reports whether the address has confirmed transactions.
func (c *Client) Exists(ctx context.Context, address string) (bool, error) {
	if c.cache.Known(address) {
		return true, nil
	}
	resp, err := c.address(ctx, address)
	if err != nil {
		return false, err
	}
	exists := resp.ChainStats.TxCount != 0
	if exists {
		c.cache.Remember(address)
	}
	return exists, nil
}

// Balance returns funded minus spent confirmed output value.
func (c *Client) Balance(ctx context.Context, address string) (int64, error) {
	resp, err := c.address(ctx, address)
	if err != nil {
		return 0, err
	}
	return resp.ChainStats.FundedTxoSum - resp.ChainStats.SpentTxoSum, nil
}

// UTXOs returns the confirmed unspent outputs of the address.
func (c *Client) UTXOs(ctx context.Context, address string) ([]models.UTXO, error) {
	op := "GET address utxo"
	var resp []utxoResponse
	if err := c.getJSON(ctx, op, "address/"+url.PathEscape(address)+"/utxo", &resp); err != nil {
		return nil, err
	}
	utxos := make([]models.UTXO, 0, len(resp))
	for _, u := range resp {
		if !u.Status.Confirmed {
			continue
		}
		if !validTxID(u.TxID) || u.Value < 0 {
			return nil, &chain.ProtocolError{Op: op, Reason: fmt.Sprintf("bad utxo %s:%d", u.TxID, u.Vout)}
		}
		utxos = append(utxos, models.UTXO{
			OutPoint: models.OutPoint{TxID: u.TxID, Vout: u.Vout},
			Value:    u.Value,
			Address:  address,
		})
	}
	return utxos, nil
}

// TransactionHistory returns a page of confirmed transactions, newest
// first, starting after cursor.
func (c *Client) TransactionHistory(ctx context.Context, address, cursor string) ([]models.Tx, error) {
	op := "GET address txs"
	path := "address/" + url.PathEscape(address) + "/txs/chain"
	if cursor != "" {
		if !validTxID(cursor) {
			return nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		path += "/" + cursor
	}

	var resp []txResponse
	if err := c.getJSON(ctx, op, path, &resp); err != nil {
		return nil, err
	}

	txs := make([]models.Tx, 0, len(resp))
	for _, r := range resp {
		tx, err := convertTx(r)
		if err != nil {
			return nil, &chain.ProtocolError{Op: op, Reason: err.Error()}
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func convertTx(r txResponse) (models.Tx, error) {
	if !validTxID(r.TxID) {
		return models.Tx{}, fmt.Errorf("bad txid %q", r.TxID)
	}
	tx := models.Tx{
		TxID:        r.TxID,
		Confirmed:   r.Status.Confirmed,
		BlockHeight: r.Status.BlockHeight,
		Inputs:      make([]models.TxInput, 0, len(r.Vin)),
		Outputs:     make([]models.TxOutput, 0, len(r.Vout)),
	}
	for _, in := range r.Vin {
		if in.IsCoinbase {
			continue
		}
		if in.Prevout == nil {
			return models.Tx{}, fmt.Errorf("tx %s: input %s:%d without prevout", r.TxID, in.TxID, in.Vout)
		}
		if in.Prevout.Value < 0 {
			return models.Tx{}, fmt.Errorf("tx %s: negative input value", r.TxID)
		}
		tx.Inputs = append(tx.Inputs, models.TxInput{
			PrevTxID: in.TxID,
			PrevVout: in.Vout,
			Address:  in.Prevout.Address,
			Value:    in.Prevout.Value,
		})
	}
	for i, out := range r.Vout {
		if out.Value < 0 {
			return models.Tx{}, fmt.Errorf("tx %s: negative output value", r.TxID)
		}
		tx.Outputs = append(tx.Outputs, models.TxOutput{
			Vout:    uint32(i),
			Address: out.Address,
			Value:   out.Value,
		})
	}
	return tx, nil
}

// FeeRate returns the estimate for target, or for the closest lower target
// the server publishes.
func (c *Client) FeeRate(ctx context.Context, target int) (float64, error) {
	op := "GET fee-estimates"
	var resp map[string]float64
	if err := c.getJSON(ctx, op, "fee-estimates", &resp); err != nil {
		return 0, err
	}

	targets := make([]int, 0, len(resp))
	for k := range resp {
		n, err := strconv.Atoi(k)
		if err != nil {
			return 0, &chain.ProtocolError{Op: op, Reason: fmt.Sprintf("bad target %q", k)}
		}
		targets = append(targets, n)
	}
	sort.Ints(targets)

	best := -1
	for _, t := range targets {
		if t <= target {
			best = t
		}
	}
	if best < 0 {
		return 0, &chain.ProtocolError{Op: op, Reason: fmt.Sprintf("no estimate for target %d", target)}
	}
	rate := resp[strconv.Itoa(best)]
	if rate <= 0 {
		return 0, &chain.ProtocolError{Op: op, Reason: fmt.Sprintf("non-positive rate %v", rate)}
	}
	return rate, nil
}

// Submit posts the hex-encoded transaction and returns the txid the server
// reports.
func (c *Client) Submit(ctx context.Context, rawTx []byte) (string, error) {
	op := "POST tx"
	body, err := c.do(ctx, op, http.MethodPost, "tx", []byte(hex.EncodeToString(rawTx)))
	if err != nil {
		return "", err
	}
	txid := strings.TrimSpace(string(body))
	if !validTxID(txid) {
		return "", &chain.ProtocolError{Op: op, Reason: fmt.Sprintf("bad txid %q", txid)}
	}
	c.logger.Info().Str("txid", txid).Msg("transaction submitted")
	return txid, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	body, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &chain.ProtocolError{Op: op, Reason: err.Error()}
	}
	return nil
}

// do performs the request, retrying once on transport errors and server
// errors (>= 500).
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	body, status, err := c.once(ctx, method, path, payload)
	if err == nil && status < 500 {
		return checkStatus(op, status, body)
	}
	if ctx.Err() != nil {
		return nil, &chain.NetworkError{Op: op, Err: ctx.Err()}
	}

	c.logger.Debug().
		Str("op", op).
		Str("path", path).
		Int("status", status).
		AnErr("error", err).
		Msg("retrying request")

	select {
	case <-time.After(c.retryDelay):
	case <-ctx.Done():
		return nil, &chain.NetworkError{Op: op, Err: ctx.Err()}
	}

	body, status, err = c.once(ctx, method, path, payload)
	if err != nil {
		return nil, &chain.NetworkError{Op: op, Err: err}
	}
	return checkStatus(op, status, body)
}

func checkStatus(op string, status int, body []byte) ([]byte, error) {
	if status == http.StatusOK {
		return body, nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return nil, &chain.NetworkError{Op: op, Status: status, Err: fmt.Errorf("%s", msg)}
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, 0, fmt.Errorf("build url: %w", err)
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), reader)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func validTxID(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
