// Package tx builds, signs and broadcasts P2WPKH spends from wallet UTXOs.
package tx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/storage"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/wallet"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/rs/zerolog"
)

var (
	ErrUTXONotFound           = errors.New("utxo not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrUnsupportedAddressType = errors.New("unsupported address type")
	ErrBroadcastMismatch      = errors.New("broadcast txid mismatch")
)

// Input sequence numbers.
const (
	SequenceRBF   uint32 = 0xfffffffd
	SequenceFinal uint32 = wire.MaxTxInSequenceNum
)

// Ledger is the wallet state the builder reads and updates.
// *syncer.State implements it.
type Ledger interface {
	UTXO(op models.OutPoint) (models.UTXO, bool)
	Address(encoded string) (models.Address, bool)
	NextAddress(account uint32, ch models.Chain) (models.Address, error)
	Release(encoded string)
	Reserve(encoded string) bool
	MarkSent(ops []models.OutPoint, at time.Time)
}

// KeySource derives signing keys. *wallet.Keychain implements it.
type KeySource interface {
	PrivateKey(account uint32, ch models.Chain, index uint32) (*btcec.PrivateKey, error)
}

// BuilderConfig holds configurable parameters for the transaction builder.
type BuilderConfig struct {
	Params     *chaincfg.Params
	RBF        bool
	FeeTargets []int

	// SentExpiry is how long a sent hint keeps an output unspendable.
	// Zero keeps it until a sync observes the spend.
	SentExpiry time.Duration
}

// Builder constructs, signs and broadcasts transactions for one wallet.
// Sends are serialized so two concurrent sends never pick the same change
// address or outputs.
type Builder struct {
	mu sync.Mutex

	cfg         BuilderConfig
	ledger      Ledger
	keys        KeySource
	query       chain.BlockchainQuery
	broadcaster chain.Broadcaster
	sends       storage.SendStore

	now    func() time.Time
	logger zerolog.Logger
}

// NewBuilder creates a builder spending from ledger with keys.
func NewBuilder(cfg BuilderConfig, ledger Ledger, keys KeySource, query chain.BlockchainQuery, bc chain.Broadcaster, sends storage.SendStore) *Builder {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if len(cfg.FeeTargets) == 0 {
		cfg.FeeTargets = []int{1, 3, 6, 144}
	}
	return &Builder{
		cfg:         cfg,
		ledger:      ledger,
		keys:        keys,
		query:       query,
		broadcaster: bc,
		sends:       sends,
		now:         time.Now,
		logger:      log.WithComponent("tx_builder"),
	}
}

// SendRequest represents a request to send a transaction.
type SendRequest struct {
	IdempotencyKey string // prevents duplicate sends, optional
	Value          int64
	UTXOs          []models.OutPoint
	Destination    string
	Fee            int64 // 0 estimates from the 1-block fee rate
}

type input struct {
	utxo   models.UTXO
	owner  models.Address
	script []byte
}

type destination struct {
	kind   OutputKind
	script []byte
}

// Send builds, signs and broadcasts a transaction spending the named
// outputs. Only the stored value and owner of each output are used.
func (b *Builder) Send(ctx context.Context, req SendRequest) (*models.SendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.IdempotencyKey != "" {
		existing, err := b.sends.Get(req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("send store get: %w", err)
		}
		if existing != nil {
			b.logger.Info().
				Str("idempotency_key", req.IdempotencyKey).
				Str("txid", existing.TxID).
				Msg("duplicate request, returning existing send")
			return existing, nil
		}
	}

	if req.Value <= 0 {
		return nil, fmt.Errorf("value must be positive, got %d", req.Value)
	}
	if req.Fee < 0 {
		return nil, fmt.Errorf("fee must not be negative, got %d", req.Fee)
	}

	dest, err := b.destination(req.Destination)
	if err != nil {
		return nil, err
	}
	inputs, available, err := b.inputs(req.UTXOs)
	if err != nil {
		return nil, err
	}

	fee := req.Fee
	if fee == 0 {
		rate, err := b.query.FeeRate(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("fee rate: %w", err)
		}
		weight, err := estimateWeight(len(inputs), dest.kind, dest.script)
		if err != nil {
			return nil, err
		}
		fee = feeFor(rate, weight)
	}

	if available < fee+req.Value {
		return nil, fmt.Errorf("%w: have %d, need %d (value %d + fee %d)",
			ErrInsufficientFunds, available, fee+req.Value, req.Value, fee)
	}

	msg := wire.NewMsgTx(wire.TxVersion)
	sequence := SequenceFinal
	if b.cfg.RBF {
		sequence = SequenceRBF
	}
	for _, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("parse txid %s: %w", in.utxo.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(hash, in.utxo.Vout), nil, nil)
		txIn.Sequence = sequence
		msg.AddTxIn(txIn)
	}
	msg.AddTxOut(wire.NewTxOut(req.Value, dest.script))

	var change models.Address
	if remainder := available - fee - req.Value; remainder > 0 {
		change, err = b.ledger.NextAddress(inputs[0].owner.Account, models.ChainChange)
		if err != nil {
			return nil, fmt.Errorf("change address: %w", err)
		}
		script, err := b.payScript(change.Encoded)
		if err != nil {
			b.ledger.Release(change.Encoded)
			return nil, fmt.Errorf("change script: %w", err)
		}
		msg.AddTxOut(wire.NewTxOut(remainder, script))
	}

	res, err := b.signAndBroadcast(ctx, msg, inputs, fee, change.Encoded)
	if err != nil {
		if change.Encoded != "" {
			b.ledger.Release(change.Encoded)
		}
		return nil, err
	}

	res.Inputs = make([]models.OutPoint, len(inputs))
	for i, in := range inputs {
		res.Inputs[i] = in.utxo.OutPoint
	}
	res.At = b.now().UTC()
	b.ledger.MarkSent(res.Inputs, res.At)

	if req.IdempotencyKey != "" {
		if err := b.sends.Put(req.IdempotencyKey, res); err != nil {
			return nil, fmt.Errorf("send store put: %w", err)
		}
		return res, nil
	}
	if err := b.sends.Put(sendKey(res.TxID), res); err != nil {
		b.logger.Warn().Err(err).Str("txid", res.TxID).Msg("send not recorded")
	}
	return res, nil
}

// sendKey keys a send made without an idempotency key.
func sendKey(txid string) string {
	return "txid:" + txid
}

// RestorePending replays the recorded sends that are still within the sent
// expiry onto the ledger: their inputs are marked sent at the original
// broadcast time and their change addresses are reserved again. Sends of
// other wallets sharing the store name nothing the ledger tracks and are
// skipped. It returns the number of sends that touched the ledger.
func (b *Builder) RestorePending() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var since time.Time
	if b.cfg.SentExpiry > 0 {
		since = b.now().Add(-b.cfg.SentExpiry)
	}
	pending, err := b.sends.Pending(since)
	if err != nil {
		return 0, fmt.Errorf("send store pending: %w", err)
	}

	restored := 0
	for _, res := range pending {
		held := false
		for _, op := range res.Inputs {
			if u, ok := b.ledger.UTXO(op); ok && !u.Spent {
				held = true
			}
		}
		if held {
			b.ledger.MarkSent(res.Inputs, res.At)
		}
		if res.Change != "" && b.ledger.Reserve(res.Change) {
			held = true
		}
		if held {
			restored++
			b.logger.Debug().Str("txid", res.TxID).Time("at", res.At).Msg("pending send restored")
		}
	}
	if restored > 0 {
		b.logger.Info().Int("sends", restored).Msg("pending sends restored")
	}
	return restored, nil
}

func (b *Builder) signAndBroadcast(ctx context.Context, msg *wire.MsgTx, inputs []input, fee int64, change string) (*models.SendResult, error) {
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range inputs {
		prevOuts.AddPrevOut(msg.TxIn[i].PreviousOutPoint, wire.NewTxOut(in.utxo.Value, in.script))
	}
	sigHashes := txscript.NewTxSigHashes(msg, prevOuts)

	for i, in := range inputs {
		priv, err := b.keys.PrivateKey(in.owner.Account, in.owner.Chain, in.owner.Index)
		if err != nil {
			return nil, fmt.Errorf("derive key for %s: %w", in.owner.Encoded, err)
		}
		derived, err := wallet.EncodeP2WPKH(priv.PubKey().SerializeCompressed(), b.cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", in.owner.Encoded, err)
		}
		if derived != in.owner.Encoded {
			return nil, fmt.Errorf("key for %d/%s/%d derives %s, expected %s",
				in.owner.Account, in.owner.Chain, in.owner.Index, derived, in.owner.Encoded)
		}

		witness, err := txscript.WitnessSignature(msg, sigHashes, i, in.utxo.Value, in.script, txscript.SigHashAll, priv, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		msg.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	buf.Grow(msg.SerializeSize())
	if err := msg.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	txid := msg.TxHash().String()

	b.logger.Info().
		Str("txid", txid).
		Int("inputs", len(msg.TxIn)).
		Int("outputs", len(msg.TxOut)).
		Int64("fee", fee).
		Msg("broadcasting transaction")

	got, err := b.broadcaster.Submit(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	if got != txid {
		b.logger.Error().Str("txid", txid).Str("provider_txid", got).Msg("broadcast txid mismatch")
		return nil, fmt.Errorf("%w: provider returned %s, computed %s", ErrBroadcastMismatch, got, txid)
	}

	return &models.SendResult{TxID: txid, Fee: fee, Change: change}, nil
}

// inputs resolves the named outputs against the ledger.
func (b *Builder) inputs(ops []models.OutPoint) ([]input, int64, error) {
	if len(ops) == 0 {
		return nil, 0, fmt.Errorf("%w: no outputs named", ErrUTXONotFound)
	}

	seen := make(map[models.OutPoint]bool, len(ops))
	inputs := make([]input, 0, len(ops))
	var available int64
	for _, op := range ops {
		if seen[op] {
			return nil, 0, fmt.Errorf("%w: %s named twice", ErrUTXONotFound, op)
		}
		seen[op] = true

		u, ok := b.ledger.UTXO(op)
		if !ok || u.Spent {
			return nil, 0, fmt.Errorf("%w: %s", ErrUTXONotFound, op)
		}
		if u.Sent && !b.sentExpired(u.SentAt) {
			return nil, 0, fmt.Errorf("%w: %s is spent by a pending transaction", ErrUTXONotFound, op)
		}
		owner, ok := b.ledger.Address(u.Address)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s owner %s not tracked", ErrUTXONotFound, op, u.Address)
		}
		script, err := b.payScript(u.Address)
		if err != nil {
			return nil, 0, fmt.Errorf("input %s: %w", op, err)
		}
		inputs = append(inputs, input{utxo: u, owner: owner, script: script})
		available += u.Value
	}
	return inputs, available, nil
}

func (b *Builder) sentExpired(at time.Time) bool {
	return b.cfg.SentExpiry > 0 && b.now().Sub(at) > b.cfg.SentExpiry
}

func (b *Builder) destination(encoded string) (destination, error) {
	addr, err := btcutil.DecodeAddress(encoded, b.cfg.Params)
	if err != nil {
		return destination{}, fmt.Errorf("decode destination %q: %w", encoded, err)
	}
	if !addr.IsForNet(b.cfg.Params) {
		return destination{}, fmt.Errorf("destination %q is not a %s address", encoded, b.cfg.Params.Name)
	}
	kind, err := kindOf(addr)
	if err != nil {
		return destination{}, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return destination{}, fmt.Errorf("destination script: %w", err)
	}
	return destination{kind: kind, script: script}, nil
}

func (b *Builder) payScript(encoded string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(encoded, b.cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", encoded, err)
	}
	return txscript.PayToAddrScript(addr)
}

// FeeEstimates previews the fee of spending the named outputs to
// to for every configured confirmation target.
func (b *Builder) FeeEstimates(ctx context.Context, ops []models.OutPoint, to string) ([]models.FeeEstimate, error) {
	dest, err := b.destination(to)
	if err != nil {
		return nil, err
	}
	inputs, _, err := b.inputs(ops)
	if err != nil {
		return nil, err
	}
	weight, err := estimateWeight(len(inputs), dest.kind, dest.script)
	if err != nil {
		return nil, err
	}

	estimates := make([]models.FeeEstimate, 0, len(b.cfg.FeeTargets))
	for _, target := range b.cfg.FeeTargets {
		rate, err := b.query.FeeRate(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("fee rate for target %d: %w", target, err)
		}
		estimates = append(estimates, models.FeeEstimate{
			Target: target,
			Rate:   rate,
			VBytes: float64(weight) / 4,
			Fee:    feeFor(rate, weight),
		})
	}
	return estimates, nil
}
