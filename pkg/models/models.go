package models

import (
	"fmt"
	"time"
)

// Chain identifies the BIP44 chain of an address.
type Chain uint32

// Receive (external) and change (internal) chains.
const (
	ChainReceive Chain = 0
	ChainChange  Chain = 1
)

func (c Chain) String() string {
	switch c {
	case ChainReceive:
		return "receive"
	case ChainChange:
		return "change"
	default:
		return fmt.Sprintf("chain(%d)", uint32(c))
	}
}

// Chains lists the chains scanned for every account.
var Chains = []Chain{ChainReceive, ChainChange}

// Address is a derived wallet address and its sync state.
type Address struct {
	Account uint32 `json:"account"`
	Chain   Chain  `json:"chain"`
	Index   uint32 `json:"index"`
	Encoded string `json:"address"`
	Balance int64  `json:"balance"`

	// LastSeenTxID is the newest confirmed transaction observed for the
	// address, empty if none.
	LastSeenTxID string `json:"last_seen_txid,omitempty"`

	// Reserved is set when the address was handed out (as change or as a
	// receive address) and has not been observed on chain yet.
	Reserved bool `json:"reserved,omitempty"`
}

// Used reports whether the address has confirmed on-chain activity.
func (a *Address) Used() bool {
	return a.LastSeenTxID != ""
}

// OutPoint identifies a transaction output.
type OutPoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// UTXO is an output paying a tracked address.
type UTXO struct {
	OutPoint
	Value   int64  `json:"value"`
	Address string `json:"address"`

	// Spent marks a placeholder: the spend was observed before the output.
	Spent bool `json:"spent,omitempty"`

	// Sent is an advisory hint set when the wallet broadcast a
	// transaction consuming this output. The output stays tracked until a
	// sync observes the spend.
	Sent   bool      `json:"sent,omitempty"`
	SentAt time.Time `json:"sent_at,omitempty"`
}

// TxInput is a transaction input with its previous output resolved.
type TxInput struct {
	PrevTxID string
	PrevVout uint32
	Address  string // address of the previous output, empty if none
	Value    int64
}

// TxOutput is a transaction output.
type TxOutput struct {
	Vout    uint32
	Address string // empty for non-standard scripts
	Value   int64
}

// Tx is a transaction as reported by a blockchain data provider.
type Tx struct {
	TxID        string
	Confirmed   bool
	BlockHeight int64
	Inputs      []TxInput
	Outputs     []TxOutput
}

// SendResult is the outcome of a broadcast spend.
type SendResult struct {
	TxID   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Change string `json:"change,omitempty"` // change address, empty if none

	// Inputs and At record what the broadcast spent and when, so a later
	// process can hold the same outputs back until they confirm.
	Inputs []OutPoint `json:"inputs,omitempty"`
	At     time.Time  `json:"at"`
}

// FeeEstimate is the estimated fee for a confirmation target.
type FeeEstimate struct {
	Target int     `json:"target"`
	Rate   float64 `json:"rate"` // sat/vB
	VBytes float64 `json:"vbytes"`
	Fee    int64   `json:"fee"`
}

// BalanceEvent is emitted when a background sync changed a wallet's balance.
type BalanceEvent struct {
	WalletID int64     `json:"wallet_id"`
	Old      int64     `json:"old"`
	New      int64     `json:"new"`
	At       time.Time `json:"at"`
}

// WalletRecord is a persisted seed/label record.
type WalletRecord struct {
	ID       int64  `json:"id"`
	Network  string `json:"network"`
	Mnemonic string `json:"-"`
	Label    string `json:"label"`
}
