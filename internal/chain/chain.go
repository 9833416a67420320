// Package chain defines the blockchain data and broadcast capabilities the
// wallet engine consumes.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

// BlockchainQuery answers questions about addresses and fees.
// All calls may fail with *NetworkError or *ProtocolError.
type BlockchainQuery interface {
	// Exists reports whether the address has confirmed on-chain activity.
	Exists(ctx context.Context, address string) (bool, error)

	// Balance returns the confirmed balance of the address in satoshis.
	Balance(ctx context.Context, address string) (int64, error)

	// UTXOs returns the confirmed unspent outputs paying the address.
	UTXOs(ctx context.Context, address string) ([]models.UTXO, error)

	// TransactionHistory returns one page of transactions touching the
	// address, newest first. An empty cursor returns the newest page;
	// otherwise the page starts after the transaction with id cursor.
	TransactionHistory(ctx context.Context, address, cursor string) ([]models.Tx, error)

	// FeeRate returns the estimated rate in sat/vB for confirmation within
	// target blocks.
	FeeRate(ctx context.Context, target int) (float64, error)
}

// Broadcaster submits signed transactions to the network.
type Broadcaster interface {
	// Submit relays a serialized transaction and returns its id. A node
	// rejection is an error.
	Submit(ctx context.Context, rawTx []byte) (string, error)
}

// Sentinels matched by errors.Is on *NetworkError and *ProtocolError.
var (
	ErrNetwork  = errors.New("network error")
	ErrProtocol = errors.New("protocol error")
)

// NetworkError is a provider call that failed after its retry.
type NetworkError struct {
	Op     string
	Status int // HTTP status, 0 for transport failures
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ProtocolError is a malformed provider response.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Reason)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
