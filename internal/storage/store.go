// Package storage persists wallet seed records and send results.
package storage

import (
	"errors"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

var (
	// ErrWalletNotFound is returned by Load for an unknown wallet id.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidMnemonic is returned by Add for a mnemonic that fails BIP39
	// validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// WalletStore keeps seed/label records keyed by wallet id.
type WalletStore interface {
	// Add validates and stores a mnemonic, returning the new wallet id.
	Add(network, mnemonic, label string) (int64, error)
	// Load returns the full record, mnemonic included.
	Load(id int64) (*models.WalletRecord, error)
	// List returns the records of a network without their mnemonics.
	List(network string) ([]models.WalletRecord, error)
}

// SendStore provides idempotent send results.
type SendStore interface {
	// Get returns a previously stored result by idempotency key, or nil if not found.
	Get(idempotencyKey string) (*models.SendResult, error)
	// Put stores a result keyed by idempotency key.
	Put(idempotencyKey string, res *models.SendResult) error
	// Pending returns the results recorded at or after since, oldest first.
	Pending(since time.Time) ([]models.SendResult, error)
}
