package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/wallet"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

// MemoryWalletStore is an in-memory WalletStore.
type MemoryWalletStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]models.WalletRecord
}

func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{nextID: 1, records: make(map[int64]models.WalletRecord)}
}

func (s *MemoryWalletStore) Add(network, mnemonic, label string) (int64, error) {
	if !wallet.ValidateMnemonic(mnemonic) {
		return 0, ErrInvalidMnemonic
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.records[id] = models.WalletRecord{ID: id, Network: network, Mnemonic: mnemonic, Label: label}
	return id, nil
}

func (s *MemoryWalletStore) Load(id int64) (*models.WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrWalletNotFound, id)
	}
	return &r, nil
}

func (s *MemoryWalletStore) List(network string) ([]models.WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.WalletRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.Network != network {
			continue
		}
		r.Mnemonic = ""
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// MemorySendStore is an in-memory SendStore.
type MemorySendStore struct {
	mu    sync.RWMutex
	sends map[string]models.SendResult
}

func NewMemorySendStore() *MemorySendStore {
	return &MemorySendStore{sends: make(map[string]models.SendResult)}
}

func (s *MemorySendStore) Get(idempotencyKey string) (*models.SendResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.sends[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (s *MemorySendStore) Put(idempotencyKey string, res *models.SendResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *res
	stored.Inputs = append([]models.OutPoint(nil), res.Inputs...)
	s.sends[idempotencyKey] = stored
	return nil
}

func (s *MemorySendStore) Pending(since time.Time) ([]models.SendResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.SendResult
	for _, res := range s.sends {
		if !res.At.IsZero() && !res.At.Before(since) {
			result = append(result, res)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].At.Equal(result[j].At) {
			return result[i].At.Before(result[j].At)
		}
		return result[i].TxID < result[j].TxID
	})
	return result, nil
}
