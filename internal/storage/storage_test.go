package storage

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/stretchr/testify/require"
)

const mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fastSeal keeps Argon2id cheap in tests.
var fastSeal = SealParams{Memory: 1024, Iterations: 1, Parallelism: 1}

func openTestDB(t *testing.T, path, passphrase string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: path, Passphrase: passphrase, SealParams: fastSeal})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func walletStores(t *testing.T) map[string]WalletStore {
	return map[string]WalletStore{
		"memory": NewMemoryWalletStore(),
		"sqlite": openTestDB(t, filepath.Join(t.TempDir(), "wallets.db"), ""),
		"sealed": openTestDB(t, filepath.Join(t.TempDir(), "wallets.db"), "hunter2"),
	}
}

func TestWalletStore_AddLoadList(t *testing.T) {
	for name, s := range walletStores(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := s.Add("testnet", mnemonic, "savings")
			require.NoError(t, err)
			id2, err := s.Add("mainnet", mnemonic, "cold")
			require.NoError(t, err)
			require.NotEqual(t, id1, id2)

			r, err := s.Load(id1)
			require.NoError(t, err)
			require.Equal(t, &models.WalletRecord{ID: id1, Network: "testnet", Mnemonic: mnemonic, Label: "savings"}, r)

			list, err := s.List("testnet")
			require.NoError(t, err)
			require.Len(t, list, 1)
			require.Equal(t, id1, list[0].ID)
			require.Empty(t, list[0].Mnemonic)
		})
	}
}

func TestWalletStore_Errors(t *testing.T) {
	for name, s := range walletStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Add("testnet", "not a mnemonic", "")
			require.ErrorIs(t, err, ErrInvalidMnemonic)

			_, err = s.Load(42)
			require.ErrorIs(t, err, ErrWalletNotFound)
		})
	}
}

func TestSQLiteStore_SealedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.db")
	s := openTestDB(t, path, "hunter2")
	id, err := s.Add("testnet", mnemonic, "")
	require.NoError(t, err)

	var stored string
	require.NoError(t, s.db.QueryRow(`SELECT mnemonic FROM wallets WHERE id = ?`, id).Scan(&stored))
	require.False(t, strings.Contains(stored, "abandon"))
	require.NoError(t, s.Close())

	wrong := openTestDB(t, path, "wrong")
	_, err = wrong.Load(id)
	require.Error(t, err)
	require.NoError(t, wrong.Close())

	none := openTestDB(t, path, "")
	_, err = none.Load(id)
	require.Error(t, err)
	require.NoError(t, none.Close())

	again := openTestDB(t, path, "hunter2")
	r, err := again.Load(id)
	require.NoError(t, err)
	require.Equal(t, mnemonic, r.Mnemonic)
}

func TestSeal_RoundTrip(t *testing.T) {
	ct, err := seal([]byte("secret"), []byte("pw"), fastSeal)
	require.NoError(t, err)

	pt, err := open(ct, []byte("pw"))
	require.NoError(t, err)
	require.Equal(t, "secret", string(pt))

	ct[len(ct)-1] ^= 0xff
	_, err = open(ct, []byte("pw"))
	require.Error(t, err)

	_, err = open(ct[:10], []byte("pw"))
	require.Error(t, err)
}

func TestSendStore(t *testing.T) {
	stores := map[string]SendStore{
		"memory": NewMemorySendStore(),
		"sqlite": openTestDB(t, filepath.Join(t.TempDir(), "wallets.db"), ""),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			got, err := s.Get("key-1")
			require.NoError(t, err)
			require.Nil(t, got)

			want := &models.SendResult{
				TxID:   strings.Repeat("ab", 32),
				Fee:    1045,
				Change: "tb1qchange",
				Inputs: []models.OutPoint{{TxID: strings.Repeat("cd", 32), Vout: 1}},
				At:     time.Date(2024, 1, 1, 12, 0, 0, 123, time.UTC),
			}
			require.NoError(t, s.Put("key-1", want))

			got, err = s.Get("key-1")
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestSendStore_Pending(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stores := map[string]SendStore{
		"memory": NewMemorySendStore(),
		"sqlite": openTestDB(t, filepath.Join(t.TempDir(), "wallets.db"), ""),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			sends := map[string]*models.SendResult{
				"late":    {TxID: strings.Repeat("03", 32), At: base.Add(2 * time.Hour)},
				"old":     {TxID: strings.Repeat("01", 32), At: base.Add(-time.Hour)},
				"cutoff":  {TxID: strings.Repeat("02", 32), At: base},
				"undated": {TxID: strings.Repeat("04", 32)},
			}
			for key, res := range sends {
				require.NoError(t, s.Put(key, res))
			}

			got, err := s.Pending(base)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, sends["cutoff"].TxID, got[0].TxID)
			require.Equal(t, sends["late"].TxID, got[1].TxID)

			all, err := s.Pending(time.Time{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, sends["old"].TxID, all[0].TxID)
		})
	}
}

func TestSQLiteStore_MigratesSends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE sends (
		idempotency_key TEXT PRIMARY KEY,
		txid            TEXT    NOT NULL,
		fee             INTEGER NOT NULL,
		change          TEXT    NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sends (idempotency_key, txid, fee) VALUES ('key-1', ?, 500)`, strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := openTestDB(t, path, "")
	got, err := s.Get("key-1")
	require.NoError(t, err)
	require.Equal(t, &models.SendResult{TxID: strings.Repeat("ab", 32), Fee: 500}, got)

	pending, err := s.Pending(time.Time{})
	require.NoError(t, err)
	require.Empty(t, pending)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put("key-2", &models.SendResult{TxID: strings.Repeat("cd", 32), At: at}))
	pending, err = s.Pending(at)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
