package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/log"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/wallet"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	network  TEXT    NOT NULL,
	mnemonic TEXT    NOT NULL,
	label    TEXT    NOT NULL DEFAULT '',
	sealed   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sends (
	idempotency_key TEXT PRIMARY KEY,
	txid            TEXT    NOT NULL,
	fee             INTEGER NOT NULL,
	change          TEXT    NOT NULL DEFAULT '',
	inputs          TEXT    NOT NULL DEFAULT '[]',
	created_at      INTEGER NOT NULL DEFAULT 0
);`

// sendColumns are added to sends tables created before they existed.
var sendColumns = map[string]string{
	"inputs":     `ALTER TABLE sends ADD COLUMN inputs TEXT NOT NULL DEFAULT '[]'`,
	"created_at": `ALTER TABLE sends ADD COLUMN created_at INTEGER NOT NULL DEFAULT 0`,
}

// SQLiteConfig configures a SQLite-backed store.
type SQLiteConfig struct {
	Path string

	// Passphrase, when set, seals new mnemonics and opens sealed ones.
	Passphrase string
	SealParams SealParams
}

// SQLiteStore implements WalletStore and SendStore on a SQLite file.
type SQLiteStore struct {
	db         *sql.DB
	passphrase []byte
	params     SealParams
	logger     zerolog.Logger
}

var (
	_ WalletStore = (*SQLiteStore)(nil)
	_ SendStore   = (*SQLiteStore)(nil)
)

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := migrateSends(db); err != nil {
		db.Close()
		return nil, err
	}

	params := cfg.SealParams
	if params == (SealParams{}) {
		params = DefaultSealParams()
	}
	return &SQLiteStore{
		db:         db,
		passphrase: []byte(cfg.Passphrase),
		params:     params,
		logger:     log.WithComponent("storage"),
	}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Add(network, mnemonic, label string) (int64, error) {
	if !wallet.ValidateMnemonic(mnemonic) {
		return 0, ErrInvalidMnemonic
	}

	stored, sealed := mnemonic, false
	if len(s.passphrase) > 0 {
		ct, err := seal([]byte(mnemonic), s.passphrase, s.params)
		if err != nil {
			return 0, fmt.Errorf("seal mnemonic: %w", err)
		}
		stored, sealed = hex.EncodeToString(ct), true
	}

	res, err := s.db.Exec(
		`INSERT INTO wallets (network, mnemonic, label, sealed) VALUES (?, ?, ?, ?)`,
		network, stored, label, sealed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert wallet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("wallet id: %w", err)
	}

	s.logger.Info().Int64("wallet_id", id).Str("network", network).Bool("sealed", sealed).Msg("wallet added")
	return id, nil
}

func (s *SQLiteStore) Load(id int64) (*models.WalletRecord, error) {
	var (
		r      = models.WalletRecord{ID: id}
		stored string
		sealed bool
	)
	err := s.db.QueryRow(
		`SELECT network, mnemonic, label, sealed FROM wallets WHERE id = ?`, id,
	).Scan(&r.Network, &stored, &r.Label, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrWalletNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet %d: %w", id, err)
	}

	if !sealed {
		r.Mnemonic = stored
		return &r, nil
	}
	if len(s.passphrase) == 0 {
		return nil, fmt.Errorf("wallet %d is sealed and no passphrase is configured", id)
	}
	ct, err := hex.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("decode sealed mnemonic: %w", err)
	}
	plain, err := open(ct, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("open wallet %d: %w", id, err)
	}
	r.Mnemonic = string(plain)
	return &r, nil
}

func (s *SQLiteStore) List(network string) ([]models.WalletRecord, error) {
	rows, err := s.db.Query(`SELECT id, network, label FROM wallets WHERE network = ? ORDER BY id`, network)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var result []models.WalletRecord
	for rows.Next() {
		var r models.WalletRecord
		if err := rows.Scan(&r.ID, &r.Network, &r.Label); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func migrateSends(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('sends')`)
	if err != nil {
		return fmt.Errorf("inspect sends: %w", err)
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect sends: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect sends: %w", err)
	}

	for col, stmt := range sendColumns {
		if have[col] {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("add sends.%s: %w", col, err)
		}
	}
	return nil
}

const sendFields = `txid, fee, change, inputs, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSend(row rowScanner) (*models.SendResult, error) {
	var (
		res    models.SendResult
		inputs string
		at     int64
	)
	if err := row.Scan(&res.TxID, &res.Fee, &res.Change, &inputs, &at); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &res.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of %s: %w", res.TxID, err)
	}
	if len(res.Inputs) == 0 {
		res.Inputs = nil
	}
	if at != 0 {
		res.At = time.Unix(0, at).UTC()
	}
	return &res, nil
}

func (s *SQLiteStore) Get(idempotencyKey string) (*models.SendResult, error) {
	res, err := scanSend(s.db.QueryRow(
		`SELECT `+sendFields+` FROM sends WHERE idempotency_key = ?`, idempotencyKey,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get send %q: %w", idempotencyKey, err)
	}
	return res, nil
}

func (s *SQLiteStore) Put(idempotencyKey string, res *models.SendResult) error {
	inputs := res.Inputs
	if inputs == nil {
		inputs = []models.OutPoint{}
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode inputs of %s: %w", res.TxID, err)
	}
	var at int64
	if !res.At.IsZero() {
		at = res.At.UnixNano()
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sends (idempotency_key, `+sendFields+`) VALUES (?, ?, ?, ?, ?, ?)`,
		idempotencyKey, res.TxID, res.Fee, res.Change, string(encoded), at,
	)
	if err != nil {
		return fmt.Errorf("put send %q: %w", idempotencyKey, err)
	}
	return nil
}

func (s *SQLiteStore) Pending(since time.Time) ([]models.SendResult, error) {
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixNano()
	}
	rows, err := s.db.Query(
		`SELECT `+sendFields+` FROM sends WHERE created_at >= ? AND created_at > 0
		 ORDER BY created_at, txid`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("pending sends: %w", err)
	}
	defer rows.Close()

	var result []models.SendResult
	for rows.Next() {
		res, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		result = append(result, *res)
	}
	return result, rows.Err()
}
