// Package storage provides persistent storage for the coordinator using
// SQLite. Every multi-row mutation the state machine depends on happens
// inside one transaction here; callers above hold the deal lease.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for deals, deposits, queue items,
// account state, leases and audit events.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crossdeal.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Deals: the root entity. One row per deal, sides embedded with a_/b_
	-- prefixes. Amounts are decimal strings at asset scale; times are unix
	-- seconds; expires_at NULL means the timer is cleared.
	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL DEFAULT 'CREATED',
		timeout_seconds INTEGER NOT NULL,
		expires_at INTEGER,
		halt_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		closed_at INTEGER,
		watch_until INTEGER,

		a_chain TEXT NOT NULL,
		a_asset TEXT NOT NULL,
		a_amount TEXT NOT NULL,
		a_payback TEXT,
		a_recipient TEXT,
		a_email TEXT,
		a_escrow_address TEXT,
		a_escrow_path TEXT,
		a_token TEXT NOT NULL,
		a_commission TEXT,
		a_trade_locked_at INTEGER,
		a_comm_locked_at INTEGER,

		b_chain TEXT NOT NULL,
		b_asset TEXT NOT NULL,
		b_amount TEXT NOT NULL,
		b_payback TEXT,
		b_recipient TEXT,
		b_email TEXT,
		b_escrow_address TEXT,
		b_escrow_path TEXT,
		b_token TEXT NOT NULL,
		b_commission TEXT,
		b_trade_locked_at INTEGER,
		b_comm_locked_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_deals_stage ON deals(stage);
	CREATE INDEX IF NOT EXISTS idx_deals_expires ON deals(expires_at);
	CREATE INDEX IF NOT EXISTS idx_deals_watch ON deals(watch_until);

	-- Escrow deposits, unique under (deal, txid, output index). Amount and
	-- position never change after ingest; confirmations move upward only.
	CREATE TABLE IF NOT EXISTS escrow_deposits (
		deal_id TEXT NOT NULL,
		party TEXT NOT NULL,
		chain TEXT NOT NULL,
		address TEXT NOT NULL,
		asset TEXT NOT NULL,
		txid TEXT NOT NULL,
		output_index INTEGER NOT NULL DEFAULT 0,
		amount TEXT NOT NULL,
		block_height INTEGER NOT NULL DEFAULT 0,
		block_time INTEGER NOT NULL DEFAULT 0,
		confirmations INTEGER NOT NULL DEFAULT 0,
		missed_polls INTEGER NOT NULL DEFAULT 0,
		covered_by TEXT NOT NULL DEFAULT '',
		first_seen_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (deal_id, txid, output_index),
		FOREIGN KEY (deal_id) REFERENCES deals(id)
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_deal_address ON escrow_deposits(deal_id, address);
	CREATE INDEX IF NOT EXISTS idx_deposits_party ON escrow_deposits(deal_id, party);

	-- Outgoing transfer queue. Seq is monotonic per (deal, source); the
	-- unique index backs the ordering invariant.
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		source_kind TEXT NOT NULL DEFAULT 'escrow',
		source TEXT NOT NULL,
		to_address TEXT NOT NULL,
		asset TEXT NOT NULL,
		amount TEXT NOT NULL,
		purpose TEXT NOT NULL,
		phase INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		txid TEXT,
		submitted_at INTEGER,
		nonce_or_inputs TEXT,
		confirmations INTEGER NOT NULL DEFAULT 0,
		required_confirms INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_fee_rate TEXT,
		original_txid TEXT,
		unknown_polls INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		broker_data TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		UNIQUE (deal_id, source, seq),
		FOREIGN KEY (deal_id) REFERENCES deals(id)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status_source ON queue_items(status, source);
	CREATE INDEX IF NOT EXISTS idx_queue_deal ON queue_items(deal_id);
	CREATE INDEX IF NOT EXISTS idx_queue_deal_phase ON queue_items(deal_id, phase);

	-- Per-address sending state on account chains. Nonce -1 means the
	-- address has not sent yet.
	CREATE TABLE IF NOT EXISTS account_state (
		chain TEXT NOT NULL,
		address TEXT NOT NULL,
		last_used_nonce INTEGER NOT NULL DEFAULT -1,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (chain, address)
	);

	-- Processing leases: one writer per deal across all workers.
	CREATE TABLE IF NOT EXISTS leases (
		deal_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		lease_until INTEGER NOT NULL,
		acquired_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leases_until ON leases(lease_until);

	-- Append-only audit log per deal.
	CREATE TABLE IF NOT EXISTS deal_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deal_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT,
		data TEXT,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (deal_id) REFERENCES deals(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_deal ON deal_events(deal_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// rowScanner lets one scan function serve both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZeroTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullableTime(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringOrEmpty(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}
