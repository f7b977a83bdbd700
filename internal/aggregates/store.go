// Package aggregates implements the Aggregates Store: the sqlite-backed
// time series of per-block, per-ScriptKind UTXO totals that the HTTP
// façade serves to dashboards and the SSE stream. It runs in WAL
// journal mode with a single open connection, enforcing single-writer
// discipline at the connection-pool level rather than an in-process
// lock.
package aggregates

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/SurmountSystems/gabriel-v3/internal/database"
	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

// Store is the single-writer sqlite handle for the block_aggregates
// table. Unlike the UTXO Index, the aggregates table is an append-mostly
// log (rows are only removed by DeleteAbove on a reorg) keyed by
// (block_height, address_type): one table with an
// address_type column rather than one table per ScriptKind, so a
// height or date range query never needs a cross-table union.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at the given
// absolute path and ensures its schema exists.
func Open(absolutePath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(absolutePath), 0o700); err != nil {
		return nil, fmt.Errorf("create aggregates directory: %w", err)
	}

	dsn := absolutePath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open aggregates db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping aggregates db: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init aggregates schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS block_aggregates (
	block_height INTEGER NOT NULL,
	block_hash   TEXT    NOT NULL,
	block_date   TEXT    NOT NULL,
	address_type TEXT    NOT NULL,
	total_utxos  INTEGER NOT NULL,
	total_sats   INTEGER NOT NULL,
	PRIMARY KEY (block_height, address_type)
);

CREATE INDEX IF NOT EXISTS idx_block_aggregates_height ON block_aggregates(block_height DESC);
CREATE INDEX IF NOT EXISTS idx_block_aggregates_date ON block_aggregates(block_date);
CREATE INDEX IF NOT EXISTS idx_block_aggregates_type ON block_aggregates(address_type);

CREATE TABLE IF NOT EXISTS chain_tip (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	height    INTEGER NOT NULL,
	hash      TEXT    NOT NULL,
	prev_hash TEXT    NOT NULL
);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

// AppendRows inserts one or more AggregateRows (and the new chain tip)
// in a single transaction. A row with a (height, kind) already present
// is rejected as a database.DuplicateError rather than silently
// overwritten: the caller (Block Processor) owns rewinding the store via
// DeleteAbove before reapplying a reorged block.
func (s *Store) AppendRows(rows []gabriel.AggregateRow, tip gabriel.ChainTip) error {
	if len(rows) == 0 {
		return fmt.Errorf("append rows: no rows to append")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO block_aggregates
		(block_height, block_hash, block_date, address_type, total_utxos, total_sats)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.Exec(r.BlockHeight, hashHex(r.BlockHash), r.Date.UTC().Format(time.RFC3339),
			r.ScriptKind.String(), r.TotalUtxos, r.TotalSats)
		if err != nil {
			if isUniqueConstraint(err) {
				return database.DuplicateError(fmt.Sprintf("aggregate row exists: height %d kind %s", r.BlockHeight, r.ScriptKind))
			}
			return fmt.Errorf("insert row: %w", err)
		}
	}

	_, err = tx.Exec(`INSERT INTO chain_tip (id, height, hash, prev_hash) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET height = excluded.height, hash = excluded.hash, prev_hash = excluded.prev_hash`,
		tip.Height, hashHex(tip.Hash), hashHex(tip.PrevHash))
	if err != nil {
		return fmt.Errorf("upsert tip: %w", err)
	}

	return tx.Commit()
}

// DeleteAbove removes every aggregate row for a block height strictly
// above targetHeight: the Reorg Controller's primitive for unwinding the
// Aggregates Store in lockstep with the UTXO Index's RewindTo.
func (s *Store) DeleteAbove(targetHeight uint32) error {
	_, err := s.db.Exec(`DELETE FROM block_aggregates WHERE block_height > ?`, targetHeight)
	return err
}

// Latest returns the most recent AggregateRow for each tracked kind.
func (s *Store) Latest() ([]gabriel.AggregateRow, error) {
	rows, err := s.db.Query(`SELECT block_height, block_hash, block_date, address_type, total_utxos, total_sats
		FROM block_aggregates b
		WHERE block_height = (SELECT MAX(block_height) FROM block_aggregates WHERE address_type = b.address_type)
		ORDER BY address_type`)
	if err != nil {
		return nil, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// ByHeightRange returns every AggregateRow with block_height in
// [fromHeight, toHeight], ordered by height then kind.
func (s *Store) ByHeightRange(fromHeight, toHeight uint32) ([]gabriel.AggregateRow, error) {
	rows, err := s.db.Query(`SELECT block_height, block_hash, block_date, address_type, total_utxos, total_sats
		FROM block_aggregates WHERE block_height BETWEEN ? AND ? ORDER BY block_height, address_type`,
		fromHeight, toHeight)
	if err != nil {
		return nil, fmt.Errorf("query by height range: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// ByDateRange returns every AggregateRow whose block header timestamp
// falls on a calendar day in [fromDate, toDate] (inclusive, YYYY-MM-DD),
// ordered by height then kind. block_date stores the full header
// timestamp, so the comparison truncates both sides to a date via
// sqlite's date() before comparing.
func (s *Store) ByDateRange(fromDate, toDate string) ([]gabriel.AggregateRow, error) {
	rows, err := s.db.Query(`SELECT block_height, block_hash, block_date, address_type, total_utxos, total_sats
		FROM block_aggregates WHERE date(block_date) BETWEEN date(?) AND date(?) ORDER BY block_height, address_type`,
		fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("query by date range: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// ChainTip returns the chain tip as last recorded by AppendRows, or
// database.ErrZeroRows if the store has never committed a block.
func (s *Store) ChainTip() (gabriel.ChainTip, error) {
	var heightVal int64
	var hashHexStr, prevHexStr string
	err := s.db.QueryRow(`SELECT height, hash, prev_hash FROM chain_tip WHERE id = 1`).
		Scan(&heightVal, &hashHexStr, &prevHexStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return gabriel.ChainTip{}, database.ErrZeroRows
		}
		return gabriel.ChainTip{}, fmt.Errorf("query tip: %w", err)
	}
	tip := gabriel.ChainTip{Height: uint32(heightVal)}
	copy(tip.Hash[:], hashBytes(hashHexStr))
	copy(tip.PrevHash[:], hashBytes(prevHexStr))
	return tip, nil
}

func scanRows(rows *sql.Rows) ([]gabriel.AggregateRow, error) {
	var out []gabriel.AggregateRow
	for rows.Next() {
		var heightVal int64
		var hashHexStr, dateStr, kindStr string
		var totalUtxos, totalSats int64
		if err := rows.Scan(&heightVal, &hashHexStr, &dateStr, &kindStr, &totalUtxos, &totalSats); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		date, err := time.Parse(time.RFC3339, dateStr)
		if err != nil {
			return nil, fmt.Errorf("parse date: %w", err)
		}
		r := gabriel.AggregateRow{
			BlockHeight: uint32(heightVal),
			Date:        date,
			ScriptKind:  parseScriptKind(kindStr),
			TotalUtxos:  uint64(totalUtxos),
			TotalSats:   uint64(totalSats),
		}
		copy(r.BlockHash[:], hashBytes(hashHexStr))
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseScriptKind(s string) gabriel.ScriptKind {
	switch s {
	case "P2PK":
		return gabriel.P2PK
	case "P2TR":
		return gabriel.P2TR
	default:
		return gabriel.Other
	}
}

// hashHex renders a block hash in the big-endian display order the
// aggregates table (and every downstream reader) expects, reversing
// the internal byte order BlockEvent/ChainTip carry it in.
func hashHex(h [32]byte) string {
	display := gabriel.ReverseHash(h)
	return hex.EncodeToString(display[:])
}

// hashBytes parses a display-order hex hash back into the internal
// byte order used everywhere a [32]byte hash is compared in Go.
func hashBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return make([]byte, 32)
	}
	var h [32]byte
	copy(h[:], b)
	h = gabriel.ReverseHash(h)
	return h[:]
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
