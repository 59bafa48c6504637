// Package sqlite is a SQLite-backed catalog.Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/catalog"
)

// Store is a SQLite-backed implementation of catalog.Store.
type Store struct {
	db *sql.DB
}

// Config holds SQLite configuration.
type Config struct {
	DBPath string
}

// New opens (and creates, if absent) the catalog database at config.DBPath.
func New(config *Config) (*Store, error) {
	if config.DBPath == "" {
		return nil, fmt.Errorf("DBPath is required")
	}

	db, err := sql.Open("sqlite3", config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS headers (
		height             INTEGER PRIMARY KEY,
		block_hash         BLOB NOT NULL UNIQUE,
		prev_block_hash    BLOB NOT NULL,
		timestamp          INTEGER NOT NULL,
		bits               INTEGER NOT NULL,
		chain_work         BLOB NOT NULL,
		target_adjust_info BLOB NOT NULL,
		created_at         INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_headers_block_hash ON headers(block_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutHeader upserts a header record.
func (s *Store) PutHeader(ctx context.Context, rec *catalog.HeaderRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO headers
		 (height, block_hash, prev_block_hash, timestamp, bits, chain_work, target_adjust_info)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Height, rec.BlockHash[:], rec.PrevBlockHash[:], rec.Timestamp, rec.Bits, rec.ChainWork, rec.TargetAdjustInfo[:],
	)
	if err != nil {
		return fmt.Errorf("catalog: put header: %w", err)
	}
	return nil
}

// GetHeader retrieves a header record by height.
func (s *Store) GetHeader(ctx context.Context, height uint32) (*catalog.HeaderRecord, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT height, block_hash, prev_block_hash, timestamp, bits, chain_work, target_adjust_info
		 FROM headers WHERE height = ?`, height))
}

// GetHeaderByHash retrieves a header record by block hash.
func (s *Store) GetHeaderByHash(ctx context.Context, hash [32]byte) (*catalog.HeaderRecord, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT height, block_hash, prev_block_hash, timestamp, bits, chain_work, target_adjust_info
		 FROM headers WHERE block_hash = ?`, hash[:]))
}

func (s *Store) scanOne(row *sql.Row) (*catalog.HeaderRecord, error) {
	var rec catalog.HeaderRecord
	var blockHash, prevBlockHash, chainWork, targetAdjustInfo []byte

	err := row.Scan(&rec.Height, &blockHash, &prevBlockHash, &rec.Timestamp, &rec.Bits, &chainWork, &targetAdjustInfo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: scan header: %w", err)
	}

	copy(rec.BlockHash[:], blockHash)
	copy(rec.PrevBlockHash[:], prevBlockHash)
	copy(rec.TargetAdjustInfo[:], targetAdjustInfo)
	rec.ChainWork = chainWork
	return &rec, nil
}

// DeleteFrom removes every record at or above height.
func (s *Store) DeleteFrom(ctx context.Context, height uint32) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM headers WHERE height >= ?`, height)
	if err != nil {
		return fmt.Errorf("catalog: delete from height %d: %w", height, err)
	}
	return nil
}

// Tip returns the highest catalogued height.
func (s *Store) Tip(ctx context.Context) (uint32, bool, error) {
	var height sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(height) FROM headers`).Scan(&height)
	if err != nil {
		return 0, false, fmt.Errorf("catalog: tip: %w", err)
	}
	if !height.Valid {
		return 0, false, nil
	}
	return uint32(height.Int64), true, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
