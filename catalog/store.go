// Package catalog defines an optional secondary index over confirmed
// Bitcoin headers, for external tooling (block explorers, dashboards)
// that wants plain SQL access without going through the KV store's
// column families. It mirrors headerstore's AppendHeaders/RollbackTo,
// it never participates in the MMR or the reconciliation loop itself.
package catalog

import "context"

// HeaderRecord is one catalogued Bitcoin header.
type HeaderRecord struct {
	Height           uint32
	BlockHash        [32]byte
	PrevBlockHash    [32]byte
	Timestamp        uint32
	Bits             uint32
	ChainWork        []byte // big-endian u256
	TargetAdjustInfo [8]byte
}

// Store is the catalog's persistence interface. Implementations use a
// relational database; the reconciliation loop and proof API never
// depend on it directly, so a Store is always optional.
type Store interface {
	// PutHeader upserts a header record.
	PutHeader(ctx context.Context, rec *HeaderRecord) error

	// GetHeader retrieves a header record by height, nil if absent.
	GetHeader(ctx context.Context, height uint32) (*HeaderRecord, error)

	// GetHeaderByHash retrieves a header record by block hash.
	GetHeaderByHash(ctx context.Context, hash [32]byte) (*HeaderRecord, error)

	// DeleteFrom removes every record at or above height, for rollback.
	DeleteFrom(ctx context.Context, height uint32) error

	// Tip returns the highest catalogued height, or ok=false if empty.
	Tip(ctx context.Context) (height uint32, ok bool, err error)

	Close() error
}
