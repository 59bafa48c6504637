// Package kvstore is a thin key-value façade over an embedded engine,
// generalised from a single 32-byte-keyed store into the column-family
// shaped store the header/MMR state needs: two column families
// (bitcoin-headers, bitcoin-header-mmr) plus a default column for
// singletons, with big-endian integer keys so lexicographic iteration
// matches numeric order.
package kvstore

import (
	"context"
	"encoding/binary"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// Hash is a 32-byte hash, aliased to chainhash.Hash from go-sdk so it
// composes with the transaction/signing types used elsewhere in this
// module.
type Hash = chainhash.Hash

// Column families. Badger has no native column-family concept, so the
// backing implementation simulates them by prefixing keys; callers never
// need to know that.
const (
	ColumnDefault          = ""
	ColumnBitcoinHeaders   = "bitcoin-headers"
	ColumnBitcoinHeaderMMR = "bitcoin-header-mmr"
)

// KVStore is the façade every component in this module is built against.
// Get/Put operate on the default column; GetCF/PutCF address a named
// column family.
type KVStore interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error

	GetCF(ctx context.Context, cf string, key []byte) ([]byte, error)
	PutCF(ctx context.Context, cf string, key, value []byte) error
	DeleteCF(ctx context.Context, cf string, key []byte) error

	// IterateCF calls fn for every key in [startKey, ...) within cf, in
	// ascending lexicographic (and, for big-endian integer keys, numeric)
	// order, until fn returns false or the column is exhausted.
	IterateCF(ctx context.Context, cf string, startKey []byte, fn func(key, value []byte) bool) error

	Close() error
}

// EncodeUint32 big-endian encodes a height or other u32 key component, so
// lexicographic byte ordering matches numeric ordering.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// DecodeUint32 is the inverse of EncodeUint32.
func DecodeUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// EncodeUint64 big-endian encodes an MMR position or other u64 key
// component.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
