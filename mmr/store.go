package mmr

import "github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"

// Store is the narrow read/write interface the MMR engine is built
// against, so it can be tested with an in-memory mock independently of the
// KV store (per the design notes: "define the MMR engine against a narrow
// read/write trait").
type Store interface {
	// GetElem returns the digest stored at pos, or ok=false if absent.
	GetElem(pos uint64) (digest models.HeaderDigest, ok bool, err error)
	// Append writes a contiguous run of digests starting at pos.
	Append(pos uint64, elems []models.HeaderDigest) error
}

// MemStore is a trivial in-memory Store that keeps every node in a map,
// independent of the KV store.
type MemStore struct {
	nodes map[uint64]models.HeaderDigest
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[uint64]models.HeaderDigest)}
}

func (s *MemStore) GetElem(pos uint64) (models.HeaderDigest, bool, error) {
	d, ok := s.nodes[pos]
	return d, ok, nil
}

func (s *MemStore) Append(pos uint64, elems []models.HeaderDigest) error {
	for i, e := range elems {
		s.nodes[pos+uint64(i)] = e
	}
	return nil
}
