package headerstore

import (
	"context"
	"fmt"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/kvstore"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/mmr"
)

// mmrKVAdapter exposes the bitcoin-header-mmr column family through
// mmr.Store's narrow get/append interface (see SPEC_FULL.md's C2 note that
// the MMR engine is deliberately parameterised this way).
type mmrKVAdapter struct {
	ctx context.Context
	kv  kvstore.KVStore
}

func (a *mmrKVAdapter) GetElem(pos uint64) (models.HeaderDigest, bool, error) {
	raw, err := a.kv.GetCF(a.ctx, columnHeaderMMR, mmrKey(pos))
	if err != nil {
		return models.HeaderDigest{}, false, err
	}
	if raw == nil {
		return models.HeaderDigest{}, false, nil
	}
	d, err := models.DeserializeHeaderDigest(raw)
	if err != nil {
		return models.HeaderDigest{}, false, fmt.Errorf("headerstore: corrupt mmr node at pos %d: %w", pos, err)
	}
	return d, true, nil
}

func (a *mmrKVAdapter) Append(pos uint64, elems []models.HeaderDigest) error {
	for i, e := range elems {
		if err := a.kv.PutCF(a.ctx, columnHeaderMMR, mmrKey(pos+uint64(i)), e.Serialize()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadMMR(ctx context.Context, leafCount uint64) *mmr.MMR {
	return mmr.New(&mmrKVAdapter{ctx: ctx, kv: s.kv}, leafCount)
}
