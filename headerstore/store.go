// Package headerstore implements the append-only indexed Bitcoin header
// store plus its incrementally maintained MMR (SPEC_FULL.md components C1
// and C3): base/tip height tracking, append with prev-hash chain
// validation, logical truncation on rollback, and the two proof/update
// generation operations the reconciliation loop and the proof API need.
package headerstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/catalog"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/kvstore"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// Store is the header + MMR façade. The base height never changes after
// initialisation, so it is cached behind a single-writer/many-reader lock
// (SPEC_FULL.md §4.1); all other reads go straight to the KV store.
type Store struct {
	kv  kvstore.KVStore
	log *slog.Logger

	mu         sync.RWMutex
	baseCached *uint32

	audit catalog.Store
}

// New wraps kv. If log is nil, slog.Default() is used.
func New(kv kvstore.KVStore, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, log: log}
}

// SetAuditSink attaches an optional catalog.Store that mirrors every
// appended or rolled-back header for external SQL-based tooling. It is
// best-effort: a failing audit write is logged, not propagated, since the
// catalog is a convenience index and never a source of truth.
func (s *Store) SetAuditSink(sink catalog.Store) {
	s.audit = sink
}

// IsInitialized reports whether InitializeWith has ever been called on
// this store (i.e. a base height has been set).
func (s *Store) IsInitialized(ctx context.Context) (bool, error) {
	h, err := s.readBaseHeight(ctx)
	if err != nil {
		return false, err
	}
	return h != nil, nil
}

func (s *Store) readBaseHeight(ctx context.Context) (*uint32, error) {
	s.mu.RLock()
	if s.baseCached != nil {
		defer s.mu.RUnlock()
		v := *s.baseCached
		return &v, nil
	}
	s.mu.RUnlock()

	raw, err := s.kv.Get(ctx, keyBaseBitcoinHeight)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	h := kvstore.DecodeUint32(raw)

	s.mu.Lock()
	s.baseCached = &h
	s.mu.Unlock()

	v := h
	return &v, nil
}

// BaseHeight returns the store's base height; fails if uninitialized.
func (s *Store) BaseHeight(ctx context.Context) (uint32, error) {
	h, err := s.readBaseHeight(ctx)
	if err != nil {
		return 0, err
	}
	if h == nil {
		return 0, ErrNotInitialized
	}
	return *h, nil
}

func (s *Store) putBaseHeight(ctx context.Context, h uint32) error {
	if err := s.kv.Put(ctx, keyBaseBitcoinHeight, kvstore.EncodeUint32(h)); err != nil {
		return err
	}
	s.mu.Lock()
	v := h
	s.baseCached = &v
	s.mu.Unlock()
	return nil
}

// TipHeight returns the current tip height; fails if uninitialized.
func (s *Store) TipHeight(ctx context.Context) (uint32, error) {
	raw, err := s.kv.Get(ctx, keyTipBitcoinHeight)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, ErrNotInitialized
	}
	return kvstore.DecodeUint32(raw), nil
}

func (s *Store) putTipHeight(ctx context.Context, h uint32) error {
	return s.kv.Put(ctx, keyTipBitcoinHeight, kvstore.EncodeUint32(h))
}

// HeaderAt returns the stored header at height, which must lie in
// [base, tip].
func (s *Store) HeaderAt(ctx context.Context, height uint32) (*models.BlockHeader, error) {
	base, err := s.BaseHeight(ctx)
	if err != nil {
		return nil, err
	}
	tip, err := s.TipHeight(ctx)
	if err != nil {
		return nil, err
	}
	if height < base || height > tip {
		return nil, fmt.Errorf("%w: height=%d base=%d tip=%d", ErrHeightOutOfRange, height, base, tip)
	}
	raw, err := s.kv.GetCF(ctx, columnHeaders, headerKey(height))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: height=%d", ErrHeightOutOfRange, height)
	}
	return models.DeserializeBlockHeader(height, raw)
}

func (s *Store) putHeader(ctx context.Context, h *models.BlockHeader) error {
	return s.kv.PutCF(ctx, columnHeaders, headerKey(h.Height), h.Serialize())
}

// TipState returns the current tip height and header.
func (s *Store) TipState(ctx context.Context) (uint32, *models.BlockHeader, error) {
	h, err := s.TipHeight(ctx)
	if err != nil {
		return 0, nil, err
	}
	header, err := s.HeaderAt(ctx, h)
	if err != nil {
		return 0, nil, err
	}
	return h, header, nil
}

// InitializeWith seeds the store with the first header at height. Fails
// with ErrAlreadyInitialized if base is already set.
func (s *Store) InitializeWith(ctx context.Context, height uint32, header *models.BlockHeader) (*models.SpvClient, error) {
	already, err := s.IsInitialized(ctx)
	if err != nil {
		return nil, err
	}
	if already {
		return nil, ErrAlreadyInitialized
	}

	header.Height = height
	if err := s.putHeader(ctx, header); err != nil {
		return nil, err
	}

	m := s.loadMMR(ctx, 0)
	leaf := models.LeafDigest(header)
	if _, err := m.Push(leaf); err != nil {
		return nil, fmt.Errorf("headerstore: seed mmr: %w", err)
	}
	if err := m.Commit(); err != nil {
		return nil, err
	}
	root, err := m.GetRoot()
	if err != nil {
		return nil, err
	}

	if err := s.putBaseHeight(ctx, height); err != nil {
		return nil, err
	}
	if err := s.putTipHeight(ctx, height); err != nil {
		return nil, err
	}

	return &models.SpvClient{
		ID:               0,
		TipBlockHash:     header.Hash(),
		HeadersMMRRoot:   root,
		TargetAdjustInfo: models.EncodeTargetAdjustInfo(header.Time, header.Bits),
	}, nil
}

// AppendHeaders walks the given headers in order, verifying each chains
// from the current tip, and advances the tip and MMR accordingly.
func (s *Store) AppendHeaders(ctx context.Context, headers []*models.BlockHeader) (uint32, *models.BlockHeader, error) {
	if len(headers) == 0 {
		return 0, nil, ErrNoInput
	}

	base, err := s.BaseHeight(ctx)
	if err != nil {
		return 0, nil, err
	}
	tipHeight, tipHeader, err := s.TipState(ctx)
	if err != nil {
		return 0, nil, err
	}

	m := s.loadMMR(ctx, uint64(tipHeight-base+1))

	cur := tipHeader
	for _, h := range headers {
		if h.PrevBlock != cur.Hash() {
			return 0, nil, fmt.Errorf("%w: header at height %d", ErrDiscontinuous, h.Height)
		}
		if err := s.putHeader(ctx, h); err != nil {
			return 0, nil, err
		}
		if _, err := m.Push(models.LeafDigest(h)); err != nil {
			return 0, nil, err
		}
		s.writeAudit(ctx, h)
		cur = h
	}

	if err := m.Commit(); err != nil {
		return 0, nil, err
	}
	newTip := cur.Height
	if err := s.putTipHeight(ctx, newTip); err != nil {
		return 0, nil, err
	}

	s.log.Debug("appended headers", slog.Int("count", len(headers)), slog.Int("new_tip", int(newTip)))
	return newTip, cur, nil
}

// writeAudit mirrors a newly appended header into the optional catalog
// sink. Errors are logged, not returned: the catalog never gates the
// header store's own durability.
func (s *Store) writeAudit(ctx context.Context, h *models.BlockHeader) {
	if s.audit == nil {
		return
	}
	digest := models.LeafDigest(h)
	rec := &catalog.HeaderRecord{
		Height:           h.Height,
		BlockHash:        h.Hash(),
		PrevBlockHash:    h.PrevBlock,
		Timestamp:        h.Time,
		Bits:             h.Bits,
		ChainWork:        digest.PartialChainWork[:],
		TargetAdjustInfo: digest.TargetAdjustInfo,
	}
	if err := s.audit.PutHeader(ctx, rec); err != nil {
		s.log.Warn("catalog audit write failed", "height", h.Height, "error", err)
	}
}

// RollbackTo sets the tip back to height (or to base, if height is nil).
// Header and MMR entries above the new tip are left in place; they are
// logically ignored because every read is bounded by [base, tip] — an
// intentional simplification the source design explicitly allows
// (SPEC_FULL.md §9 design notes), since a subsequent AppendHeaders
// overwrites them.
func (s *Store) RollbackTo(ctx context.Context, height *uint32) error {
	base, err := s.BaseHeight(ctx)
	if err != nil {
		return err
	}
	tip, err := s.TipHeight(ctx)
	if err != nil {
		return err
	}

	target := base
	if height != nil {
		target = *height
	}
	if target < base || target > tip {
		return fmt.Errorf("%w: target=%d base=%d tip=%d", ErrRollbackTargetOutOfRange, target, base, tip)
	}
	if err := s.putTipHeight(ctx, target); err != nil {
		return err
	}
	if s.audit != nil {
		if err := s.audit.DeleteFrom(ctx, target+1); err != nil {
			s.log.Warn("catalog audit rollback failed", "target", target, "error", err)
		}
	}
	return nil
}

// ChainRootMMR returns the base height and the MMR root covering
// [base, currentHeight].
func (s *Store) ChainRootMMR(ctx context.Context, currentHeight uint32) (uint32, models.HeaderDigest, error) {
	base, err := s.BaseHeight(ctx)
	if err != nil {
		return 0, models.HeaderDigest{}, err
	}
	tip, err := s.TipHeight(ctx)
	if err != nil {
		return 0, models.HeaderDigest{}, err
	}
	if currentHeight < base || currentHeight > tip {
		return 0, models.HeaderDigest{}, fmt.Errorf("%w: height=%d base=%d tip=%d", ErrHeightOutOfRange, currentHeight, base, tip)
	}
	leafCount := uint64(currentHeight-base) + 1
	m := s.loadMMR(ctx, leafCount)
	root, err := m.GetRoot()
	if err != nil {
		return 0, models.HeaderDigest{}, err
	}
	return base, root, nil
}

// GenerateSpvClientAndUpdate produces a would-be next SpvClient and the
// SpvUpdate payload the on-chain verifier will consume, per
// SPEC_FULL.md §4.3.
func (s *Store) GenerateSpvClientAndUpdate(ctx context.Context, prevHeight, limit uint32) (*models.SpvClient, *models.SpvUpdate, error) {
	storageTip, err := s.TipHeight(ctx)
	if err != nil {
		return nil, nil, err
	}
	if storageTip <= prevHeight {
		return nil, nil, ErrStorageTipNotAhead
	}

	tip := storageTip
	if prevHeight+limit < tip {
		tip = prevHeight + limit
	}

	base, err := s.BaseHeight(ctx)
	if err != nil {
		return nil, nil, err
	}

	headers := make([]*models.BlockHeader, 0, tip-prevHeight)
	for h := prevHeight + 1; h <= tip; h++ {
		hdr, err := s.HeaderAt(ctx, h)
		if err != nil {
			return nil, nil, err
		}
		headers = append(headers, hdr)
	}

	_, root, err := s.ChainRootMMR(ctx, tip)
	if err != nil {
		return nil, nil, err
	}

	leafIndices := make([]uint64, 0, tip-prevHeight)
	for h := prevHeight + 1; h <= tip; h++ {
		leafIndices = append(leafIndices, uint64(h-base))
	}
	m := s.loadMMR(ctx, uint64(tip-base)+1)
	proofs, err := m.GenProofs(leafIndices)
	if err != nil {
		return nil, nil, err
	}
	proofBytes := encodeProofs(proofs)

	tipHeader, err := s.HeaderAt(ctx, tip)
	if err != nil {
		return nil, nil, err
	}

	targetAdjustInfo, err := s.computeNextTargetAdjustInfo(ctx, tip, tipHeader)
	if err != nil {
		return nil, nil, err
	}

	client := &models.SpvClient{
		ID:               0, // overwritten by the transaction assembler (C8)
		TipBlockHash:     tipHeader.Hash(),
		HeadersMMRRoot:   root,
		TargetAdjustInfo: targetAdjustInfo,
	}
	update := &models.SpvUpdate{Headers: headers, MMRProof: proofBytes}
	return client, update, nil
}

// computeNextTargetAdjustInfo implements the three-branch difficulty
// window rule from SPEC_FULL.md §4.3.
func (s *Store) computeNextTargetAdjustInfo(ctx context.Context, tip uint32, tipHeader *models.BlockHeader) ([8]byte, error) {
	flag := (tip + 1) % models.DifficultyAdjustmentInterval

	switch flag {
	case 1:
		return models.EncodeTargetAdjustInfo(tipHeader.Time, tipHeader.Bits), nil
	case 0:
		startHeight := models.HeightWindowStart(tip)
		startHeader, err := s.HeaderAt(ctx, startHeight)
		if err != nil {
			return [8]byte{}, err
		}
		nextTarget := models.CalculateNextTarget(tipHeader.Target(), startHeader.Time, tipHeader.Time)
		nextBits := models.TargetToCompact(nextTarget)
		return models.EncodeTargetAdjustInfo(startHeader.Time, nextBits), nil
	default:
		startHeight := models.HeightWindowStart(tip)
		startHeader, err := s.HeaderAt(ctx, startHeight)
		if err != nil {
			return [8]byte{}, err
		}
		return models.EncodeTargetAdjustInfo(startHeader.Time, startHeader.Bits), nil
	}
}

// GenerateHeadersProof produces an MMR inclusion proof for heights against
// the root at atHeight.
func (s *Store) GenerateHeadersProof(ctx context.Context, atHeight uint32, heights []uint32) (models.MMRProofBytes, error) {
	base, err := s.BaseHeight(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range heights {
		if h < base || h > atHeight {
			return nil, fmt.Errorf("%w: height=%d base=%d at=%d", ErrHeightOutOfRange, h, base, atHeight)
		}
	}
	leafIndices := make([]uint64, len(heights))
	for i, h := range heights {
		leafIndices[i] = uint64(h - base)
	}
	m := s.loadMMR(ctx, uint64(atHeight-base)+1)
	proofs, err := m.GenProofs(leafIndices)
	if err != nil {
		return nil, err
	}
	return encodeProofs(proofs), nil
}

// SaveCellsState persists the singleton cells identifying the on-chain
// instance: the SPV contract's type script and cell-dep, and the lock
// contract's cell-dep.
func (s *Store) SaveCellsState(ctx context.Context, spvContractTypeScript, spvContractCellDep, lockContractCellDep []byte) error {
	if err := s.kv.Put(ctx, keySpvContractTypeScript, spvContractTypeScript); err != nil {
		return err
	}
	if err := s.kv.Put(ctx, keySpvContractCellDep, spvContractCellDep); err != nil {
		return err
	}
	return s.kv.Put(ctx, keyLockContractCellDep, lockContractCellDep)
}

// SpvContractTypeScript returns the stored SPV contract type script bytes.
func (s *Store) SpvContractTypeScript(ctx context.Context) ([]byte, error) {
	return s.kv.Get(ctx, keySpvContractTypeScript)
}

// SpvContractCellDep returns the stored SPV contract cell-dep bytes.
func (s *Store) SpvContractCellDep(ctx context.Context) ([]byte, error) {
	return s.kv.Get(ctx, keySpvContractCellDep)
}

// LockContractCellDep returns the stored lock contract cell-dep bytes.
func (s *Store) LockContractCellDep(ctx context.Context) ([]byte, error) {
	return s.kv.Get(ctx, keyLockContractCellDep)
}
