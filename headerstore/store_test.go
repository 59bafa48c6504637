package headerstore

import (
	"context"
	"testing"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/kvstore/memory"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/mmr"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// genChain builds a valid, linearly-chained sequence of n headers starting
// right after base, so each one's PrevBlock matches the previous header's
// Hash().
func genChain(base *models.BlockHeader, n int) []*models.BlockHeader {
	out := make([]*models.BlockHeader, 0, n)
	prev := base
	for i := 1; i <= n; i++ {
		h := &models.BlockHeader{
			Height:    base.Height + uint32(i),
			Version:   1,
			PrevBlock: prev.Hash(),
			Time:      base.Time + uint32(i)*600,
			Bits:      base.Bits,
			Nonce:     uint32(i),
		}
		out = append(out, h)
		prev = h
	}
	return out
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(memory.New(), nil)
}

func TestInitThenReInitFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := &models.BlockHeader{Height: 2016, Version: 1, Time: 1000, Bits: 0x1d00ffff}
	if _, err := s.InitializeWith(ctx, 2016, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	if _, err := s.InitializeWith(ctx, 2016, base); err != ErrAlreadyInitialized {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestAppendThenTip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := &models.BlockHeader{Height: 2016, Version: 1, Time: 1000, Bits: 0x1d00ffff}
	if _, err := s.InitializeWith(ctx, 2016, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	chain := genChain(base, 20)
	tipHeight, tipHeader, err := s.AppendHeaders(ctx, chain)
	if err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}
	if tipHeight != 2036 {
		t.Fatalf("expected tip 2036, got %d", tipHeight)
	}
	if tipHeader.Hash() != chain[len(chain)-1].Hash() {
		t.Fatalf("tip header mismatch")
	}

	for i := 0; i < len(chain)-1; i++ {
		if chain[i].Hash() != chain[i+1].PrevBlock {
			t.Fatalf("chain link broken at %d", i)
		}
	}
}

func TestAppendDiscontinuousFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := &models.BlockHeader{Height: 100, Version: 1, Time: 1000, Bits: 0x1d00ffff}
	if _, err := s.InitializeWith(ctx, 100, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	bad := &models.BlockHeader{Height: 101, PrevBlock: models.Hash256{0xff}, Time: 1600, Bits: base.Bits}
	if _, _, err := s.AppendHeaders(ctx, []*models.BlockHeader{bad}); err == nil {
		t.Fatalf("expected discontinuous error")
	}
}

func TestAppendEmptyFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := &models.BlockHeader{Height: 100, Version: 1, Time: 1000, Bits: 0x1d00ffff}
	if _, err := s.InitializeWith(ctx, 100, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	if _, _, err := s.AppendHeaders(ctx, nil); err != ErrNoInput {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestMMRRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := &models.BlockHeader{Height: 100, Version: 1, Time: 1000, Bits: 0x1d00ffff}
	if _, err := s.InitializeWith(ctx, 100, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	chain := genChain(base, 37)
	tip, _, err := s.AppendHeaders(ctx, chain)
	if err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}

	for _, h := range []uint32{100, 110, 130, tip} {
		proofBytes, err := s.GenerateHeadersProof(ctx, tip, []uint32{h})
		if err != nil {
			t.Fatalf("GenerateHeadersProof(%d): %v", h, err)
		}
		proofs, err := DecodeProofs(proofBytes)
		if err != nil {
			t.Fatalf("DecodeProofs: %v", err)
		}
		_, root, err := s.ChainRootMMR(ctx, tip)
		if err != nil {
			t.Fatalf("ChainRootMMR: %v", err)
		}
		if !mmr.VerifyProof(proofs[0], root) {
			t.Fatalf("proof for height %d did not verify", h)
		}
	}
}

func TestRollbackIdempotence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := &models.BlockHeader{Height: 0, Version: 1, Time: 1000, Bits: 0x1d00ffff}
	if _, err := s.InitializeWith(ctx, 0, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	chain := genChain(base, 10)
	if _, _, err := s.AppendHeaders(ctx, chain); err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}

	h := uint32(5)
	if err := s.RollbackTo(ctx, &h); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	tip1, _, _ := s.TipState(ctx)
	if err := s.RollbackTo(ctx, &h); err != nil {
		t.Fatalf("RollbackTo (again): %v", err)
	}
	tip2, _, _ := s.TipState(ctx)
	if tip1 != tip2 {
		t.Fatalf("rollback is not idempotent: %d != %d", tip1, tip2)
	}
}

func TestRollbackThenAppendMatchesFreshBuild(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := &models.BlockHeader{Height: 0, Version: 1, Time: 1000, Bits: 0x1d00ffff}
	if _, err := s.InitializeWith(ctx, 0, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	fullChain := genChain(base, 12)

	// Path 1: append all 12, then roll back to 6 and append a fresh tail.
	if _, _, err := s.AppendHeaders(ctx, fullChain); err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}
	rollbackHeight := uint32(6)
	if err := s.RollbackTo(ctx, &rollbackHeight); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	forkBase := fullChain[5] // height 6
	newTail := genChain(forkBase, 4)
	if _, _, err := s.AppendHeaders(ctx, newTail); err != nil {
		t.Fatalf("AppendHeaders (fork): %v", err)
	}
	_, root1, err := s.ChainRootMMR(ctx, 10)
	if err != nil {
		t.Fatalf("ChainRootMMR: %v", err)
	}

	// Path 2: fresh store, append base..6 then the same new tail directly.
	s2 := newTestStore(t)
	if _, err := s2.InitializeWith(ctx, 0, base); err != nil {
		t.Fatalf("InitializeWith: %v", err)
	}
	if _, _, err := s2.AppendHeaders(ctx, fullChain[:6]); err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}
	if _, _, err := s2.AppendHeaders(ctx, newTail); err != nil {
		t.Fatalf("AppendHeaders: %v", err)
	}
	_, root2, err := s2.ChainRootMMR(ctx, 10)
	if err != nil {
		t.Fatalf("ChainRootMMR: %v", err)
	}

	if !root1.Equal(root2) {
		t.Fatalf("rollback+append root does not match fresh-build root")
	}
}
