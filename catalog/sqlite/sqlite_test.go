package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/catalog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := New(&Config{DBPath: dbPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(height uint32) *catalog.HeaderRecord {
	rec := &catalog.HeaderRecord{
		Height:    height,
		Timestamp: 1_600_000_000 + height,
		Bits:      0x1d00ffff,
		ChainWork: []byte{0x01, 0x02, 0x03},
	}
	rec.BlockHash[0] = byte(height)
	rec.PrevBlockHash[0] = byte(height - 1)
	rec.TargetAdjustInfo[0] = 0xAB
	return rec
}

func TestPutAndGetHeaderRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := sampleRecord(100)
	if err := store.PutHeader(ctx, rec); err != nil {
		t.Fatalf("PutHeader: %v", err)
	}

	got, err := store.GetHeader(ctx, 100)
	if err != nil {
		t.Fatalf("GetHeader: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a record, got nil")
	}
	if got.Height != rec.Height || got.BlockHash != rec.BlockHash || got.Bits != rec.Bits {
		t.Fatalf("round-tripped record mismatch: %+v vs %+v", got, rec)
	}

	byHash, err := store.GetHeaderByHash(ctx, rec.BlockHash)
	if err != nil {
		t.Fatalf("GetHeaderByHash: %v", err)
	}
	if byHash == nil || byHash.Height != 100 {
		t.Fatalf("GetHeaderByHash returned %+v", byHash)
	}
}

func TestGetHeaderMissingReturnsNilNil(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetHeader(context.Background(), 999)
	if err != nil {
		t.Fatalf("GetHeader: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing height, got %+v", got)
	}
}

func TestPutHeaderUpsertsByHeight(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := sampleRecord(50)
	if err := store.PutHeader(ctx, rec); err != nil {
		t.Fatalf("PutHeader: %v", err)
	}
	rec.Bits = 0x1c00ffff
	if err := store.PutHeader(ctx, rec); err != nil {
		t.Fatalf("PutHeader (update): %v", err)
	}

	got, err := store.GetHeader(ctx, 50)
	if err != nil {
		t.Fatalf("GetHeader: %v", err)
	}
	if got.Bits != 0x1c00ffff {
		t.Fatalf("upsert did not replace bits, got %x", got.Bits)
	}
}

func TestTipAndDeleteFrom(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, h := range []uint32{10, 11, 12} {
		if err := store.PutHeader(ctx, sampleRecord(h)); err != nil {
			t.Fatalf("PutHeader(%d): %v", h, err)
		}
	}

	tip, ok, err := store.Tip(ctx)
	if err != nil || !ok || tip != 12 {
		t.Fatalf("Tip = %d, %v, %v; want 12, true, nil", tip, ok, err)
	}

	if err := store.DeleteFrom(ctx, 11); err != nil {
		t.Fatalf("DeleteFrom: %v", err)
	}

	tip, ok, err = store.Tip(ctx)
	if err != nil || !ok || tip != 10 {
		t.Fatalf("Tip after delete = %d, %v, %v; want 10, true, nil", tip, ok, err)
	}
	if got, _ := store.GetHeader(ctx, 11); got != nil {
		t.Fatalf("expected height 11 to be deleted")
	}
}

func TestTipEmptyStore(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.Tip(context.Background())
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for empty store")
	}
}
