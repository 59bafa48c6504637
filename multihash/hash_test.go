package multihash

import (
	"crypto/sha256"
	"testing"

	mh "github.com/multiformats/go-multihash"
)

func TestWrapMerkleHash(t *testing.T) {
	data := []byte("test data for wrapping")

	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])

	hash, err := WrapMerkleHash(second)
	if err != nil {
		t.Fatalf("WrapMerkleHash failed: %v", err)
	}
	if len(hash) != 34 {
		t.Errorf("expected hash length 34, got %d", len(hash))
	}

	decoded, err := mh.Decode(mh.Multihash(hash))
	if err != nil {
		t.Fatalf("failed to decode multihash: %v", err)
	}
	if decoded.Code != mh.DBL_SHA2_256 {
		t.Errorf("expected dbl-sha2-256 code 0x%x, got 0x%x", mh.DBL_SHA2_256, decoded.Code)
	}

	raw, err := hash.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if raw != second {
		t.Error("Raw hash doesn't match original")
	}
}

func TestMerkleHashRawRejectsWrongLength(t *testing.T) {
	short, err := mh.Encode([]byte("too short"), mh.DBL_SHA2_256)
	if err != nil {
		t.Fatalf("mh.Encode: %v", err)
	}
	if _, err := MerkleHash(short).Raw(); err == nil {
		t.Fatalf("expected an error for a non-32-byte digest")
	}
}
