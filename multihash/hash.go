package multihash

import (
	"fmt"

	mh "github.com/multiformats/go-multihash"
)

// MerkleHash wraps a dbl-sha2-256 multihash, the self-describing wire type
// this module threads a verified Bitcoin merkle root through between
// merkle's proof traversal and its caller's comparison against a block
// header's advertised root.
// Format: <0x56><0x20><32 bytes> = 34 bytes total
type MerkleHash []byte

// WrapMerkleHash wraps an existing 32-byte Bitcoin hash as a multihash.
func WrapMerkleHash(hash [32]byte) (MerkleHash, error) {
	h, err := mh.Encode(hash[:], mh.DBL_SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hash: %w", err)
	}
	return MerkleHash(h), nil
}

// Raw extracts the 32-byte hash from the multihash.
func (h MerkleHash) Raw() ([32]byte, error) {
	decoded, err := mh.Decode(mh.Multihash(h))
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid multihash: %w", err)
	}
	if len(decoded.Digest) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32-byte digest, got %d bytes", len(decoded.Digest))
	}
	var raw [32]byte
	copy(raw[:], decoded.Digest)
	return raw, nil
}
