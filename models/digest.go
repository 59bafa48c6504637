package models

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// DigestSize is the length in bytes of a serialised HeaderDigest.
//
// Layout: min_height(4) || max_height(4) || partial_chain_work(32) ||
// header_hash(32) || target_adjust_info(8). On aggregated (non-leaf) nodes
// the header_hash field holds the double SHA-256 of the two children's
// serialisations (see Merge); target_adjust_info on an
// aggregated node is inherited from its right child, which is always the
// more recent (tip-most) side of the range it covers.
const DigestSize = 4 + 4 + 32 + 32 + 8

// HeaderDigest is the MMR leaf (and aggregated internal node) type: a
// summary of a contiguous range of Bitcoin headers.
type HeaderDigest struct {
	MinHeight         uint32
	MaxHeight         uint32
	PartialChainWork  [32]byte // big-endian u256
	HeaderHash        Hash256  // block hash on leaves; hash of both children on aggregated nodes
	TargetAdjustInfo  [8]byte  // encode(time uint32, bits uint32)
}

// LeafDigest builds the HeaderDigest for a single header at the given
// height, per the header store's init/append_headers operations.
func LeafDigest(h *BlockHeader) HeaderDigest {
	work := blockWork(h.Bits)
	var workBytes [32]byte
	b := work.Bytes()
	copy(workBytes[32-len(b):], b)

	return HeaderDigest{
		MinHeight:        h.Height,
		MaxHeight:        h.Height,
		PartialChainWork: workBytes,
		HeaderHash:       h.Hash(),
		TargetAdjustInfo: EncodeTargetAdjustInfo(h.Time, h.Bits),
	}
}

// EncodeTargetAdjustInfo packs (time, bits) into the opaque
// target_adjust_info field.
func EncodeTargetAdjustInfo(time, bits uint32) [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint32(out[0:4], time)
	binary.BigEndian.PutUint32(out[4:8], bits)
	return out
}

// DecodeTargetAdjustInfo unpacks the opaque target_adjust_info field back
// into (time, bits).
func DecodeTargetAdjustInfo(raw [8]byte) (time, bits uint32) {
	return binary.BigEndian.Uint32(raw[0:4]), binary.BigEndian.Uint32(raw[4:8])
}

// blockWork computes the amount of proof-of-work represented by a single
// block header: floor(2^256 / (target + 1)), matching Bitcoin's reference
// chainwork accounting.
func blockWork(bits uint32) *big.Int {
	target := CompactToTarget(bits)
	t := new(big.Int).SetBytes(target[:])
	if t.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Lsh(big.NewInt(1), 256)
	denominator := new(big.Int).Add(t, big.NewInt(1))
	return numerator.Div(numerator, denominator)
}

// Merge aggregates two sibling HeaderDigests (left covering the lower
// range, right the higher, adjacent range) into their parent MMR node.
// This is the canonical aggregation rule this module reproduces for the
// on-chain verifier contract (see DESIGN.md: the contract's own source is
// not present in the reference corpus, so this rule is this
// implementation's internally-consistent canonical choice).
func Merge(left, right HeaderDigest) HeaderDigest {
	leftWork := new(big.Int).SetBytes(left.PartialChainWork[:])
	rightWork := new(big.Int).SetBytes(right.PartialChainWork[:])
	total := new(big.Int).Add(leftWork, rightWork)
	var workBytes [32]byte
	b := total.Bytes()
	copy(workBytes[32-len(b):], b)

	h := sha256.New()
	lb := left.Serialize()
	rb := right.Serialize()
	h.Write(lb)
	h.Write(rb)
	first := h.Sum(nil)
	second := sha256.Sum256(first)

	return HeaderDigest{
		MinHeight:        left.MinHeight,
		MaxHeight:        right.MaxHeight,
		PartialChainWork: workBytes,
		HeaderHash:       Hash256(second),
		TargetAdjustInfo: right.TargetAdjustInfo,
	}
}

// Serialize writes the canonical fixed-width encoding of a HeaderDigest.
func (d HeaderDigest) Serialize() []byte {
	buf := make([]byte, DigestSize)
	binary.BigEndian.PutUint32(buf[0:4], d.MinHeight)
	binary.BigEndian.PutUint32(buf[4:8], d.MaxHeight)
	copy(buf[8:40], d.PartialChainWork[:])
	copy(buf[40:72], d.HeaderHash[:])
	copy(buf[72:80], d.TargetAdjustInfo[:])
	return buf
}

// DeserializeHeaderDigest parses the canonical fixed-width encoding.
func DeserializeHeaderDigest(raw []byte) (HeaderDigest, error) {
	if len(raw) != DigestSize {
		return HeaderDigest{}, fmt.Errorf("models: header digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	var d HeaderDigest
	d.MinHeight = binary.BigEndian.Uint32(raw[0:4])
	d.MaxHeight = binary.BigEndian.Uint32(raw[4:8])
	copy(d.PartialChainWork[:], raw[8:40])
	copy(d.HeaderHash[:], raw[40:72])
	copy(d.TargetAdjustInfo[:], raw[72:80])
	return d, nil
}

// Equal reports whether two digests serialise identically. Used to compare
// a storage-generated MMR root against an on-chain client's root.
func (d HeaderDigest) Equal(o HeaderDigest) bool {
	da, db := d.Serialize(), o.Serialize()
	if len(da) != len(db) {
		return false
	}
	for i := range da {
		if da[i] != db[i] {
			return false
		}
	}
	return true
}
