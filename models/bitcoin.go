// Package models holds the wire-level Bitcoin data types shared by the
// header store, the MMR engine, and the Bitcoin source client.
package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// HeaderSize is the length in bytes of a serialised Bitcoin block header.
const HeaderSize = 80

// DifficultyAdjustmentInterval is the number of blocks in a Bitcoin
// retargeting window.
const DifficultyAdjustmentInterval = 2016

// TargetTimespan is the intended duration, in seconds, of one retargeting
// window (two weeks).
const TargetTimespan = DifficultyAdjustmentInterval * 10 * 60

// Hash256 is a 32-byte double-SHA256 digest, stored in Bitcoin's internal
// (not RPC-display) byte order.
type Hash256 [32]byte

// String renders the hash in Bitcoin's usual reversed-byte-order hex form.
func (h Hash256) String() string {
	var reversed [32]byte
	for i := range h {
		reversed[i] = h[31-i]
	}
	return fmt.Sprintf("%x", reversed)
}

// IsZero reports whether h is the all-zero hash (used as a genesis
// prev_blockhash sentinel).
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// BlockHeader is the 80-byte Bitcoin block header, plus the height at which
// it was observed (the height itself is not part of the network-serialised
// record, but the store always knows it from context).
type BlockHeader struct {
	Height     uint32
	Version    int32
	PrevBlock  Hash256
	MerkleRoot Hash256
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

// Serialize writes the 80-byte network form of the header.
func (h *BlockHeader) Serialize() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevBlock[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Time)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	return buf
}

// DeserializeBlockHeader parses the 80-byte network form of a header. The
// height is not encoded on the wire and must be supplied by the caller.
func DeserializeBlockHeader(height uint32, raw []byte) (*BlockHeader, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("models: header must be %d bytes, got %d", HeaderSize, len(raw))
	}
	h := &BlockHeader{Height: height}
	h.Version = int32(binary.LittleEndian.Uint32(raw[0:4]))
	copy(h.PrevBlock[:], raw[4:36])
	copy(h.MerkleRoot[:], raw[36:68])
	h.Time = binary.LittleEndian.Uint32(raw[68:72])
	h.Bits = binary.LittleEndian.Uint32(raw[72:76])
	h.Nonce = binary.LittleEndian.Uint32(raw[76:80])
	return h, nil
}

// Hash computes the block hash: double-SHA256 of the serialised header, in
// Bitcoin's internal byte order.
func (h *BlockHeader) Hash() Hash256 {
	raw := h.Serialize()
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	return Hash256(second)
}

// Target unpacks the compact "bits" encoding into a 256-bit big-endian
// target value.
func (h *BlockHeader) Target() [32]byte {
	return CompactToTarget(h.Bits)
}

// CompactToTarget expands Bitcoin's compact ("nBits") difficulty encoding
// into a 256-bit big-endian unsigned integer.
func CompactToTarget(bits uint32) [32]byte {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	var out [32]byte
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		binary.BigEndian.PutUint32(out[28:32], mantissa)
		return out
	}
	shift := int(exponent) - 3
	if shift > 29 {
		// Overflow: clamp to the maximum representable target.
		for i := range out {
			out[i] = 0xff
		}
		return out
	}
	start := 32 - 3 - shift
	out[start] = byte(mantissa >> 16)
	out[start+1] = byte(mantissa >> 8)
	out[start+2] = byte(mantissa)
	return out
}

// TargetToCompact re-packs a 256-bit big-endian target into Bitcoin's
// compact "nBits" encoding, matching the reference client's rounding
// (lossy: it re-derives the canonical compact form for the given target).
func TargetToCompact(target [32]byte) uint32 {
	// Find the most significant non-zero byte.
	firstNonZero := -1
	for i, b := range target {
		if b != 0 {
			firstNonZero = i
			break
		}
	}
	if firstNonZero == -1 {
		return 0
	}
	size := 32 - firstNonZero
	var mantissa uint32
	switch {
	case size <= 3:
		for i := firstNonZero; i < 32; i++ {
			mantissa = mantissa<<8 | uint32(target[i])
		}
		mantissa <<= uint(8 * (3 - size))
	default:
		mantissa = uint32(target[firstNonZero])<<16 | uint32(target[firstNonZero+1])<<8 | uint32(target[firstNonZero+2])
	}
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return uint32(size)<<24 | mantissa
}

// CalculateNextTarget applies Bitcoin's retargeting rule: the new target is
// the old target scaled by the ratio of actual to intended timespan,
// clamped to a factor of four in either direction.
func CalculateNextTarget(currentTarget [32]byte, firstBlockTime, lastBlockTime uint32) [32]byte {
	actualTimespan := int64(lastBlockTime) - int64(firstBlockTime)
	minTimespan := int64(TargetTimespan / 4)
	maxTimespan := int64(TargetTimespan * 4)
	if actualTimespan < minTimespan {
		actualTimespan = minTimespan
	}
	if actualTimespan > maxTimespan {
		actualTimespan = maxTimespan
	}

	current := new(big.Int).SetBytes(currentTarget[:])
	current.Mul(current, big.NewInt(actualTimespan))
	current.Div(current, big.NewInt(TargetTimespan))

	powLimit := new(big.Int).SetBytes(powLimitMainnet[:])
	if current.Cmp(powLimit) > 0 {
		current = powLimit
	}

	var out [32]byte
	b := current.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// powLimitMainnet is Bitcoin mainnet's minimum-difficulty target
// (0x1d00ffff expanded).
var powLimitMainnet = CompactToTarget(0x1d00ffff)

// HeightWindowStart returns the height of the first block in the
// difficulty window that contains height.
func HeightWindowStart(height uint32) uint32 {
	return (height / DifficultyAdjustmentInterval) * DifficultyAdjustmentInterval
}

// compareHashes compares two hashes byte for byte, without leaking
// byte-order assumptions to callers.
func compareHashes(a, b Hash256) bool {
	return bytes.Equal(a[:], b[:])
}

// HashesEqual reports whether two Bitcoin hashes are identical.
func HashesEqual(a, b Hash256) bool {
	return compareHashes(a, b)
}
