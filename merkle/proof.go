// Package merkle independently verifies the BIP37 partial merkle tree a
// Bitcoin node returns from gettxoutproof, so the proof RPC never has to
// blindly trust that the node's claimed inclusion is correct. It implements
// Bitcoin Core's CPartialMerkleTree wire format and TraverseAndExtract
// algorithm directly, combining sibling hashes with the same dbl-sha256
// pairing used elsewhere in this module.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/multihash"
)

// PartialTree is a parsed BIP37 partial merkle tree: it proves a subset of
// transactions (usually one) are included under a block's merkle root.
type PartialTree struct {
	TotalTransactions uint32
	Hashes            [][32]byte
	Flags             []byte
}

// ParsePartialMerkleTree parses the bytes following a merkleblock's 80-byte
// header: total_transactions(4 LE) || hash_count(varint) || hashes(32
// each) || flag_bytes_count(varint) || flags.
func ParsePartialMerkleTree(raw []byte) (*PartialTree, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("merkle: partial tree too short")
	}
	total := binary.LittleEndian.Uint32(raw[0:4])
	off := 4

	hashCount, n, err := readVarInt(raw[off:])
	if err != nil {
		return nil, err
	}
	off += n

	hashes := make([][32]byte, 0, hashCount)
	for i := uint64(0); i < hashCount; i++ {
		if off+32 > len(raw) {
			return nil, fmt.Errorf("merkle: truncated hash list")
		}
		var h [32]byte
		copy(h[:], raw[off:off+32])
		hashes = append(hashes, h)
		off += 32
	}

	flagByteCount, n, err := readVarInt(raw[off:])
	if err != nil {
		return nil, err
	}
	off += n
	if off+int(flagByteCount) > len(raw) {
		return nil, fmt.Errorf("merkle: truncated flag bytes")
	}
	flags := raw[off : off+int(flagByteCount)]

	return &PartialTree{TotalTransactions: total, Hashes: hashes, Flags: flags}, nil
}

func readVarInt(b []byte) (value uint64, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("merkle: empty varint")
	}
	switch {
	case b[0] < 0xfd:
		return uint64(b[0]), 1, nil
	case b[0] == 0xfd:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("merkle: truncated varint")
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	case b[0] == 0xfe:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("merkle: truncated varint")
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	default:
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("merkle: truncated varint")
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, nil
	}
}

// Match is one transaction the partial tree proves included in the root.
type Match struct {
	TxID     [32]byte
	Position uint32
}

// ExtractRoot replays the CPartialMerkleTree traversal, returning the
// recomputed merkle root (wrapped as a multihash, the same self-describing
// wire type original_source's proof service threads root hashes through)
// plus every matched (txid, position) pair. The caller compares the root
// against the block header's advertised MerkleRoot to decide whether the
// proof is trustworthy.
func (t *PartialTree) ExtractRoot() (root multihash.MerkleHash, matches []Match, err error) {
	if t.TotalTransactions == 0 {
		return nil, nil, fmt.Errorf("merkle: zero transactions")
	}
	height := 0
	for calcTreeWidth(t.TotalTransactions, height) > 1 {
		height++
	}

	bits := bytesToBits(t.Flags)
	var bitIdx, hashIdx int
	var traverse func(height int, pos uint32) ([32]byte, error)
	traverse = func(height int, pos uint32) ([32]byte, error) {
		if bitIdx >= len(bits) {
			return [32]byte{}, fmt.Errorf("merkle: ran out of flag bits")
		}
		parentOfMatch := bits[bitIdx]
		bitIdx++

		if height == 0 || !parentOfMatch {
			if hashIdx >= len(t.Hashes) {
				return [32]byte{}, fmt.Errorf("merkle: ran out of hashes")
			}
			hash := t.Hashes[hashIdx]
			hashIdx++
			if height == 0 && parentOfMatch {
				matches = append(matches, Match{TxID: hash, Position: pos})
			}
			return hash, nil
		}

		left, err := traverse(height-1, pos*2)
		if err != nil {
			return [32]byte{}, err
		}
		right := left
		if pos*2+1 < calcTreeWidth(t.TotalTransactions, height-1) {
			right, err = traverse(height-1, pos*2+1)
			if err != nil {
				return [32]byte{}, err
			}
			if right == left {
				return [32]byte{}, fmt.Errorf("merkle: duplicate sibling hash, invalid tree")
			}
		}
		return hashPair(left, right), nil
	}

	rawRoot, err := traverse(height, 0)
	if err != nil {
		return nil, nil, err
	}
	root, err = multihash.WrapMerkleHash(rawRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("merkle: wrap extracted root: %w", err)
	}
	return root, matches, nil
}

// calcTreeWidth mirrors Bitcoin Core's CalcTreeWidth: the number of nodes
// at a given height of a tree with total leaves.
func calcTreeWidth(total uint32, height int) uint32 {
	return (total + (1<<uint(height) - 1)) >> uint(height)
}

func bytesToBits(b []byte) []bool {
	bits := make([]bool, 0, len(b)*8)
	for _, byteVal := range b {
		for i := 0; i < 8; i++ {
			bits = append(bits, (byteVal>>uint(i))&1 == 1)
		}
	}
	return bits
}

// hashPair computes the Bitcoin merkle parent hash of two child hashes:
// dbl-sha256(left || right).
func hashPair(left, right [32]byte) [32]byte {
	var combined [64]byte
	copy(combined[0:32], left[:])
	copy(combined[32:64], right[:])
	first := sha256.Sum256(combined[:])
	return sha256.Sum256(first[:])
}
