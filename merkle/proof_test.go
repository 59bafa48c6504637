package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

func leafHash(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func buildRaw(total uint32, hashes [][32]byte, flagBits []bool) []byte {
	var buf bytes.Buffer
	var totalBuf [4]byte
	binary.LittleEndian.PutUint32(totalBuf[:], total)
	buf.Write(totalBuf[:])

	buf.WriteByte(byte(len(hashes)))
	for _, h := range hashes {
		buf.Write(h[:])
	}

	flagBytes := make([]byte, (len(flagBits)+7)/8)
	for i, bit := range flagBits {
		if bit {
			flagBytes[i/8] |= 1 << uint(i%8)
		}
	}
	buf.WriteByte(byte(len(flagBytes)))
	buf.Write(flagBytes)
	return buf.Bytes()
}

func TestExtractRootSingleTransaction(t *testing.T) {
	tx := leafHash(0xAB)
	raw := buildRaw(1, [][32]byte{tx}, []bool{true})

	tree, err := ParsePartialMerkleTree(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root, matches, err := tree.ExtractRoot()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	rawRoot, err := root.Raw()
	if err != nil {
		t.Fatalf("unwrap root: %v", err)
	}
	if rawRoot != tx {
		t.Fatalf("single-tx root should equal the tx hash itself")
	}
	if len(matches) != 1 || matches[0].TxID != tx || matches[0].Position != 0 {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestExtractRootTwoTransactionsMatchFirst(t *testing.T) {
	a, b := leafHash(0x01), leafHash(0x02)
	// height 1: one internal bit (parent-of-match) then two leaf bits.
	raw := buildRaw(2, [][32]byte{a, b}, []bool{true, true, false})

	tree, err := ParsePartialMerkleTree(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root, matches, err := tree.ExtractRoot()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	rawRoot, err := root.Raw()
	if err != nil {
		t.Fatalf("unwrap root: %v", err)
	}
	if rawRoot != hashPair(a, b) {
		t.Fatalf("root mismatch")
	}
	if len(matches) != 1 || matches[0].TxID != a || matches[0].Position != 0 {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestExtractRootRejectsDuplicateSibling(t *testing.T) {
	a := leafHash(0x03)
	// Three transactions with an odd count duplicate the last leaf as its
	// own sibling; feeding the same hash for both real children directly
	// should be rejected as invalid rather than silently accepted.
	raw := buildRaw(2, [][32]byte{a, a}, []bool{true, true, true})
	tree, err := ParsePartialMerkleTree(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, _, err := tree.ExtractRoot(); err == nil {
		t.Fatalf("expected duplicate-sibling rejection")
	}
}

func TestHashPairMatchesDoubleSHA256(t *testing.T) {
	a, b := leafHash(0x10), leafHash(0x20)
	var combined [64]byte
	copy(combined[:32], a[:])
	copy(combined[32:], b[:])
	first := sha256.Sum256(combined[:])
	want := sha256.Sum256(first[:])

	if got := hashPair(a, b); got != want {
		t.Fatalf("hashPair does not match manual dbl-sha256")
	}
}
