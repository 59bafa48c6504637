package rpcapi

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

func TestParseHashAcceptsWithAndWithoutPrefix(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 32)
	hexStr := hex.EncodeToString(raw)

	got, err := parseHash(hexStr)
	if err != nil {
		t.Fatalf("parseHash: %v", err)
	}
	if !bytes.Equal(got[:], raw) {
		t.Fatalf("unprefixed hash mismatch")
	}

	got2, err := parseHash("0x" + hexStr)
	if err != nil {
		t.Fatalf("parseHash with 0x prefix: %v", err)
	}
	if got != got2 {
		t.Fatalf("prefixed and unprefixed parse should agree")
	}
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	if _, err := parseHash("0xabcd"); err == nil {
		t.Fatalf("expected error for short hash")
	}
}

func TestParseUintParams(t *testing.T) {
	idx, confirmations, err := parseUintParams(float64(3), float64(6))
	if err != nil {
		t.Fatalf("parseUintParams: %v", err)
	}
	if idx != 3 || confirmations != 6 {
		t.Fatalf("got idx=%d confirmations=%d", idx, confirmations)
	}
}

func TestParseUintParamsRejectsNonNumeric(t *testing.T) {
	if _, _, err := parseUintParams("not-a-number", float64(1)); err == nil {
		t.Fatalf("expected error for non-numeric tx_index")
	}
	if _, _, err := parseUintParams(float64(1), "nope"); err == nil {
		t.Fatalf("expected error for non-numeric confirmations")
	}
}

func TestEncodeTransactionProofLayout(t *testing.T) {
	txOutProof := []byte{0xDE, 0xAD}
	headerProof := models.MMRProofBytes{0xBE, 0xEF, 0x01}

	buf := encodeTransactionProof(7, 1000, txOutProof, headerProof)

	if got := binary.BigEndian.Uint32(buf[0:4]); got != 7 {
		t.Fatalf("tx_index = %d, want 7", got)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != 1000 {
		t.Fatalf("height = %d, want 1000", got)
	}
	proofLen := binary.BigEndian.Uint32(buf[8:12])
	if proofLen != uint32(len(txOutProof)) {
		t.Fatalf("tx_out_proof length field = %d, want %d", proofLen, len(txOutProof))
	}
	rest := buf[12:]
	if !bytes.Equal(rest[:len(txOutProof)], txOutProof) {
		t.Fatalf("tx_out_proof bytes mismatch")
	}
	if !bytes.Equal(rest[len(txOutProof):], headerProof) {
		t.Fatalf("header proof bytes mismatch")
	}
}

func TestErrorCodesAreDistinct(t *testing.T) {
	codes := []int{
		CodeStorageTxTooNew,
		CodeStorageTxUnconfirmed,
		CodeStorageHeaderMissing,
		CodeStorageHeaderUnmatched,
		CodeOnchainTxUnconfirmed,
		CodeOnchainReorgRequired,
	}
	seen := make(map[int]bool, len(codes))
	for _, c := range codes {
		if seen[c] {
			t.Fatalf("duplicate error code %d", c)
		}
		seen[c] = true
	}
}
