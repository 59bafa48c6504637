package models

import "fmt"

// SpvInfoExtraSize is the width of SpvInfo's opaque extra-data tail.
const SpvInfoExtraSize = 32

// SpvInfoSize is the fixed serialised width of an SpvInfo cell: one byte
// for TipClientID plus its extra-data tail.
const SpvInfoSize = 1 + SpvInfoExtraSize

// SpvClientSize is the fixed serialised width of an SpvClient cell:
// id(1) + tip block hash(32) + MMR root digest(DigestSize) + target
// adjust info(8).
const SpvClientSize = 1 + 32 + DigestSize + 8

// SpvInfo is the on-chain singleton cell tracking which client in the ring
// is currently the tip. The verifier contract may define further fields;
// this module treats anything beyond TipClientID as opaque extra bytes it
// preserves but does not interpret.
type SpvInfo struct {
	TipClientID uint8
	Extra       []byte
}

// Serialize encodes the info cell to its fixed-width on-chain form,
// truncating or zero-padding Extra to SpvInfoExtraSize.
func (i SpvInfo) Serialize() []byte {
	buf := make([]byte, SpvInfoSize)
	buf[0] = i.TipClientID
	copy(buf[1:], i.Extra)
	return buf
}

// DeserializeSpvInfo parses the fixed-width form produced by Serialize.
func DeserializeSpvInfo(raw []byte) (*SpvInfo, error) {
	if len(raw) != SpvInfoSize {
		return nil, fmt.Errorf("models: spv info must be %d bytes, got %d", SpvInfoSize, len(raw))
	}
	extra := make([]byte, SpvInfoExtraSize)
	copy(extra, raw[1:])
	return &SpvInfo{TipClientID: raw[0], Extra: extra}, nil
}

// SpvClient is one cell in the on-chain ring.
type SpvClient struct {
	ID               uint8
	TipBlockHash     Hash256
	HeadersMMRRoot   HeaderDigest
	TargetAdjustInfo [8]byte
}

// Serialize encodes the client cell to its fixed-width on-chain form.
func (c SpvClient) Serialize() []byte {
	buf := make([]byte, 0, SpvClientSize)
	buf = append(buf, c.ID)
	buf = append(buf, c.TipBlockHash[:]...)
	buf = append(buf, c.HeadersMMRRoot.Serialize()...)
	buf = append(buf, c.TargetAdjustInfo[:]...)
	return buf
}

// DeserializeSpvClient parses the fixed-width form produced by Serialize.
func DeserializeSpvClient(raw []byte) (*SpvClient, error) {
	if len(raw) != SpvClientSize {
		return nil, fmt.Errorf("models: spv client must be %d bytes, got %d", SpvClientSize, len(raw))
	}
	off := 0
	id := raw[off]
	off++
	var tipHash Hash256
	copy(tipHash[:], raw[off:off+32])
	off += 32
	digest, err := DeserializeHeaderDigest(raw[off : off+DigestSize])
	if err != nil {
		return nil, err
	}
	off += DigestSize
	var adjust [8]byte
	copy(adjust[:], raw[off:off+8])
	return &SpvClient{ID: id, TipBlockHash: tipHash, HeadersMMRRoot: digest, TargetAdjustInfo: adjust}, nil
}

// SpvTypeArgs identifies a single SPV instance uniquely on-chain.
type SpvTypeArgs struct {
	TypeID       [32]byte
	ClientsCount uint8
	Flags        uint8
}

const (
	// FlagDisableDifficultyCheck marks a test-only instance that skips
	// proof-of-work target validation on-chain.
	FlagDisableDifficultyCheck uint8 = 1 << 0
)

// OutPoint identifies a CKB cell by the transaction that created it and
// its output index.
type OutPoint struct {
	TxHash Hash256
	Index  uint32
}

// SpvUpdate is the payload carried in an Update (or Reorg) transaction's
// first witness: the new headers plus the MMR inclusion proof that lets
// the on-chain verifier check they extend the referenced client's root.
type SpvUpdate struct {
	Headers  []*BlockHeader
	MMRProof MMRProofBytes
}

// SpvBootstrap is the payload carried in the `init` subcommand's first
// witness: it establishes the very first client cell's content on-chain,
// distinct from the steady-state SpvUpdate payload used by `serve`.
type SpvBootstrap struct {
	Height uint32
	Header *BlockHeader
}

// MMRProofBytes is an opaque, already-serialised MMR proof, as produced by
// the mmr package and embedded verbatim into on-chain payloads.
type MMRProofBytes []byte
