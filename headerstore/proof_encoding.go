package headerstore

import (
	"encoding/binary"
	"fmt"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/mmr"
)

// encodeProofs packs a batch of single-leaf MMR proofs into the opaque
// bytes embedded in an SpvUpdate / getTxProof response.
//
// Layout: count(u32) || per-proof{ leafIndex(u64), leaf(DigestSize),
// stepCount(u32), per-step{ isRight(1 byte), digest(DigestSize) } }.
func encodeProofs(proofs []mmr.Proof) models.MMRProofBytes {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(proofs)))
	for _, p := range proofs {
		head := make([]byte, 8+models.DigestSize+4)
		binary.BigEndian.PutUint64(head[0:8], p.LeafIndex)
		copy(head[8:8+models.DigestSize], p.Leaf.Serialize())
		binary.BigEndian.PutUint32(head[8+models.DigestSize:], uint32(len(p.Steps)))
		buf = append(buf, head...)
		for _, s := range p.Steps {
			if s.IsRight {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = append(buf, s.Digest.Serialize()...)
		}
	}
	return buf
}

// DecodeProofs is the inverse of encodeProofs.
func DecodeProofs(raw []byte) ([]mmr.Proof, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("headerstore: proof bytes too short")
	}
	count := binary.BigEndian.Uint32(raw[0:4])
	off := 4
	proofs := make([]mmr.Proof, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8+models.DigestSize+4 > len(raw) {
			return nil, fmt.Errorf("headerstore: truncated proof at entry %d", i)
		}
		leafIndex := binary.BigEndian.Uint64(raw[off : off+8])
		off += 8
		leaf, err := models.DeserializeHeaderDigest(raw[off : off+models.DigestSize])
		if err != nil {
			return nil, err
		}
		off += models.DigestSize
		stepCount := binary.BigEndian.Uint32(raw[off : off+4])
		off += 4
		steps := make([]mmr.Step, 0, stepCount)
		for j := uint32(0); j < stepCount; j++ {
			if off+1+models.DigestSize > len(raw) {
				return nil, fmt.Errorf("headerstore: truncated proof step")
			}
			isRight := raw[off] == 1
			off++
			d, err := models.DeserializeHeaderDigest(raw[off : off+models.DigestSize])
			if err != nil {
				return nil, err
			}
			off += models.DigestSize
			steps = append(steps, mmr.Step{Digest: d, IsRight: isRight})
		}
		proofs = append(proofs, mmr.Proof{LeafIndex: leafIndex, Leaf: leaf, Steps: steps})
	}
	return proofs, nil
}
