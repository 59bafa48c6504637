package mmr

import (
	"errors"
	"fmt"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// ErrEmpty is returned by GetRoot when the MMR has no leaves.
var ErrEmpty = errors.New("mmr: empty")

// ErrPositionNotFound is returned when a required node is missing from the
// backing store (a sign of an inconsistent or truncated store).
var ErrPositionNotFound = errors.New("mmr: position not found in store")

// MMR is an append-only Merkle Mountain Range over models.HeaderDigest
// leaves. It buffers writes from Push calls and only hands them to the
// Store on Commit, mirroring the source design's "push ... commit()
// flushes buffered mutations" contract.
type MMR struct {
	store     Store
	leafCount uint64

	pending   map[uint64]models.HeaderDigest
	pendingAt []uint64 // insertion order, for deterministic Commit
}

// New wraps store, which already contains leafCount leaves' worth of
// nodes (0 for a fresh MMR).
func New(store Store, leafCount uint64) *MMR {
	return &MMR{
		store:     store,
		leafCount: leafCount,
		pending:   make(map[uint64]models.HeaderDigest),
	}
}

// LeafCount returns the number of leaves pushed so far.
func (m *MMR) LeafCount() uint64 {
	return m.leafCount
}

// Size returns the current total node count.
func (m *MMR) Size() uint64 {
	return leafIndexToMMRSize(m.leafCount)
}

func (m *MMR) getElem(pos uint64) (models.HeaderDigest, error) {
	if d, ok := m.pending[pos]; ok {
		return d, nil
	}
	d, ok, err := m.store.GetElem(pos)
	if err != nil {
		return models.HeaderDigest{}, err
	}
	if !ok {
		return models.HeaderDigest{}, fmt.Errorf("%w: pos=%d", ErrPositionNotFound, pos)
	}
	return d, nil
}

func (m *MMR) put(pos uint64, d models.HeaderDigest) {
	if _, exists := m.pending[pos]; !exists {
		m.pendingAt = append(m.pendingAt, pos)
	}
	m.pending[pos] = d
}

// mmrStackEntry is one mountain currently open on the incremental build
// stack: the rightmost entry is the most recently completed (smallest)
// peak, mirroring a binary counter's bit pattern.
type mmrStackEntry struct {
	height uint64
	digest models.HeaderDigest
}

func (m *MMR) stack() ([]mmrStackEntry, error) {
	peaks := peaksForLeafCount(m.leafCount)
	stack := make([]mmrStackEntry, len(peaks))
	for i, p := range peaks {
		d, err := m.getElem(p.rootPos())
		if err != nil {
			return nil, err
		}
		stack[i] = mmrStackEntry{height: p.height, digest: d}
	}
	return stack, nil
}

// Push appends one leaf digest, writing the leaf node plus any peak-merge
// nodes its arrival completes (simulating a binary counter's carry
// propagation). Writes are buffered until Commit.
func (m *MMR) Push(leaf models.HeaderDigest) (pos uint64, err error) {
	leafPos := leafIndexToPos(m.leafCount)
	m.put(leafPos, leaf)

	stack, err := m.stack()
	if err != nil {
		return 0, err
	}

	cur := mmrStackEntry{height: 0, digest: leaf}
	nextPos := leafPos
	for len(stack) > 0 && stack[len(stack)-1].height == cur.height {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nextPos++
		merged := models.Merge(top.digest, cur.digest)
		m.put(nextPos, merged)
		cur = mmrStackEntry{height: cur.height + 1, digest: merged}
	}

	m.leafCount++
	return leafPos, nil
}

// Commit flushes buffered mutations to the backing store.
func (m *MMR) Commit() error {
	for _, pos := range m.pendingAt {
		d := m.pending[pos]
		if err := m.store.Append(pos, []models.HeaderDigest{d}); err != nil {
			return err
		}
	}
	m.pending = make(map[uint64]models.HeaderDigest)
	m.pendingAt = nil
	return nil
}

// GetRoot returns the bagged root over all current peaks: a right fold,
// root = Merge(peaks[0], Merge(peaks[1], ... Merge(peaks[n-2], peaks[n-1]))).
func (m *MMR) GetRoot() (models.HeaderDigest, error) {
	if m.leafCount == 0 {
		return models.HeaderDigest{}, ErrEmpty
	}
	peaks := peaksForLeafCount(m.leafCount)
	digests := make([]models.HeaderDigest, len(peaks))
	for i, p := range peaks {
		d, err := m.getElem(p.rootPos())
		if err != nil {
			return models.HeaderDigest{}, err
		}
		digests[i] = d
	}
	acc := digests[len(digests)-1]
	for i := len(digests) - 2; i >= 0; i-- {
		acc = models.Merge(digests[i], acc)
	}
	return acc, nil
}

// Step is one node consumed while verifying a Proof: Digest is the sibling
// value, IsRight reports whether it sits to the right of the running
// accumulator (so Merge(acc, Digest)) or to the left (Merge(Digest, acc)).
type Step struct {
	Digest  models.HeaderDigest
	IsRight bool
}

// Proof is an inclusion proof for one leaf against the MMR root at the
// size the proof was generated for.
type Proof struct {
	LeafIndex uint64
	Leaf      models.HeaderDigest
	Steps     []Step
}

// GenProof builds an inclusion proof for the leaf at the given index,
// against the MMR's current leaf count.
func (m *MMR) GenProof(leafIndex uint64) (Proof, error) {
	if leafIndex >= m.leafCount {
		return Proof{}, fmt.Errorf("mmr: leaf index %d out of range (leafCount=%d)", leafIndex, m.leafCount)
	}
	peaks := peaksForLeafCount(m.leafCount)
	peakIdx, localIdx, ok := findPeak(peaks, leafIndex)
	if !ok {
		return Proof{}, fmt.Errorf("mmr: leaf index %d not found in any peak", leafIndex)
	}

	leaf, err := m.getElem(leafIndexToPos(leafIndex))
	if err != nil {
		return Proof{}, err
	}

	var steps []Step
	for _, s := range pathToLeaf(peaks[peakIdx], localIdx) {
		d, err := m.getElem(s.pos)
		if err != nil {
			return Proof{}, err
		}
		steps = append(steps, Step{Digest: d, IsRight: s.isRight})
	}

	// GetRoot bags peaks as a right fold: R(peaks) = Merge(peaks[0],
	// R(peaks[1:])). The leaf's own peak sits at index peakIdx, so
	// reconstructing R requires first folding it together with any peaks
	// to its right (peakIdx is the left operand of that inner fold), then
	// folding the result with each peak to its left, outermost last.
	if peakIdx+1 < len(peaks) {
		rightPeaks := peaks[peakIdx+1:]
		digests := make([]models.HeaderDigest, len(rightPeaks))
		for i, p := range rightPeaks {
			d, err := m.getElem(p.rootPos())
			if err != nil {
				return Proof{}, err
			}
			digests[i] = d
		}
		rightCombined := digests[len(digests)-1]
		for i := len(digests) - 2; i >= 0; i-- {
			rightCombined = models.Merge(digests[i], rightCombined)
		}
		steps = append(steps, Step{Digest: rightCombined, IsRight: true})
	}
	for i := peakIdx - 1; i >= 0; i-- {
		d, err := m.getElem(peaks[i].rootPos())
		if err != nil {
			return Proof{}, err
		}
		steps = append(steps, Step{Digest: d, IsRight: false})
	}

	return Proof{LeafIndex: leafIndex, Leaf: leaf, Steps: steps}, nil
}

// GenProofs generates a proof per requested leaf index. The source design
// calls for a single batched "gen_proof(positions)"; this implementation
// produces an array of single-leaf proofs rather than a deduplicated
// multi-leaf proof DAG — correct, but not size-optimal.
func (m *MMR) GenProofs(leafIndices []uint64) ([]Proof, error) {
	proofs := make([]Proof, 0, len(leafIndices))
	for _, idx := range leafIndices {
		p, err := m.GenProof(idx)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, nil
}

// VerifyProof checks a single-leaf proof against an expected root.
func VerifyProof(proof Proof, root models.HeaderDigest) bool {
	acc := proof.Leaf
	for _, s := range proof.Steps {
		if s.IsRight {
			acc = models.Merge(acc, s.Digest)
		} else {
			acc = models.Merge(s.Digest, acc)
		}
	}
	return acc.Equal(root)
}
