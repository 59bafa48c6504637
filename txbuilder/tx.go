// Package txbuilder assembles and signs the CKB transactions that mutate
// the on-chain SPV ring (C8), grounded on original_source's
// cli/serve.rs (update_spv_cells) and cli/init.rs (the bootstrap
// transaction's distinct witness payload).
package txbuilder

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/ckb"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/constants"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// Transaction is a minimal, JSON-RPC-shaped CKB transaction builder. It
// covers exactly the fields the SPV bridge's own transactions use: it is
// not a general-purpose CKB transaction library.
type Transaction struct {
	CellDeps    []ckb.CellDep
	HeaderDeps  []string
	Inputs      []CellInput
	Outputs     []ckb.CellOutput
	OutputsData [][]byte
	Witnesses   [][]byte

	// ChangeInputOffset is the index of the first change input
	// BalanceTransaction appended (and thus the first index of the
	// change lock's script group); equal to len(Inputs) if no change
	// input was needed.
	ChangeInputOffset int
}

// ToJSON renders the transaction in the shape CKB's RPC expects: version,
// cell_deps, header_deps, inputs, outputs, outputs_data and witnesses, all
// 0x-hex where the node expects hex.
func (tx *Transaction) ToJSON() map[string]interface{} {
	cellDeps := make([]map[string]interface{}, len(tx.CellDeps))
	for i, d := range tx.CellDeps {
		cellDeps[i] = map[string]interface{}{
			"out_point": map[string]interface{}{"tx_hash": d.OutPoint.TxHash, "index": d.OutPoint.Index},
			"dep_type":  d.DepType,
		}
	}
	inputs := make([]map[string]interface{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		inputs[i] = map[string]interface{}{
			"since": hexUint64(in.Since),
			"previous_output": map[string]interface{}{
				"tx_hash": in.PreviousOutput.TxHash,
				"index":   in.PreviousOutput.Index,
			},
		}
	}
	outputs := make([]map[string]interface{}, len(tx.Outputs))
	for i, out := range tx.Outputs {
		o := map[string]interface{}{
			"capacity": out.Capacity,
			"lock": map[string]interface{}{
				"code_hash": out.Lock.CodeHash,
				"hash_type": out.Lock.HashType,
				"args":      out.Lock.Args,
			},
		}
		if out.Type != nil {
			o["type"] = map[string]interface{}{
				"code_hash": out.Type.CodeHash,
				"hash_type": out.Type.HashType,
				"args":      out.Type.Args,
			}
		}
		outputs[i] = o
	}
	outputsData := make([]string, len(tx.OutputsData))
	for i, d := range tx.OutputsData {
		outputsData[i] = "0x" + hex.EncodeToString(d)
	}
	witnesses := make([]string, len(tx.Witnesses))
	for i, w := range tx.Witnesses {
		witnesses[i] = "0x" + hex.EncodeToString(w)
	}
	return map[string]interface{}{
		"version":      "0x0",
		"cell_deps":    cellDeps,
		"header_deps":  tx.HeaderDeps,
		"inputs":       inputs,
		"outputs":      outputs,
		"outputs_data": outputsData,
		"witnesses":    witnesses,
	}
}

func hexUint64(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// CellInput is one transaction input plus the `since` relative/absolute
// lock field CKB requires on every input.
type CellInput struct {
	Since         uint64
	PreviousOutput ckb.OutPoint
}

// WitnessArgs is CKB's witness envelope: at most one lock, input-type and
// output-type field, each an arbitrary byte string.
type WitnessArgs struct {
	Lock       []byte
	InputType  []byte
	OutputType []byte
}

// Serialize packs WitnessArgs using a minimal length-prefixed encoding
// compatible with how this module's own witnesses are produced and
// consumed; it round-trips through this package only; it does not claim to
// reproduce the verifier contract's molecule byte layout (see DESIGN.md).
func (w WitnessArgs) Serialize() []byte {
	buf := make([]byte, 0, 12+len(w.Lock)+len(w.InputType)+len(w.OutputType))
	buf = appendLenPrefixed(buf, w.Lock)
	buf = appendLenPrefixed(buf, w.InputType)
	buf = appendLenPrefixed(buf, w.OutputType)
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(data)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, data...)
	return buf
}

// Signer holds the deployer's secp256k1 key used to authorize spending its
// inputs (the Secp256k1-Sighash-All lock script).
type Signer struct {
	priv *secp256k1.PrivateKey
}

// NewSigner derives a Signer from a SecretKey. It does not take ownership
// of key; callers are still responsible for calling key.Zero() once done.
func NewSigner(key *SecretKey) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("txbuilder: secret key is required")
	}
	priv := secp256k1.PrivKeyFromBytes(key.Bytes())
	return &Signer{priv: priv}, nil
}

// PublicKeyHash returns the blake2b-160 (first 20 bytes of blake2b-256) of
// the compressed public key, as used in a Secp256k1-Sighash-All lock
// script's args.
func (s *Signer) PublicKeyHash() [20]byte {
	pub := s.priv.PubKey().SerializeCompressed()
	digest := Blake2b256(pub)
	var out [20]byte
	copy(out[:], digest[:20])
	return out
}

// signingMessage computes the Secp256k1-Sighash-All message for a script
// group: blake2b256(txHash || len(witness0) || witness0 || len(witnessN)
// || witnessN ...) over the group's first witness (zeroed lock field) and
// every other witness belonging to inputs in the group.
func signingMessage(txHash [32]byte, witnesses [][]byte, groupInputIndices []int) [32]byte {
	parts := [][]byte{txHash[:]}
	for _, idx := range groupInputIndices {
		w := witnesses[idx]
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(w)))
		parts = append(parts, lenBuf[:], w)
	}
	return Blake2b256(parts...)
}

// SignSighashAll signs witnesses[groupInputIndices[0]] (the script group's
// first input) in place: it replaces that witness with a WitnessArgs whose
// only field is a zero-filled 65-byte lock, computes the signing message over
// the resulting witness plus every other witness in the group, signs it,
// and writes the 65-byte recoverable signature into the lock field.
func (s *Signer) SignSighashAll(txHash [32]byte, witnesses [][]byte, groupInputIndices []int) error {
	if len(groupInputIndices) == 0 {
		return fmt.Errorf("txbuilder: empty script group")
	}
	first := groupInputIndices[0]
	zeroed := WitnessArgs{Lock: make([]byte, 65)}
	witnesses[first] = zeroed.Serialize()

	msg := signingMessage(txHash, witnesses, groupInputIndices)
	sig := ecdsa.SignCompact(s.priv, msg[:], false)
	// ecdsa.SignCompact returns [recovery_id+27, R, S]; CKB's recoverable
	// signature format wants [R, S, recovery_id] instead.
	recoverable := append(append([]byte{}, sig[1:]...), sig[0]-27)

	signed := WitnessArgs{Lock: recoverable}
	witnesses[first] = signed.Serialize()
	return nil
}

// Hash computes the transaction hash over every field except witnesses, as
// CKB transactions are identified independent of their witness content.
func (tx *Transaction) Hash() [32]byte {
	var parts [][]byte
	for _, dep := range tx.CellDeps {
		idx, _ := hex.DecodeString(trimHex(dep.OutPoint.Index))
		parts = append(parts, []byte(dep.OutPoint.TxHash), idx, []byte(dep.DepType))
	}
	for _, hd := range tx.HeaderDeps {
		parts = append(parts, []byte(hd))
	}
	for _, in := range tx.Inputs {
		var sinceBuf [8]byte
		binary.BigEndian.PutUint64(sinceBuf[:], in.Since)
		parts = append(parts, sinceBuf[:], []byte(in.PreviousOutput.TxHash), []byte(in.PreviousOutput.Index))
	}
	for _, out := range tx.Outputs {
		parts = append(parts, []byte(out.Capacity), []byte(out.Lock.CodeHash), []byte(out.Lock.HashType), []byte(out.Lock.Args))
		if out.Type != nil {
			parts = append(parts, []byte(out.Type.CodeHash), []byte(out.Type.HashType), []byte(out.Type.Args))
		}
	}
	for _, d := range tx.OutputsData {
		parts = append(parts, d)
	}
	return Blake2b256(parts...)
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Context bundles the SPV-domain pieces a transaction assembler needs:
// the chain deps this network's deployment uses. LockContractCellDep is the operator-supplied dep for the lock
// contract BuildBootstrap creates cells under, before any ring cell exists
// to resolve a code hash from; BuildUpdate and BuildReorg instead resolve
// each ring cell's lock script through the Network's known-cell-dep table.
type Context struct {
	SpvContractCellDep  ckb.CellDep
	LockContractCellDep ckb.CellDep
	Network             constants.Network
}

// resolveLockCellDeps looks up each output's lock script code hash in the
// per-network known-cell-dep table, deduplicating by code hash and
// preserving first-seen order (SPEC_FULL.md §4.8). A lock script with no
// table entry contributes no cell-dep; the caller still supplies the SPV
// contract's own cell-dep and the tip client cell separately.
func resolveLockCellDeps(network constants.Network, outputs ...ckb.CellOutput) []ckb.CellDep {
	var deps []ckb.CellDep
	seen := make(map[string]bool, len(outputs))
	for _, out := range outputs {
		codeHash := out.Lock.CodeHash
		if seen[codeHash] {
			continue
		}
		dep, ok := constants.KnownCellDep(network, codeHash)
		if !ok {
			continue
		}
		seen[codeHash] = true
		deps = append(deps, dep)
	}
	return deps
}

// BuildUpdate assembles the transaction that advances the ring by one
// client when the current tip's root still matches the locally verified
// chain: it spends the info cell and the next (stale) client cell, and
// recreates them pointing at the new tip. When the tip's root has
// diverged, use BuildReorg instead.
func BuildUpdate(
	ctx Context,
	info ckb.InfoCell,
	currClient ckb.ClientCell,
	nextClient ckb.ClientCell,
	newClient models.SpvClient,
	update models.SpvUpdate,
	changeLock ckb.Script,
) (*Transaction, [][]byte, error) {
	newClient.ID = nextClient.Client.ID

	newInfo := info.Info
	newInfo.TipClientID = newClient.ID

	cellDeps := append([]ckb.CellDep{
		ctx.SpvContractCellDep,
		{OutPoint: currClient.Cell.OutPoint, DepType: "code"},
	}, resolveLockCellDeps(ctx.Network, info.Cell.Output, nextClient.Cell.Output)...)

	tx := &Transaction{
		CellDeps: cellDeps,
		Inputs: []CellInput{
			{PreviousOutput: info.Cell.OutPoint},
			{PreviousOutput: nextClient.Cell.OutPoint},
		},
		Outputs: []ckb.CellOutput{
			info.Cell.Output,
			nextClient.Cell.Output,
		},
		OutputsData: [][]byte{
			newInfo.Serialize(),
			newClient.Serialize(),
		},
	}

	updateWitness := WitnessArgs{OutputType: encodeSpvUpdate(update)}
	witnesses := [][]byte{updateWitness.Serialize(), (WitnessArgs{}).Serialize()}
	tx.Witnesses = witnesses

	return tx, witnesses, nil
}

// BuildReorg assembles the transaction that replaces every currently-stale
// client cell at once: unlike BuildUpdate it may spend more than one client
// cell, because a fork can leave several ring slots behind the true chain
// simultaneously. Every stale slot is rewritten to carry the same freshly
// computed client state, differing only by its ring ID, so the whole stale
// stretch of the ring converges to the storage-verified chain in a single
// transaction rather than one slot per tick. See DESIGN.md for the
// one-stale-client quirk this always receives at least two stale clients.
func BuildReorg(
	ctx Context,
	info ckb.InfoCell,
	curr ckb.ClientCell,
	staleClients []ckb.ClientCell,
	newClient models.SpvClient,
	update models.SpvUpdate,
	changeLock ckb.Script,
) (*Transaction, [][]byte, error) {
	if len(staleClients) == 0 {
		return nil, nil, fmt.Errorf("txbuilder: reorg requires at least one stale client")
	}

	newInfo := info.Info
	newInfo.TipClientID = staleClients[0].Client.ID

	inputs := make([]CellInput, 0, len(staleClients)+1)
	outputs := make([]ckb.CellOutput, 0, len(staleClients)+1)
	outputsData := make([][]byte, 0, len(staleClients)+1)

	inputs = append(inputs, CellInput{PreviousOutput: info.Cell.OutPoint})
	outputs = append(outputs, info.Cell.Output)
	outputsData = append(outputsData, newInfo.Serialize())

	for _, stale := range staleClients {
		client := newClient
		client.ID = stale.Client.ID
		inputs = append(inputs, CellInput{PreviousOutput: stale.Cell.OutPoint})
		outputs = append(outputs, stale.Cell.Output)
		outputsData = append(outputsData, client.Serialize())
	}

	cellDeps := append([]ckb.CellDep{
		ctx.SpvContractCellDep,
		{OutPoint: curr.Cell.OutPoint, DepType: "code"},
	}, resolveLockCellDeps(ctx.Network, outputs...)...)

	tx := &Transaction{
		CellDeps:    cellDeps,
		Inputs:      inputs,
		Outputs:     outputs,
		OutputsData: outputsData,
	}

	updateWitness := WitnessArgs{OutputType: encodeSpvUpdate(update)}
	witnesses := make([][]byte, len(inputs))
	witnesses[0] = updateWitness.Serialize()
	empty := (WitnessArgs{}).Serialize()
	for i := 1; i < len(witnesses); i++ {
		witnesses[i] = empty
	}
	tx.Witnesses = witnesses

	return tx, witnesses, nil
}

// BuildBootstrap assembles the `init` subcommand's transaction: it creates
// the info cell and every client cell from scratch, seeding client 0 with
// the bootstrap header and leaving the rest empty, using the distinct
// SpvBootstrap witness payload (see SPEC_FULL.md).
func BuildBootstrap(
	ctx Context,
	infoOutput, clientOutputTemplate ckb.CellOutput,
	clientsCount uint8,
	bootstrap models.SpvBootstrap,
	initialClient models.SpvClient,
) (*Transaction, error) {
	outputs := make([]ckb.CellOutput, 0, int(clientsCount)+1)
	outputsData := make([][]byte, 0, int(clientsCount)+1)

	info := models.SpvInfo{TipClientID: 0}
	outputs = append(outputs, infoOutput)
	outputsData = append(outputsData, info.Serialize())

	for id := uint8(0); id < clientsCount; id++ {
		client := models.SpvClient{ID: id}
		if id == 0 {
			client = initialClient
			client.ID = 0
		}
		outputs = append(outputs, clientOutputTemplate)
		outputsData = append(outputsData, client.Serialize())
	}

	tx := &Transaction{
		CellDeps:    []ckb.CellDep{ctx.SpvContractCellDep, ctx.LockContractCellDep},
		Outputs:     outputs,
		OutputsData: outputsData,
	}

	witness := WitnessArgs{OutputType: encodeSpvBootstrap(bootstrap)}
	tx.Witnesses = [][]byte{witness.Serialize()}

	return tx, nil
}

func encodeSpvUpdate(u models.SpvUpdate) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(u.Headers)))
	for _, h := range u.Headers {
		buf = append(buf, h.Serialize()...)
	}
	proofLen := make([]byte, 4)
	binary.BigEndian.PutUint32(proofLen, uint32(len(u.MMRProof)))
	buf = append(buf, proofLen...)
	buf = append(buf, u.MMRProof...)
	return buf
}

func encodeSpvBootstrap(b models.SpvBootstrap) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, b.Height)
	buf = append(buf, b.Header.Serialize()...)
	return buf
}

// FeeRate queries the network's current dynamic fee rate, the same source
// original_source's TransactionBuilderConfiguration uses to set its
// fee_rate field.
func FeeRate(ctx context.Context, client *ckb.Client) (uint64, error) {
	return client.DynamicFeeRate(ctx)
}
