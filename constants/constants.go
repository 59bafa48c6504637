// Package constants holds the per-network deployment facts this module
// cannot discover on chain: the known cell-deps that lock scripts found in
// the SPV ring require, keyed by code hash. Grounded on original_source's
// constants/mainnet.rs and constants/testnet.rs.
package constants

import (
	"fmt"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/ckb"
)

// Network selects which deployment's known-cell-dep table to consult.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork validates a --ckb-network flag value.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, Testnet:
		return Network(s), nil
	default:
		return "", fmt.Errorf("constants: unknown ckb network %q, want %q or %q", s, Mainnet, Testnet)
	}
}

type codeHashCellDep struct {
	codeHash string
	cellDep  ckb.CellDep
}

// Each entry is (code_hash, cell_dep.tx_hash, cell_dep.tx_index, cell_dep.dep_type).
var mainnetTable = []codeHashCellDep{
	{
		codeHash: "0xd483925160e4232b2cb29f012e8380b7b612d71cf4e79991476b6bcf610735f6",
		cellDep: ckb.CellDep{
			OutPoint: ckb.OutPoint{TxHash: "0x81e22f4bb39080b112e5efb18e3fad65ebea735eac2f9c495b7f4d3b4faa377d", Index: "0x0"},
			DepType:  "code",
		},
	},
}

var testnetTable = []codeHashCellDep{
	{
		codeHash: "0x28e83a1277d48add8e72fadaa9248559e1b632bab2bd60b27955ebc4c03800a5",
		cellDep: ckb.CellDep{
			OutPoint: ckb.OutPoint{TxHash: "0x9660b35c0a97fc47debb73f68a4868d8108e226a669219b62cc34a8c213c9d57", Index: "0x0"},
			DepType:  "code",
		},
	},
}

var tables = map[Network][]codeHashCellDep{
	Mainnet: mainnetTable,
	Testnet: testnetTable,
}

// KnownCellDep looks up the cell-dep a lock (or type) script's code hash
// requires on network. Lookup is case-sensitive on the 0x-hex form callers
// pass in, matching how code hashes are already carried elsewhere in this
// module (ckb.Script.CodeHash).
func KnownCellDep(network Network, codeHash string) (ckb.CellDep, bool) {
	for _, e := range tables[network] {
		if e.codeHash == codeHash {
			return e.cellDep, true
		}
	}
	return ckb.CellDep{}, false
}
