package headerstore

import "github.com/nervina-labs/ckb-bitcoin-spv-bridge/kvstore"

// Column families, matching the persistent layout in the external
// interfaces section: two column families plus a default column for
// singletons.
const (
	columnHeaders   = kvstore.ColumnBitcoinHeaders
	columnHeaderMMR = kvstore.ColumnBitcoinHeaderMMR
)

// Singleton keys, stored in the default column family.
var (
	keyBaseBitcoinHeight     = []byte("base-bitcoin-height")
	keyTipBitcoinHeight      = []byte("tip-bitcoin-height")
	keySpvContractTypeScript = []byte("spv-contract-type-script")
	keySpvContractCellDep    = []byte("spv-contract-cell-dep")
	keyLockContractCellDep   = []byte("lock-contract-cell-dep")
)

func headerKey(height uint32) []byte {
	return kvstore.EncodeUint32(height)
}

func mmrKey(pos uint64) []byte {
	return kvstore.EncodeUint64(pos)
}
