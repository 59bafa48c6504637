package txbuilder

import (
	"testing"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/ckb"
)

func changeCell(capacity string, index int) ckb.LiveCell {
	return ckb.LiveCell{
		OutPoint: ckb.OutPoint{TxHash: "0xchange", Index: hexUint64(uint64(index))},
		Output:   ckb.CellOutput{Capacity: capacity},
	}
}

func TestBalanceTransactionAddsChangeOutput(t *testing.T) {
	tx := &Transaction{
		Inputs:      []CellInput{{PreviousOutput: ckb.OutPoint{TxHash: "0xaa", Index: "0x0"}}},
		Outputs:     []ckb.CellOutput{{Capacity: "0x100"}},
		OutputsData: [][]byte{nil},
	}
	iter := NewInputIterator([]ckb.LiveCell{changeCell("0x174876e800", 0)}) // 100_000_000_000 shannons
	changeLock := ckb.Script{CodeHash: "0x05", HashType: "type", Args: "0x06"}

	if err := BalanceTransaction(tx, iter, 1000, 0, changeLock); err != nil {
		t.Fatalf("BalanceTransaction: %v", err)
	}
	if tx.ChangeInputOffset != 1 {
		t.Fatalf("ChangeInputOffset = %d, want 1", tx.ChangeInputOffset)
	}
	if len(tx.Inputs) != 2 {
		t.Fatalf("expected a change input to be appended, got %d inputs", len(tx.Inputs))
	}
	if len(tx.Outputs) != 2 || tx.Outputs[1].Lock != changeLock {
		t.Fatalf("expected a change output locked by changeLock")
	}
	if len(tx.Witnesses) != len(tx.Inputs) {
		t.Fatalf("witness count = %d, want %d", len(tx.Witnesses), len(tx.Inputs))
	}
	change, err := parseCapacity(tx.Outputs[1].Capacity)
	if err != nil {
		t.Fatalf("parseCapacity: %v", err)
	}
	if change == 0 {
		t.Fatalf("expected non-zero change after fee")
	}
}

func TestBalanceTransactionExhaustsIterator(t *testing.T) {
	tx := &Transaction{Outputs: []ckb.CellOutput{{Capacity: "0x100"}}, OutputsData: [][]byte{nil}}
	iter := NewInputIterator(nil)
	err := BalanceTransaction(tx, iter, 1_000_000_000, 0, ckb.Script{})
	if err != ErrInsufficientCapacity {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
}

func TestBalanceTransactionRespectsFeeRateCap(t *testing.T) {
	tx1 := &Transaction{Outputs: []ckb.CellOutput{{Capacity: "0x100"}}, OutputsData: [][]byte{nil}}
	iter1 := NewInputIterator([]ckb.LiveCell{changeCell("0x174876e800", 0)})
	if err := BalanceTransaction(tx1, iter1, 10_000_000, 0, ckb.Script{}); err != nil {
		t.Fatalf("BalanceTransaction (uncapped): %v", err)
	}
	uncappedChange, _ := parseCapacity(tx1.Outputs[len(tx1.Outputs)-1].Capacity)

	tx2 := &Transaction{Outputs: []ckb.CellOutput{{Capacity: "0x100"}}, OutputsData: [][]byte{nil}}
	iter2 := NewInputIterator([]ckb.LiveCell{changeCell("0x174876e800", 0)})
	if err := BalanceTransaction(tx2, iter2, 10_000_000, 1000, ckb.Script{}); err != nil {
		t.Fatalf("BalanceTransaction (capped): %v", err)
	}
	cappedChange, _ := parseCapacity(tx2.Outputs[len(tx2.Outputs)-1].Capacity)

	if cappedChange <= uncappedChange {
		t.Fatalf("capped fee should leave more change: capped=%d uncapped=%d", cappedChange, uncappedChange)
	}
}
