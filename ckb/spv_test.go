package ckb

import (
	"testing"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

func clientCellWithHeight(id uint8, maxHeight uint32) ClientCell {
	return ClientCell{Client: models.SpvClient{
		ID:             id,
		HeadersMMRRoot: models.HeaderDigest{MaxHeight: maxHeight},
	}}
}

func ringInstance(tip uint8, clientsCount uint8, heights map[uint8]uint32) *Instance {
	clients := make(map[uint8]ClientCell, clientsCount)
	for id, h := range heights {
		clients[id] = clientCellWithHeight(id, h)
	}
	return &Instance{
		Info:    InfoCell{Info: models.SpvInfo{TipClientID: tip}, ClientsCount: clientsCount},
		Clients: clients,
	}
}

func TestPrevNextTipClientIDWrapAround(t *testing.T) {
	info := InfoCell{Info: models.SpvInfo{TipClientID: 0}, ClientsCount: 5}
	if got := info.PrevTipClientID(); got != 4 {
		t.Fatalf("PrevTipClientID at tip 0 = %d, want 4", got)
	}
	if got := info.NextTipClientID(); got != 1 {
		t.Fatalf("NextTipClientID at tip 0 = %d, want 1", got)
	}

	info.Info.TipClientID = 4
	if got := info.NextTipClientID(); got != 0 {
		t.Fatalf("NextTipClientID at tip 4 (last) = %d, want 0 (wrap)", got)
	}
	if got := info.PrevTipClientID(); got != 3 {
		t.Fatalf("PrevTipClientID at tip 4 = %d, want 3", got)
	}
}

func TestFindTipSPVClient(t *testing.T) {
	inst := ringInstance(2, 5, map[uint8]uint32{0: 100, 1: 200, 2: 300, 3: 0, 4: 0})
	cell, err := inst.FindTipSPVClient()
	if err != nil {
		t.Fatalf("FindTipSPVClient: %v", err)
	}
	if cell.Client.ID != 2 {
		t.Fatalf("tip client id = %d, want 2", cell.Client.ID)
	}
}

func TestFindTipSPVClientMissing(t *testing.T) {
	inst := &Instance{Info: InfoCell{Info: models.SpvInfo{TipClientID: 3}, ClientsCount: 5}, Clients: map[uint8]ClientCell{}}
	if _, err := inst.FindTipSPVClient(); err == nil {
		t.Fatalf("expected error for missing tip client")
	}
}

func TestFindBestSPVClientNotGreaterThanHeight(t *testing.T) {
	// Ring order 0..4, tip at 2. Heights decrease walking backwards from
	// tip: 2->300, 1->200, 0->100, 4->50, 3->10.
	inst := ringInstance(2, 5, map[uint8]uint32{0: 100, 1: 200, 2: 300, 3: 10, 4: 50})

	cell, err := inst.FindBestSPVClientNotGreaterThanHeight(150)
	if err != nil {
		t.Fatalf("FindBestSPVClientNotGreaterThanHeight: %v", err)
	}
	// Walking back from tip (2, height 300) through 1 (height 200), both
	// exceed 150; client 0 (height 100) is the first that qualifies.
	if cell.Client.ID != 0 {
		t.Fatalf("expected client 0, got %d", cell.Client.ID)
	}
}

func TestFindBestSPVClientNotGreaterThanHeightExhausted(t *testing.T) {
	inst := ringInstance(0, 2, map[uint8]uint32{0: 1000, 1: 2000})
	if _, err := inst.FindBestSPVClientNotGreaterThanHeight(1); err == nil {
		t.Fatalf("expected error when no client qualifies")
	}
}

func TestFindNthBeforeTip(t *testing.T) {
	inst := ringInstance(2, 5, map[uint8]uint32{0: 100, 1: 200, 2: 300, 3: 10, 4: 50})

	cell, err := inst.FindNthBeforeTip(0)
	if err != nil || cell.Client.ID != 2 {
		t.Fatalf("n=0 should be the tip itself, got %+v err=%v", cell, err)
	}
	cell, err = inst.FindNthBeforeTip(1)
	if err != nil || cell.Client.ID != 1 {
		t.Fatalf("n=1 should be client 1, got %+v err=%v", cell, err)
	}
	cell, err = inst.FindNthBeforeTip(3)
	if err != nil || cell.Client.ID != 4 {
		t.Fatalf("n=3 should wrap to client 4, got %+v err=%v", cell, err)
	}
}

func TestParseRawSPVCellsDisambiguatesByOutputDataLength(t *testing.T) {
	info := models.SpvInfo{TipClientID: 1}
	client0 := models.SpvClient{ID: 0}
	client1 := models.SpvClient{ID: 1}

	cells := []LiveCell{
		{OutputData: client0.Serialize()},
		{OutputData: info.Serialize()},
		{OutputData: client1.Serialize()},
	}

	inst, err := parseRawSPVCells(cells, 2)
	if err != nil {
		t.Fatalf("parseRawSPVCells: %v", err)
	}
	if inst.Info.Info.TipClientID != 1 {
		t.Fatalf("info cell not decoded correctly")
	}
	if len(inst.Clients) != 2 {
		t.Fatalf("expected 2 client cells, got %d", len(inst.Clients))
	}
}

func TestParseRawSPVCellsRejectsDuplicateInfoCell(t *testing.T) {
	info := models.SpvInfo{TipClientID: 0}
	cells := []LiveCell{
		{OutputData: info.Serialize()},
		{OutputData: info.Serialize()},
	}
	if _, err := parseRawSPVCells(cells, 0); err == nil {
		t.Fatalf("expected error for duplicate info cell")
	}
}
