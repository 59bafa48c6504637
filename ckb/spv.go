package ckb

import (
	"context"
	"fmt"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// InfoCell is the decoded SPV info cell plus the live cell that carries it.
type InfoCell struct {
	Info         models.SpvInfo
	Cell         LiveCell
	ClientsCount uint8
}

// ClientCell is one decoded SPV client cell plus the live cell that carries
// it.
type ClientCell struct {
	Client models.SpvClient
	Cell   LiveCell
}

// Instance is the full on-chain SPV ring: one info cell plus its N client
// cells, indexed by client ID.
type Instance struct {
	Info    InfoCell
	Clients map[uint8]ClientCell
}

// PrevTipClientID returns the client ID immediately before the current
// tip in ring order.
func (c InfoCell) PrevTipClientID() uint8 {
	if c.Info.TipClientID == 0 {
		return c.ClientsCount - 1
	}
	return c.Info.TipClientID - 1
}

// NextTipClientID returns the client ID immediately after the current tip
// in ring order.
func (c InfoCell) NextTipClientID() uint8 {
	next := c.Info.TipClientID + 1
	if next < c.ClientsCount {
		return next
	}
	return 0
}

// FindRawSPVCells fetches the info cell and every client cell for the
// given SPV type script, and checks the cell count matches clientsCount+1
// (the only validation original_source performs before trusting the
// result: it relies on the type script + cell count, not cell content, to
// establish which cells belong to the ring).
func (c *Client) FindRawSPVCells(ctx context.Context, spvTypeScript Script, clientsCount uint8) ([]LiveCell, error) {
	cells, err := c.GetCellsByTypeScript(ctx, spvTypeScript)
	if err != nil {
		return nil, err
	}
	expected := int(clientsCount) + 1
	if len(cells) != expected {
		return nil, fmt.Errorf("ckb: spv cell count mismatch: expected %d, got %d", expected, len(cells))
	}
	return cells, nil
}

// FindSPVCells fetches and decodes the SPV ring.
func (c *Client) FindSPVCells(ctx context.Context, spvTypeScript Script, clientsCount uint8) (*Instance, error) {
	cells, err := c.FindRawSPVCells(ctx, spvTypeScript, clientsCount)
	if err != nil {
		return nil, err
	}
	return parseRawSPVCells(cells, clientsCount)
}

func parseRawSPVCells(cells []LiveCell, clientsCount uint8) (*Instance, error) {
	var infoCell *InfoCell
	clients := make(map[uint8]ClientCell, len(cells))
	for _, cell := range cells {
		switch len(cell.OutputData) {
		case models.SpvClientSize:
			client, err := models.DeserializeSpvClient(cell.OutputData)
			if err != nil {
				return nil, fmt.Errorf("ckb: decode spv client cell: %w", err)
			}
			clients[client.ID] = ClientCell{Client: *client, Cell: cell}
		case models.SpvInfoSize:
			if infoCell != nil {
				return nil, fmt.Errorf("ckb: more than one spv info cell found")
			}
			info, err := models.DeserializeSpvInfo(cell.OutputData)
			if err != nil {
				return nil, fmt.Errorf("ckb: decode spv info cell: %w", err)
			}
			infoCell = &InfoCell{Info: *info, Cell: cell, ClientsCount: clientsCount}
		default:
			return nil, fmt.Errorf("ckb: unexpected spv cell data length %d", len(cell.OutputData))
		}
	}
	if infoCell == nil {
		return nil, fmt.Errorf("ckb: spv info cell is missing")
	}
	return &Instance{Info: *infoCell, Clients: clients}, nil
}

// FindTipSPVClient returns the client cell currently marked as the ring's
// tip.
func (inst *Instance) FindTipSPVClient() (*ClientCell, error) {
	cell, ok := inst.Clients[inst.Info.Info.TipClientID]
	if !ok {
		return nil, fmt.Errorf("ckb: spv client (id=%d) not found", inst.Info.Info.TipClientID)
	}
	return &cell, nil
}

// FindBestSPVClientNotGreaterThanHeight walks the ring backwards from the
// tip, client by client, returning the first one whose covered max height
// does not exceed the given height. This mirrors original_source's
// strategy for serving getTxProof against a client cell old enough that
// its committed root cannot be rolled back from under the caller by a
// subsequent update.
func (inst *Instance) FindBestSPVClientNotGreaterThanHeight(height uint32) (*ClientCell, error) {
	info := inst.Info
	for i := 0; i < len(inst.Clients); i++ {
		cell, ok := inst.Clients[info.Info.TipClientID]
		if !ok {
			return nil, fmt.Errorf("ckb: spv client (id=%d) not found", info.Info.TipClientID)
		}
		if cell.Client.HeadersMMRRoot.MaxHeight <= height {
			return &cell, nil
		}
		info.Info.TipClientID = info.PrevTipClientID()
	}
	return nil, fmt.Errorf("ckb: all spv clients have better heights than requested (height=%d)", height)
}

// FindNthBeforeTip returns the client cell n positions behind the current
// tip in ring order (n=0 is the tip itself, n=1 the previous client, etc).
func (inst *Instance) FindNthBeforeTip(n uint8) (*ClientCell, error) {
	info := inst.Info
	id := info.Info.TipClientID
	for i := uint8(0); i < n; i++ {
		info.Info.TipClientID = id
		id = info.PrevTipClientID()
	}
	cell, ok := inst.Clients[id]
	if !ok {
		return nil, fmt.Errorf("ckb: spv client (id=%d) not found", id)
	}
	return &cell, nil
}
