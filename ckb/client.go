// Package ckb implements the CKB-side RPC/indexer client (C5) and the SPV
// ring model built on top of it (C6), grounded on original_source's
// ckb_client.rs and spv_service.rs.
package ckb

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client is a JSON-RPC 2.0 client for a CKB node's combined RPC + indexer
// endpoint (ckb_indexer is usually exposed on the same port as the node's
// own RPC since CKB 0.100).
type Client struct {
	httpClient *http.Client
	endpoint   string
	nextID     atomic.Uint64
}

// Config configures a Client.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// New creates a Client. A zero Timeout defaults to 30 seconds.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
	}
}

type rpcRequest struct {
	ID      uint64        `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("ckb rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("ckb rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	req := rpcRequest{ID: c.nextID.Add(1), JSONRPC: "2.0", Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("ckb: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ckb: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ckb: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ckb: %s: read body: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("ckb: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("ckb: %s: decode result: %w", method, err)
	}
	return nil
}

// Script is a CKB lock/type script.
type Script struct {
	CodeHash string `json:"code_hash"`
	HashType string `json:"hash_type"`
	Args     string `json:"args"` // 0x-hex
}

// ParseScriptJSON decodes a Script from its JSON form, the format this
// module persists cached scripts and cell deps in (see headerstore's
// SaveCellsState).
func ParseScriptJSON(raw []byte) (Script, error) {
	var s Script
	if err := json.Unmarshal(raw, &s); err != nil {
		return Script{}, fmt.Errorf("ckb: decode script json: %w", err)
	}
	return s, nil
}

// ParseCellDepJSON decodes a CellDep from its JSON form.
func ParseCellDepJSON(raw []byte) (CellDep, error) {
	var d CellDep
	if err := json.Unmarshal(raw, &d); err != nil {
		return CellDep{}, fmt.Errorf("ckb: decode cell dep json: %w", err)
	}
	return d, nil
}

// CellDep references a dependency cell by out point plus dep type.
type CellDep struct {
	OutPoint OutPoint `json:"out_point"`
	DepType  string   `json:"dep_type"` // "code" | "dep_group"
}

// OutPoint identifies a cell by its creating transaction and output index.
type OutPoint struct {
	TxHash string `json:"tx_hash"`
	Index  string `json:"index"` // 0x-hex uint32
}

// LiveCell is a cell returned by the indexer's get_cells, with its output
// data decoded from hex.
type LiveCell struct {
	OutPoint    OutPoint `json:"out_point"`
	Output      CellOutput
	OutputData  []byte
	BlockNumber uint64
}

// CellOutput mirrors CKB's CellOutput structure.
type CellOutput struct {
	Capacity string  `json:"capacity"` // 0x-hex uint64
	Lock     Script  `json:"lock"`
	Type     *Script `json:"type"`
}

type indexerCellRaw struct {
	OutPoint OutPoint `json:"out_point"`
	Output   struct {
		Capacity string  `json:"capacity"`
		Lock     Script  `json:"lock"`
		Type     *Script `json:"type"`
	} `json:"output"`
	OutputData  string `json:"output_data"`
	BlockNumber string `json:"block_number"`
}

type getCellsResult struct {
	Objects    []indexerCellRaw `json:"objects"`
	LastCursor string           `json:"last_cursor"`
}

// GetCellsByTypeScript queries the indexer for every live cell whose type
// script exactly matches typeScript, ordered descending by out point (the
// same order original_source relies on to keep the SPV info cell and its N
// client cells in a stable, deterministic sequence).
func (c *Client) GetCellsByTypeScript(ctx context.Context, typeScript Script) ([]LiveCell, error) {
	searchKey := map[string]interface{}{
		"script":      typeScript,
		"script_type": "type",
	}
	return c.getCells(ctx, searchKey)
}

// GetCellsByLockScript queries the indexer for every live cell locked by
// lockScript with no type script, ordered descending by out point: the
// signer's spendable balance, used by an InputIterator to pull change
// inputs into a transaction lazily, one at a time, as more capacity is
// needed.
func (c *Client) GetCellsByLockScript(ctx context.Context, lockScript Script) ([]LiveCell, error) {
	searchKey := map[string]interface{}{
		"script":      lockScript,
		"script_type": "lock",
		"filter":      map[string]interface{}{"script_len_range": []string{"0x0", "0x1"}},
	}
	return c.getCells(ctx, searchKey)
}

func (c *Client) getCells(ctx context.Context, searchKey map[string]interface{}) ([]LiveCell, error) {
	var result getCellsResult
	if err := c.call(ctx, "get_cells", []interface{}{searchKey, "desc", "0xffffffff"}, &result); err != nil {
		return nil, err
	}
	cells := make([]LiveCell, 0, len(result.Objects))
	for _, raw := range result.Objects {
		data, err := decodeHex(raw.OutputData)
		if err != nil {
			return nil, fmt.Errorf("ckb: decode cell output data: %w", err)
		}
		blockNumber, err := decodeHexUint64(raw.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("ckb: decode cell block number: %w", err)
		}
		cells = append(cells, LiveCell{
			OutPoint: raw.OutPoint,
			Output: CellOutput{
				Capacity: raw.Output.Capacity,
				Lock:     raw.Output.Lock,
				Type:     raw.Output.Type,
			},
			OutputData:  data,
			BlockNumber: blockNumber,
		})
	}
	return cells, nil
}

type feeRateStatistics struct {
	Median string `json:"median"`
}

// DynamicFeeRate returns the network's current median fee rate in
// shannons/KB, via get_fee_rate_statistics(null).
func (c *Client) DynamicFeeRate(ctx context.Context) (uint64, error) {
	var stats *feeRateStatistics
	if err := c.call(ctx, "get_fee_rate_statistics", []interface{}{nil}, &stats); err != nil {
		return 0, err
	}
	if stats == nil {
		return 0, fmt.Errorf("ckb: get_fee_rate_statistics(null) returned null")
	}
	return decodeHexUint64(stats.Median)
}

type estimateCyclesResult struct {
	Cycles string `json:"cycles"`
}

// SendTransactionExt sends a signed transaction (already serialised as the
// node's JSON transaction format) unless dryRun is set, in which case it
// only runs estimate_cycles and returns the would-be transaction hash.
func (c *Client) SendTransactionExt(ctx context.Context, txJSON map[string]interface{}, txHash string, dryRun bool) (string, error) {
	var cycles estimateCyclesResult
	if err := c.call(ctx, "estimate_cycles", []interface{}{txJSON}, &cycles); err != nil {
		return "", fmt.Errorf("ckb: estimate_cycles: %w", err)
	}
	if dryRun {
		return txHash, nil
	}
	var sentHash string
	if err := c.call(ctx, "send_transaction", []interface{}{txJSON, "passthrough"}, &sentHash); err != nil {
		return "", fmt.Errorf("ckb: send_transaction: %w", err)
	}
	return sentHash, nil
}

type transactionWithStatus struct {
	TxStatus struct {
		Status string `json:"status"`
	} `json:"tx_status"`
}

// GetTransactionStatus returns a submitted transaction's pool status
// ("pending", "proposed", "committed", "unknown", or "rejected").
func (c *Client) GetTransactionStatus(ctx context.Context, txHash string) (string, error) {
	var result transactionWithStatus
	if err := c.call(ctx, "get_transaction", []interface{}{txHash}, &result); err != nil {
		return "", err
	}
	return result.TxStatus.Status, nil
}

func decodeHex(s string) ([]byte, error) {
	s = trimHexPrefix(s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func decodeHexUint64(s string) (uint64, error) {
	s = trimHexPrefix(s)
	if s == "" {
		return 0, nil
	}
	var v uint64
	_, err := fmt.Sscanf(s, "%x", &v)
	return v, err
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
