package ckb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func rpcStub(t *testing.T, results map[string]json.RawMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JSONRPC != "2.0" {
			t.Fatalf("expected jsonrpc 2.0, got %q", req.JSONRPC)
		}
		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}
		if err := json.NewEncoder(w).Encode(rpcResponse{ID: req.ID, Result: result}); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestGetCellsByTypeScript(t *testing.T) {
	srv := rpcStub(t, map[string]json.RawMessage{
		"get_cells": mustJSON(t, getCellsResult{
			Objects: []indexerCellRaw{
				{
					OutPoint: OutPoint{TxHash: "0xabc", Index: "0x0"},
					Output: struct {
						Capacity string  `json:"capacity"`
						Lock     Script  `json:"lock"`
						Type     *Script `json:"type"`
					}{Capacity: "0x3e8", Lock: Script{CodeHash: "0x01", HashType: "type", Args: "0x02"}},
					OutputData:  "0xdeadbeef",
					BlockNumber: "0x64",
				},
			},
		}),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	cells, err := c.GetCellsByTypeScript(context.Background(), Script{CodeHash: "0x01", HashType: "type", Args: "0x02"})
	if err != nil {
		t.Fatalf("GetCellsByTypeScript: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}
	if cells[0].BlockNumber != 0x64 {
		t.Fatalf("block number = %d, want 100", cells[0].BlockNumber)
	}
	if len(cells[0].OutputData) != 4 {
		t.Fatalf("output data not decoded, got %x", cells[0].OutputData)
	}
}

func TestGetCellsByLockScript(t *testing.T) {
	srv := rpcStub(t, map[string]json.RawMessage{
		"get_cells": mustJSON(t, getCellsResult{
			Objects: []indexerCellRaw{
				{
					OutPoint: OutPoint{TxHash: "0xdef", Index: "0x1"},
					Output: struct {
						Capacity string  `json:"capacity"`
						Lock     Script  `json:"lock"`
						Type     *Script `json:"type"`
					}{Capacity: "0x174876e800", Lock: Script{CodeHash: "0x03", HashType: "type", Args: "0x04"}},
					OutputData:  "0x",
					BlockNumber: "0x1",
				},
			},
		}),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	cells, err := c.GetCellsByLockScript(context.Background(), Script{CodeHash: "0x03", HashType: "type", Args: "0x04"})
	if err != nil {
		t.Fatalf("GetCellsByLockScript: %v", err)
	}
	if len(cells) != 1 || cells[0].Output.Capacity != "0x174876e800" {
		t.Fatalf("unexpected cells: %+v", cells)
	}
}

func TestDynamicFeeRate(t *testing.T) {
	srv := rpcStub(t, map[string]json.RawMessage{
		"get_fee_rate_statistics": mustJSON(t, feeRateStatistics{Median: "0x3e8"}),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	rate, err := c.DynamicFeeRate(context.Background())
	if err != nil {
		t.Fatalf("DynamicFeeRate: %v", err)
	}
	if rate != 1000 {
		t.Fatalf("rate = %d, want 1000", rate)
	}
}

func TestSendTransactionExtDryRun(t *testing.T) {
	srv := rpcStub(t, map[string]json.RawMessage{
		"estimate_cycles": mustJSON(t, estimateCyclesResult{Cycles: "0x100"}),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	hash, err := c.SendTransactionExt(context.Background(), map[string]interface{}{}, "0xfeedface", true)
	if err != nil {
		t.Fatalf("SendTransactionExt: %v", err)
	}
	if hash != "0xfeedface" {
		t.Fatalf("dry run should echo back the precomputed hash, got %q", hash)
	}
}

func TestSendTransactionExtSubmits(t *testing.T) {
	srv := rpcStub(t, map[string]json.RawMessage{
		"estimate_cycles":  mustJSON(t, estimateCyclesResult{Cycles: "0x100"}),
		"send_transaction": mustJSON(t, "0xabc123"),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	hash, err := c.SendTransactionExt(context.Background(), map[string]interface{}{}, "0xfeedface", false)
	if err != nil {
		t.Fatalf("SendTransactionExt: %v", err)
	}
	if hash != "0xabc123" {
		t.Fatalf("hash = %q, want the node's returned hash", hash)
	}
}

func TestGetTransactionStatus(t *testing.T) {
	srv := rpcStub(t, map[string]json.RawMessage{
		"get_transaction": mustJSON(t, transactionWithStatus{
			TxStatus: struct {
				Status string `json:"status"`
			}{Status: "committed"},
		}),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	status, err := c.GetTransactionStatus(context.Background(), "0xabc123")
	if err != nil {
		t.Fatalf("GetTransactionStatus: %v", err)
	}
	if status != "committed" {
		t.Fatalf("status = %q, want committed", status)
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := rpcResponse{ID: req.ID, Error: &rpcError{Code: -32000, Message: "boom"}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	if _, err := c.DynamicFeeRate(context.Background()); err == nil {
		t.Fatalf("expected rpc error to propagate")
	}
}
