package bitcoin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// rpcStub answers a fixed map of method -> JSON result, mimicking a
// JSON-RPC 1.0 Bitcoin node closely enough to exercise the client's framing.
func rpcStub(t *testing.T, results map[string]json.RawMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JSONRPC != "1.0" {
			t.Fatalf("expected jsonrpc 1.0, got %q", req.JSONRPC)
		}
		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}
		resp := rpcResponse{ID: req.ID, Result: result}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
}

func TestGetTipHeight(t *testing.T) {
	hash := models.Hash256{0x01}
	srv := rpcStub(t, map[string]json.RawMessage{
		"getbestblockhash": mustJSON(t, rpcHashString(hash)),
		"getblockstats":    mustJSON(t, blockStats{Height: 42}),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	height, gotHash, err := c.GetTipHeight(context.Background())
	if err != nil {
		t.Fatalf("GetTipHeight: %v", err)
	}
	if height != 42 {
		t.Fatalf("height = %d, want 42", height)
	}
	if gotHash != hash {
		t.Fatalf("hash mismatch")
	}
}

func TestGetBlockHeaderByHeight(t *testing.T) {
	header := &models.BlockHeader{Height: 100, Version: 1, Time: 1600000000, Bits: 0x1d00ffff}
	hash := header.Hash()

	srv := rpcStub(t, map[string]json.RawMessage{
		"getblockhash":   mustJSON(t, rpcHashString(hash)),
		"getblockheader": mustJSON(t, hex.EncodeToString(header.Serialize())),
	})
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	got, err := c.GetBlockHeaderByHeight(context.Background(), 100)
	if err != nil {
		t.Fatalf("GetBlockHeaderByHeight: %v", err)
	}
	if got.Hash() != hash {
		t.Fatalf("round-tripped header hash mismatch")
	}
	if got.Height != 100 {
		t.Fatalf("height not threaded through: got %d", got.Height)
	}
}

func TestGetHeadersStopsOnChainBreak(t *testing.T) {
	base := &models.BlockHeader{Height: 10, Bits: 0x1d00ffff}
	next := &models.BlockHeader{Height: 11, Bits: 0x1d00ffff, PrevBlock: models.Hash256{0xff}} // wrong prev hash

	hashesByHeight := map[uint32]models.Hash256{10: base.Hash(), 11: next.Hash()}
	headersByHash := map[models.Hash256]*models.BlockHeader{base.Hash(): base, next.Hash(): next}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		params, _ := req.Params.([]interface{})
		switch req.Method {
		case "getblockhash":
			h := uint32(params[0].(float64))
			json.NewEncoder(w).Encode(rpcResponse{ID: req.ID, Result: mustRaw(t, rpcHashString(hashesByHeight[h]))})
		case "getblockheader":
			hashHex := params[0].(string)
			hash, _ := parseRPCHash(hashHex)
			hdr := headersByHash[hash]
			json.NewEncoder(w).Encode(rpcResponse{ID: req.ID, Result: mustRaw(t, hex.EncodeToString(hdr.Serialize()))})
		}
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	headers, err := c.GetHeaders(context.Background(), 10, 11, base.PrevBlock)
	if err != nil {
		t.Fatalf("GetHeaders: %v", err)
	}
	if headers != nil {
		t.Fatalf("expected nil (chain break) result, got %d headers", len(headers))
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	return mustJSON(t, v)
}
