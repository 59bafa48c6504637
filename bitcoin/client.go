// Package bitcoin implements the read-only Bitcoin source client (C4): a
// blocking JSON-RPC 1.0 client, grounded on original_source's
// bitcoin_client.rs for the exact call list and the JSON-RPC 1.0 framing
// quirk (bare {"id","jsonrpc":"1.0","method","params"} objects, no
// batching), and on flokiorg-go-flokicoin's rpcclient package for the
// idiom of implementing a Bitcoin-family JSON-RPC client directly over
// net/http + encoding/json rather than a generic JSON-RPC library.
package bitcoin

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

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/merkle"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// Client is a blocking JSON-RPC 1.0 client for a single Bitcoin node.
type Client struct {
	httpClient *http.Client
	endpoint   string
	username   string
	password   string
	nextID     atomic.Uint64
}

// Config configures a Client.
type Config struct {
	Endpoint string
	Username string // optional
	Password string // optional
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
		username:   cfg.Username,
		password:   cfg.Password,
	}
}

type rpcRequest struct {
	ID      uint64      `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcResponse is parsed defensively: a conforming JSON-RPC 1.0 server
// should populate exactly one of Result/Error, but nothing stops a
// non-conforming one from setting both.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("bitcoin rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	req := rpcRequest{
		ID:      c.nextID.Add(1),
		JSONRPC: "1.0",
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bitcoin: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bitcoin: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("bitcoin: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bitcoin: %s: read body: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK && len(raw) == 0 {
		return fmt.Errorf("bitcoin: %s: http status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("bitcoin: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return fmt.Errorf("bitcoin: %s: empty result", method)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("bitcoin: %s: decode result: %w", method, err)
	}
	return nil
}

// GetBestBlockHash calls getbestblockhash.
func (c *Client) GetBestBlockHash(ctx context.Context) (models.Hash256, error) {
	var hex string
	if err := c.call(ctx, "getbestblockhash", nil, &hex); err != nil {
		return models.Hash256{}, err
	}
	return parseRPCHash(hex)
}

// GetBlockHash calls getblockhash(height).
func (c *Client) GetBlockHash(ctx context.Context, height uint32) (models.Hash256, error) {
	var hex string
	if err := c.call(ctx, "getblockhash", []interface{}{height}, &hex); err != nil {
		return models.Hash256{}, err
	}
	return parseRPCHash(hex)
}

type blockStats struct {
	Height uint32 `json:"height"`
}

// GetBlockHeight calls getblockstats(hash, ["height"]).
func (c *Client) GetBlockHeight(ctx context.Context, hash models.Hash256) (uint32, error) {
	var stats blockStats
	if err := c.call(ctx, "getblockstats", []interface{}{rpcHashString(hash), []string{"height"}}, &stats); err != nil {
		return 0, err
	}
	return stats.Height, nil
}

// GetTipHeight returns the height of the current best block.
func (c *Client) GetTipHeight(ctx context.Context) (uint32, models.Hash256, error) {
	hash, err := c.GetBestBlockHash(ctx)
	if err != nil {
		return 0, models.Hash256{}, err
	}
	height, err := c.GetBlockHeight(ctx, hash)
	if err != nil {
		return 0, models.Hash256{}, err
	}
	return height, hash, nil
}

// GetBlockHeader calls getblockheader(hash, verbose=false) and parses the
// raw 80-byte header.
func (c *Client) GetBlockHeader(ctx context.Context, hash models.Hash256, height uint32) (*models.BlockHeader, error) {
	var hexHeader string
	if err := c.call(ctx, "getblockheader", []interface{}{rpcHashString(hash), false}, &hexHeader); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexHeader)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: decode header hex: %w", err)
	}
	return models.DeserializeBlockHeader(height, raw)
}

// GetBlockHeaderByHeight resolves height to a hash and then fetches the
// header.
func (c *Client) GetBlockHeaderByHeight(ctx context.Context, height uint32) (*models.BlockHeader, error) {
	hash, err := c.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	return c.GetBlockHeader(ctx, hash, height)
}

// TxOutProof is the result of gettxoutproof: the raw serialised merkle
// block and its extracted block hash.
type TxOutProof struct {
	RawBytes  []byte
	BlockHash models.Hash256
}

// GetTxOutProof calls gettxoutproof([txid]) and extracts the containing
// block's hash from the merkle block header embedded in the proof.
func (c *Client) GetTxOutProof(ctx context.Context, txid models.Hash256) (*TxOutProof, error) {
	var hexProof string
	if err := c.call(ctx, "gettxoutproof", []interface{}{[]string{rpcHashString(txid)}}, &hexProof); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexProof)
	if err != nil {
		return nil, fmt.Errorf("bitcoin: decode tx-out-proof hex: %w", err)
	}
	if len(raw) < models.HeaderSize {
		return nil, fmt.Errorf("bitcoin: tx-out-proof too short (%d bytes)", len(raw))
	}
	header, err := models.DeserializeBlockHeader(0, raw[:models.HeaderSize])
	if err != nil {
		return nil, err
	}

	tree, err := merkle.ParsePartialMerkleTree(raw[models.HeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("bitcoin: parse partial merkle tree: %w", err)
	}
	root, matches, err := tree.ExtractRoot()
	if err != nil {
		return nil, fmt.Errorf("bitcoin: extract merkle root: %w", err)
	}
	rawRoot, err := root.Raw()
	if err != nil {
		return nil, fmt.Errorf("bitcoin: unwrap extracted merkle root: %w", err)
	}
	if rawRoot != [32]byte(header.MerkleRoot) {
		return nil, fmt.Errorf("bitcoin: tx-out-proof merkle root mismatch, node may be lying or corrupt")
	}
	matched := false
	for _, m := range matches {
		if m.TxID == [32]byte(txid) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, fmt.Errorf("bitcoin: tx-out-proof does not include the requested txid")
	}

	return &TxOutProof{RawBytes: raw, BlockHash: header.Hash()}, nil
}

// GetHeaders downloads the contiguous height range [start, end], verifying
// each header's PrevBlock against the previous one to defend against the
// source chain reorganising mid-download. Returns nil (no error) if the
// link breaks partway through, signalling the caller should retry.
func (c *Client) GetHeaders(ctx context.Context, start, end uint32, expectedStartPrevHash models.Hash256) ([]*models.BlockHeader, error) {
	if end < start {
		return nil, fmt.Errorf("bitcoin: GetHeaders: end %d before start %d", end, start)
	}
	out := make([]*models.BlockHeader, 0, end-start+1)
	prevHash := expectedStartPrevHash
	for h := start; h <= end; h++ {
		header, err := c.GetBlockHeaderByHeight(ctx, h)
		if err != nil {
			return nil, err
		}
		if header.PrevBlock != prevHash {
			// The source chain moved under us; caller should retry.
			return nil, nil
		}
		out = append(out, header)
		prevHash = header.Hash()
	}
	return out, nil
}

func rpcHashString(h models.Hash256) string {
	return h.String()
}

func parseRPCHash(s string) (models.Hash256, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return models.Hash256{}, fmt.Errorf("bitcoin: decode hash hex: %w", err)
	}
	if len(raw) != 32 {
		return models.Hash256{}, fmt.Errorf("bitcoin: hash must be 32 bytes, got %d", len(raw))
	}
	var h models.Hash256
	for i := range raw {
		h[i] = raw[31-i]
	}
	return h, nil
}
