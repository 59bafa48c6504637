// Package rpcapi implements the proof RPC service (C9): a single
// getTxProof JSON-RPC method served over HTTP, grounded on
// original_source's components/api_service.rs.
package rpcapi

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/bitcoin"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/ckb"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/headerstore"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
)

// Error codes per the getTxProof JSON-RPC contract.
const (
	CodeStorageTxTooNew        = 23101
	CodeStorageTxUnconfirmed   = 23102
	CodeStorageHeaderMissing   = 23301
	CodeStorageHeaderUnmatched = 23302
	CodeOnchainTxUnconfirmed   = 25101
	CodeOnchainReorgRequired   = 25901
)

const spvInstanceTTL = 10 * time.Minute

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

func newRPCError(code int, format string, args ...interface{}) *rpcError {
	return &rpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Service serves the getTxProof JSON-RPC method plus /ping and /metrics.
type Service struct {
	log   *slog.Logger
	btc   *bitcoin.Client
	ckb   *ckb.Client
	store *headerstore.Store

	spvTypeScript ckb.Script
	clientsCount  uint8

	mu          sync.RWMutex
	instance    *lru.LRU[string, *ckb.Instance]
	metricsOnce sync.Once

	requestDuration prometheus.Histogram
	requestErrors   *prometheus.CounterVec
}

const instanceCacheKey = "spv-instance"

// New builds a Service. spvTypeScript and clientsCount identify the ring
// this service proves membership against.
func New(log *slog.Logger, btc *bitcoin.Client, ckbCli *ckb.Client, store *headerstore.Store, spvTypeScript ckb.Script, clientsCount uint8) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:           log,
		btc:           btc,
		ckb:           ckbCli,
		store:         store,
		spvTypeScript: spvTypeScript,
		clientsCount:  clientsCount,
		instance:      lru.NewLRU[string, *ckb.Instance](1, nil, spvInstanceTTL),
	}
	s.requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "spv_bridge_get_tx_proof_duration_seconds",
		Help: "Latency of getTxProof requests.",
	})
	s.requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spv_bridge_get_tx_proof_errors_total",
		Help: "getTxProof requests that returned an error, by code.",
	}, []string{"code"})
	return s
}

// Router builds the HTTP router: POST / for JSON-RPC, GET /ping for health,
// GET /metrics for Prometheus scraping. CORS allows any origin, matching
// original_source's AccessControlAllowOrigin::Any.
func (s *Service) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ping", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = w.Write([]byte("pong"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	return r
}

type jsonRPCRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Service) handleRPC(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	var rpcReq jsonRPCRequest
	if err := json.NewDecoder(req.Body).Decode(&rpcReq); err != nil {
		writeResponse(w, nil, nil, newRPCError(-32700, "parse error: %v", err))
		return
	}
	if rpcReq.Method != "getTxProof" {
		writeResponse(w, rpcReq.ID, nil, newRPCError(-32601, "method %q not found", rpcReq.Method))
		return
	}

	var params [3]interface{}
	if err := json.Unmarshal(rpcReq.Params, &params); err != nil {
		writeResponse(w, rpcReq.ID, nil, newRPCError(-32602, "invalid params: %v", err))
		return
	}
	txHashHex, _ := params[0].(string)
	txIndex, confirmations, err := parseUintParams(params[1], params[2])
	if err != nil {
		writeResponse(w, rpcReq.ID, nil, newRPCError(-32602, "invalid params: %v", err))
		return
	}

	start := time.Now()
	result, rpcErr := s.getTxProof(req.Context(), txHashHex, txIndex, confirmations)
	s.requestDuration.Observe(time.Since(start).Seconds())
	if rpcErr != nil {
		s.requestErrors.WithLabelValues(fmt.Sprintf("%d", rpcErr.Code)).Inc()
	}
	writeResponse(w, rpcReq.ID, result, rpcErr)
}

func writeResponse(w http.ResponseWriter, id json.RawMessage, result interface{}, rpcErr *rpcError) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	_ = json.NewEncoder(w).Encode(resp)
}

func parseUintParams(a, b interface{}) (uint32, uint32, error) {
	af, ok := a.(float64)
	if !ok {
		return 0, 0, fmt.Errorf("tx_index must be a number")
	}
	bf, ok := b.(float64)
	if !ok {
		return 0, 0, fmt.Errorf("confirmations must be a number")
	}
	return uint32(af), uint32(bf), nil
}

// BitcoinTxProof is the getTxProof response body.
type BitcoinTxProof struct {
	SpvClient ckb.OutPoint `json:"spv_client"`
	Proof     []byte       `json:"proof"`
}

func (s *Service) getTxProof(ctx context.Context, txHashHex string, txIndex, confirmations uint32) (*BitcoinTxProof, *rpcError) {
	txHash, err := parseHash(txHashHex)
	if err != nil {
		return nil, newRPCError(-32602, "invalid tx hash: %v", err)
	}

	txOutProof, err := s.btc.GetTxOutProof(ctx, txHash)
	if err != nil {
		return nil, newRPCError(-32603, "failed to get tx out proof: %v", err)
	}
	targetHeight, err := s.btc.GetBlockHeight(ctx, txOutProof.BlockHash)
	if err != nil {
		return nil, newRPCError(-32603, "failed to get block height: %v", err)
	}

	stgTipHeight, _, err := s.store.TipState(ctx)
	if err != nil {
		return nil, newRPCError(-32603, "failed to read tip state: %v", err)
	}
	if stgTipHeight < targetHeight {
		return nil, newRPCError(CodeStorageTxTooNew, "target tx is in header#%d, but storage tip is header#%d", targetHeight, stgTipHeight)
	}
	if stgTipHeight < targetHeight+confirmations {
		return nil, newRPCError(CodeStorageTxUnconfirmed, "target tx in header#%d needs %d confirmations, storage tip is header#%d", targetHeight, confirmations, stgTipHeight)
	}

	stgHeader, err := s.store.HeaderAt(ctx, targetHeight)
	if err != nil {
		return nil, newRPCError(CodeStorageHeaderMissing, "storage has no header at height %d: %v", targetHeight, err)
	}
	if stgHeader.Hash() != txOutProof.BlockHash {
		return nil, newRPCError(CodeStorageHeaderUnmatched, "header#%d hash mismatch between storage and remote", targetHeight)
	}

	instance, err := s.cachedInstance(ctx)
	if err != nil {
		return nil, newRPCError(-32603, "failed to load spv instance: %v", err)
	}

	best, err := instance.FindBestSPVClientNotGreaterThanHeight(stgTipHeight)
	if err != nil {
		return nil, newRPCError(-32603, "failed to find spv client: %v", err)
	}
	hStar := best.Client.HeadersMMRRoot.MaxHeight
	if hStar < targetHeight+confirmations {
		return nil, newRPCError(CodeOnchainTxUnconfirmed, "target tx in header#%d needs %d confirmations, best on-chain header is #%d", targetHeight, confirmations, hStar)
	}
	localRoot, err := s.rootMatches(ctx, hStar, best.Client.HeadersMMRRoot)
	if err != nil {
		return nil, newRPCError(-32603, "failed to compute local mmr root: %v", err)
	}

	chosen := best
	if !localRoot {
		// Strategy 2: reorg-tolerant, 20% behind the tip.
		n := s.clientsCount / 5
		alt, err := instance.FindNthBeforeTip(n)
		if err != nil {
			return nil, newRPCError(-32603, "failed to find fallback spv client: %v", err)
		}
		hStar = alt.Client.HeadersMMRRoot.MaxHeight
		if hStar < targetHeight+confirmations {
			return nil, newRPCError(CodeOnchainReorgRequired, "fallback on-chain header #%d does not confirm target tx in header#%d", hStar, targetHeight)
		}
		ok, err := s.rootMatches(ctx, hStar, alt.Client.HeadersMMRRoot)
		if err != nil {
			return nil, newRPCError(-32603, "failed to compute local mmr root: %v", err)
		}
		if !ok {
			return nil, newRPCError(CodeOnchainReorgRequired, "local mmr root does not match any on-chain spv client")
		}
		chosen = alt
	}

	headerProof, err := s.store.GenerateHeadersProof(ctx, hStar, []uint32{targetHeight})
	if err != nil {
		return nil, newRPCError(-32603, "failed to generate headers proof: %v", err)
	}

	proofBytes := encodeTransactionProof(txIndex, targetHeight, txOutProof.RawBytes, headerProof)
	return &BitcoinTxProof{SpvClient: chosen.Cell.OutPoint, Proof: proofBytes}, nil
}

func (s *Service) rootMatches(ctx context.Context, height uint32, onchainRoot models.HeaderDigest) (bool, error) {
	_, localRoot, err := s.store.ChainRootMMR(ctx, height)
	if err != nil {
		return false, err
	}
	return localRoot.Equal(onchainRoot), nil
}

func (s *Service) cachedInstance(ctx context.Context) (*ckb.Instance, error) {
	s.mu.RLock()
	if inst, ok := s.instance.Get(instanceCacheKey); ok {
		s.mu.RUnlock()
		return inst, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instance.Get(instanceCacheKey); ok {
		return inst, nil
	}
	inst, err := s.ckb.FindSPVCells(ctx, s.spvTypeScript, s.clientsCount)
	if err != nil {
		return nil, err
	}
	s.instance.Add(instanceCacheKey, inst)
	return inst, nil
}

// encodeTransactionProof packs the TransactionProof payload returned as
// getTxProof's proof bytes: tx_index(4) || height(4) ||
// len(tx_out_proof)(4) || tx_out_proof || header_proof.
func encodeTransactionProof(txIndex, height uint32, txOutProof []byte, headerProof models.MMRProofBytes) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], txIndex)
	binary.BigEndian.PutUint32(buf[4:8], height)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(txOutProof)))
	buf = append(buf, lenBuf...)
	buf = append(buf, txOutProof...)
	buf = append(buf, headerProof...)
	return buf
}

func parseHash(s string) (models.Hash256, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return models.Hash256{}, err
	}
	if len(raw) != 32 {
		return models.Hash256{}, fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	var h models.Hash256
	copy(h[:], raw)
	return h, nil
}
