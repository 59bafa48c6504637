// Package reconcile implements the single-threaded reconciliation loop
// (C7) that keeps local storage and the on-chain SPV ring moving forward
// together, grounded on original_source's cli/serve.rs main loop.
package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/bitcoin"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/ckb"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/headerstore"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/txbuilder"
)

// Submitter sends an assembled transaction and reports its hash.
type Submitter interface {
	Submit(ctx context.Context, tx *txbuilder.Transaction, witnesses [][]byte) (txHash string, err error)
	TransactionStatus(ctx context.Context, txHash string) (status string, err error)
}

// Config controls the loop's pacing and batching, mirroring serve.rs's
// Args fields of the same names. Fee rate selection is mutually exclusive
// (SPEC_FULL.md §4.8/§6): either FeeRate is a fixed shannons/KB rate, or
// DynamicFeeRate is true and the loop queries the network's median rate on
// every balance, capped at FeeRateCap (0 meaning uncapped). New validates
// that exactly one mode is configured.
type Config struct {
	Interval                    time.Duration
	BitcoinHeadersDownloadLimit uint32
	SpvHeadersUpdateLimit       uint32
	FeeRate                     uint64
	DynamicFeeRate              bool
	FeeRateCap                  uint64
	DryRun                      bool
}

// Loop is the reconciliation loop: download Bitcoin headers into local
// storage, then whenever local storage is ahead of the on-chain ring,
// assemble and submit an Update transaction advancing it, or a Reorg
// transaction replacing the stale clients when the on-chain tip's root no
// longer matches local storage.
type Loop struct {
	cfg      Config
	log      *slog.Logger
	btc      *bitcoin.Client
	ckbCli   *ckb.Client
	store    *headerstore.Store
	submit   Submitter
	txCtx    txbuilder.Context
	changeLock ckb.Script

	prevTxHash string
}

// ErrFeeRateConfig is returned when a Config configures both a static fee
// rate and the dynamic fee rate, or neither.
var ErrFeeRateConfig = errors.New("reconcile: exactly one of a static fee rate or the dynamic fee rate must be configured")

// New builds a Loop from its collaborators.
func New(cfg Config, log *slog.Logger, btc *bitcoin.Client, ckbCli *ckb.Client, store *headerstore.Store, submit Submitter, txCtx txbuilder.Context, changeLock ckb.Script) (*Loop, error) {
	if log == nil {
		log = slog.Default()
	}
	if (cfg.FeeRate != 0) == cfg.DynamicFeeRate {
		return nil, ErrFeeRateConfig
	}
	return &Loop{cfg: cfg, log: log, btc: btc, ckbCli: ckbCli, store: store, submit: submit, txCtx: txCtx, changeLock: changeLock}, nil
}

// Run executes the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("starting the bitcoin spv reconciliation loop")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.tick(ctx); err != nil {
			l.log.Error("reconciliation tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.Interval):
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	if l.prevTxHash != "" {
		status, err := l.submit.TransactionStatus(ctx, l.prevTxHash)
		if err != nil {
			return fmt.Errorf("reconcile: check previous tx status: %w", err)
		}
		if status == "pending" || status == "proposed" {
			l.log.Debug("waiting for the previous transaction", "tx_hash", l.prevTxHash)
			return nil
		}
	}

	if err := l.syncStorage(ctx); err != nil {
		return fmt.Errorf("reconcile: sync storage: %w", err)
	}

	spvTypeScriptRaw, err := l.store.SpvContractTypeScript(ctx)
	if err != nil {
		return err
	}
	spvTypeScript, err := ckb.ParseScriptJSON(spvTypeScriptRaw)
	if err != nil {
		return fmt.Errorf("reconcile: parse stored spv type script: %w", err)
	}
	clientsCount, err := l.clientsCount(spvTypeScript)
	if err != nil {
		return err
	}
	instance, err := l.ckbCli.FindSPVCells(ctx, spvTypeScript, clientsCount)
	if err != nil {
		return fmt.Errorf("reconcile: find spv cells: %w", err)
	}
	currClient, err := instance.FindTipSPVClient()
	if err != nil {
		return err
	}

	_, localRootAtTip, err := l.store.ChainRootMMR(ctx, currClient.Client.HeadersMMRRoot.MaxHeight)
	if err != nil {
		return fmt.Errorf("reconcile: compute local root at on-chain tip height: %w", err)
	}

	if localRootAtTip.Equal(currClient.Client.HeadersMMRRoot) {
		return l.tickUpdate(ctx, instance, currClient)
	}
	return l.tickReorg(ctx, instance)
}

// tickUpdate advances the ring by exactly one client: the case where the
// on-chain tip's root still matches the locally verified chain and storage
// merely has more headers than the ring has committed.
func (l *Loop) tickUpdate(ctx context.Context, instance *ckb.Instance, currClient *ckb.ClientCell) error {
	nextClient, ok := instance.Clients[instance.Info.NextTipClientID()]
	if !ok {
		return fmt.Errorf("reconcile: next spv client (id=%d) not found", instance.Info.NextTipClientID())
	}

	spvTipHeight := currClient.Client.HeadersMMRRoot.MaxHeight
	stgTipHeight, _, err := l.store.TipState(ctx)
	if err != nil {
		return err
	}
	if stgTipHeight <= spvTipHeight {
		l.log.Debug("local storage is not ahead of the on-chain spv instance", "storage_tip", stgTipHeight, "spv_tip", spvTipHeight)
		return nil
	}

	spvClient, spvUpdate, err := l.store.GenerateSpvClientAndUpdate(ctx, spvTipHeight, l.cfg.SpvHeadersUpdateLimit)
	if err != nil {
		return fmt.Errorf("reconcile: generate spv client and update: %w", err)
	}

	tx, witnesses, err := txbuilder.BuildUpdate(l.txCtx, instance.Info, *currClient, nextClient, *spvClient, *spvUpdate, l.changeLock)
	if err != nil {
		return fmt.Errorf("reconcile: build update tx: %w", err)
	}
	if witnesses, err = l.balance(ctx, tx); err != nil {
		return fmt.Errorf("reconcile: balance update tx: %w", err)
	}

	txHash, err := l.submit.Submit(ctx, tx, witnesses)
	if err != nil {
		return fmt.Errorf("reconcile: submit update tx: %w", err)
	}
	l.prevTxHash = txHash
	l.log.Info("submitted spv update transaction", "tx_hash", txHash, "new_tip_height", spvClient.HeadersMMRRoot.MaxHeight)
	return nil
}

// balance tops up tx with the signer's own change inputs until its fee is
// covered, returning the (possibly grown) witness slice.
func (l *Loop) balance(ctx context.Context, tx *txbuilder.Transaction) ([][]byte, error) {
	feeRate := l.cfg.FeeRate
	feeRateCap := uint64(0)
	if l.cfg.DynamicFeeRate {
		var err error
		feeRate, err = txbuilder.FeeRate(ctx, l.ckbCli)
		if err != nil {
			return nil, fmt.Errorf("fetch fee rate: %w", err)
		}
		feeRateCap = l.cfg.FeeRateCap
	}

	changeCells, err := l.ckbCli.GetCellsByLockScript(ctx, l.changeLock)
	if err != nil {
		return nil, fmt.Errorf("fetch change candidates: %w", err)
	}
	if err := txbuilder.BalanceTransaction(tx, txbuilder.NewInputIterator(changeCells), feeRate, feeRateCap, l.changeLock); err != nil {
		return nil, err
	}
	return tx.Witnesses, nil
}

// ErrInstanceReset is returned when every client cell in the ring has
// diverged from the locally verified chain: there is no remaining client
// whose root can anchor a reorg transaction, so the instance needs
// reinitialising (the "Reset" case) rather than an automatic repair.
var ErrInstanceReset = errors.New("reconcile: every spv client has diverged from the local chain, the instance needs resetting")

// tickReorg handles the case where the on-chain tip's committed root no
// longer matches the locally verified chain at that height. It walks the
// ring backwards from the tip collecting every client whose root has
// diverged ("stale") until it finds the first one that still matches
// ("curr"), then replaces every stale slot in one transaction.
func (l *Loop) tickReorg(ctx context.Context, instance *ckb.Instance) error {
	stale, curr, allStale, err := l.findStaleClients(ctx, instance)
	if err != nil {
		return fmt.Errorf("reconcile: find stale spv clients: %w", err)
	}
	if allStale {
		return ErrInstanceReset
	}

	if len(stale) == 1 {
		// The on-chain verifier's contract cannot distinguish a genuine
		// one-block reorg from an ordinary update, so the loop always
		// submits at least two replaced client cells.
		extra, err := instance.FindNthBeforeTip(uint8(len(stale) + 1))
		if err != nil {
			return fmt.Errorf("reconcile: extend single-stale reorg: %w", err)
		}
		stale = append(stale, *curr)
		curr = extra
	}

	spvClient, spvUpdate, err := l.store.GenerateSpvClientAndUpdate(ctx, curr.Client.HeadersMMRRoot.MaxHeight, l.cfg.SpvHeadersUpdateLimit)
	if err != nil {
		return fmt.Errorf("reconcile: generate spv client and update for reorg: %w", err)
	}

	tx, witnesses, err := txbuilder.BuildReorg(l.txCtx, instance.Info, *curr, stale, *spvClient, *spvUpdate, l.changeLock)
	if err != nil {
		return fmt.Errorf("reconcile: build reorg tx: %w", err)
	}
	if witnesses, err = l.balance(ctx, tx); err != nil {
		return fmt.Errorf("reconcile: balance reorg tx: %w", err)
	}

	txHash, err := l.submit.Submit(ctx, tx, witnesses)
	if err != nil {
		return fmt.Errorf("reconcile: submit reorg tx: %w", err)
	}
	l.prevTxHash = txHash
	l.log.Warn("submitted spv reorg transaction", "tx_hash", txHash, "stale_clients", len(stale), "new_tip_height", spvClient.HeadersMMRRoot.MaxHeight)
	return nil
}

// findStaleClients walks the ring backwards from the tip, comparing each
// client's committed root against the root storage computes for the same
// height, until it finds the first one that still matches (curr). allStale
// is true if the walk consumes every client in the ring without a match.
func (l *Loop) findStaleClients(ctx context.Context, instance *ckb.Instance) (stale []ckb.ClientCell, curr *ckb.ClientCell, allStale bool, err error) {
	count := len(instance.Clients)
	for n := uint8(0); int(n) < count; n++ {
		cell, ferr := instance.FindNthBeforeTip(n)
		if ferr != nil {
			return nil, nil, false, ferr
		}
		_, localRoot, rerr := l.store.ChainRootMMR(ctx, cell.Client.HeadersMMRRoot.MaxHeight)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		if localRoot.Equal(cell.Client.HeadersMMRRoot) {
			return stale, cell, false, nil
		}
		stale = append(stale, *cell)
	}
	return stale, nil, true, nil
}

// ErrForkBelowBase is returned when a fork search walks all the way back to
// the storage base height without finding a height that still matches the
// Bitcoin source chain: the divergence predates everything this instance
// has ever stored, which only reinitialising from a new base can recover
// from.
var ErrForkBelowBase = errors.New("reconcile: fork point is at or below storage base height")

// syncStorage downloads any new Bitcoin headers, first performing a fork
// search at the local tip if one has diverged from the source chain.
func (l *Loop) syncStorage(ctx context.Context) error {
	tipHeight, tipHeader, err := l.store.TipState(ctx)
	if err != nil {
		return err
	}
	btcTipHeight, _, err := l.btc.GetTipHeight(ctx)
	if err != nil {
		return fmt.Errorf("get bitcoin tip height: %w", err)
	}
	if tipHeight >= btcTipHeight {
		return nil
	}

	sourceTipHeader, err := l.btc.GetBlockHeaderByHeight(ctx, tipHeight)
	if err != nil {
		return fmt.Errorf("fetch source header at tip height: %w", err)
	}

	startHeight := tipHeight + 1
	startPrevHash := tipHeader.Hash()
	if sourceTipHeader.Hash() != tipHeader.Hash() {
		forkHeight, forkHash, err := l.findForkPoint(ctx, tipHeight)
		if err != nil {
			return err
		}
		l.log.Warn("local tip diverges from the bitcoin source chain, rolling back to fork point", "storage_tip", tipHeight, "fork_height", forkHeight)
		if err := l.store.RollbackTo(ctx, &forkHeight); err != nil {
			return fmt.Errorf("rollback to fork point: %w", err)
		}
		startHeight = forkHeight + 1
		startPrevHash = forkHash
	}

	for startHeight <= btcTipHeight {
		endHeight := startHeight - 1 + l.cfg.BitcoinHeadersDownloadLimit
		if endHeight > btcTipHeight {
			endHeight = btcTipHeight
		}

		headers, err := l.btc.GetHeaders(ctx, startHeight, endHeight, startPrevHash)
		if err != nil {
			return fmt.Errorf("download headers: %w", err)
		}
		if headers == nil {
			// The source chain moved under us mid-download; retry next tick.
			return nil
		}
		_, newTipHeader, err := l.store.AppendHeaders(ctx, headers)
		if err != nil {
			return fmt.Errorf("append headers: %w", err)
		}

		startHeight = endHeight + 1
		startPrevHash = newTipHeader.Hash()
	}
	return nil
}

// findForkPoint walks storage heights backwards from tipHeight-1 down to
// the storage base, returning the first height whose locally stored hash
// still matches the Bitcoin source chain.
func (l *Loop) findForkPoint(ctx context.Context, tipHeight uint32) (uint32, [32]byte, error) {
	baseHeight, err := l.store.BaseHeight(ctx)
	if err != nil {
		return 0, [32]byte{}, err
	}
	for h := tipHeight; h > baseHeight; h-- {
		candidate := h - 1
		localHeader, err := l.store.HeaderAt(ctx, candidate)
		if err != nil {
			return 0, [32]byte{}, fmt.Errorf("read local header at height %d: %w", candidate, err)
		}
		sourceHeader, err := l.btc.GetBlockHeaderByHeight(ctx, candidate)
		if err != nil {
			return 0, [32]byte{}, fmt.Errorf("fetch source header at height %d: %w", candidate, err)
		}
		if localHeader.Hash() == sourceHeader.Hash() {
			return candidate, localHeader.Hash(), nil
		}
	}
	return 0, [32]byte{}, ErrForkBelowBase
}

func (l *Loop) clientsCount(spvTypeScript ckb.Script) (uint8, error) {
	args, err := decodeSpvTypeArgs(spvTypeScript.Args)
	if err != nil {
		return 0, err
	}
	return args.ClientsCount, nil
}

func decodeSpvTypeArgs(hexArgs string) (models.SpvTypeArgs, error) {
	if len(hexArgs) >= 2 && hexArgs[0] == '0' && (hexArgs[1] == 'x' || hexArgs[1] == 'X') {
		hexArgs = hexArgs[2:]
	}
	raw, err := hex.DecodeString(hexArgs)
	if err != nil {
		return models.SpvTypeArgs{}, fmt.Errorf("reconcile: decode spv type script args: %w", err)
	}
	if len(raw) != 34 {
		return models.SpvTypeArgs{}, errors.New("reconcile: spv type script args must be 34 bytes (32 type-id + count + flags)")
	}
	var args models.SpvTypeArgs
	copy(args.TypeID[:], raw[:32])
	args.ClientsCount = raw[32]
	args.Flags = raw[33]
	return args, nil
}
