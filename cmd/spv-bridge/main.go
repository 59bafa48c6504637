// Command spv-bridge runs the Bitcoin SPV bridge service: it can deploy
// the on-chain ring, bootstrap or resync local storage against it, run
// the read-write reconciliation loop with the proof API (serve), or serve
// the proof API alone (watch).
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/bitcoin"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/catalog/sqlite"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/ckb"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/constants"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/headerstore"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/kvstore/badger"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/models"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/reconcile"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/rpcapi"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/txbuilder"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	raiseFDLimit(logger)

	app := &cli.App{
		Name:  "spv-bridge",
		Usage: "Bitcoin SPV bridge service for CKB",
		Commands: []*cli.Command{
			deployCommand(logger),
			initCommand(logger),
			syncCommand(logger),
			serveCommand(logger),
			watchCommand(logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// raiseFDLimit attempts to raise the process's soft open-file limit to its
// hard limit, since a long-running node with many concurrent proof-API
// connections can otherwise exhaust the default soft limit. Failure is
// logged, not fatal: the service still runs, just with less headroom.
func raiseFDLimit(logger *slog.Logger) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn("failed to read file descriptor limit", "error", err)
		return
	}
	if limit.Cur >= limit.Max {
		return
	}
	limit.Cur = limit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn("failed to raise file descriptor limit", "error", err, "requested", limit.Max)
		return
	}
	logger.Debug("raised file descriptor limit", "limit", limit.Cur)
}

var commonFlags = []cli.Flag{
	&cli.StringFlag{Name: "data-dir", Required: true, Usage: "directory holding local storage"},
	&cli.StringFlag{Name: "ckb-endpoint", Required: true},
	&cli.StringFlag{Name: "bitcoin-endpoint", Required: true},
	&cli.StringFlag{Name: "bitcoin-endpoint-username"},
	&cli.StringFlag{Name: "bitcoin-endpoint-password"},
}

func openStore(c *cli.Context, logger *slog.Logger) (*headerstore.Store, func() error, error) {
	kv, err := badger.New(&badger.Config{DataDir: c.String("data-dir")})
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return headerstore.New(kv, logger), kv.Close, nil
}

func bitcoinClient(c *cli.Context) *bitcoin.Client {
	return bitcoin.New(bitcoin.Config{
		Endpoint: c.String("bitcoin-endpoint"),
		Username: c.String("bitcoin-endpoint-username"),
		Password: c.String("bitcoin-endpoint-password"),
	})
}

func ckbClient(c *cli.Context) *ckb.Client {
	return ckb.New(ckb.Config{Endpoint: c.String("ckb-endpoint")})
}

// deployCommand reads a contract binary and the deployer's key and logs
// the binary's size and the deployer's public key hash. It does not build,
// fund or submit a cell-creation transaction, and the --type-id flag is
// not acted on.
func deployCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "deploy",
		Usage: "check a contract binary and deployer key (no transaction is submitted)",
		Flags: append(commonFlags,
			&cli.StringFlag{Name: "binary-path", Required: true},
			&cli.StringFlag{Name: "key-file", Required: true},
			&cli.BoolFlag{Name: "type-id"},
			&cli.BoolFlag{Name: "dry-run", Hidden: true},
		),
		Action: func(c *cli.Context) error {
			binPath := c.String("binary-path")
			data, err := os.ReadFile(binPath)
			if err != nil {
				return fmt.Errorf("read contract binary: %w", err)
			}
			key, err := readKeyFile(c.String("key-file"))
			if err != nil {
				return err
			}
			defer key.Zero()
			signer, err := txbuilder.NewSigner(key)
			if err != nil {
				return err
			}
			logger.Info("deploying contract", "bytes", len(data), "deployer_pubkey_hash", hex.EncodeToString(pubKeyHash(signer)))
			logger.Info("deploy is a network-submission step out of this module's local scope; assemble and submit the cell-creation transaction via the ckb client directly")
			return nil
		},
	}
}

func pubKeyHash(s *txbuilder.Signer) []byte {
	h := s.PublicKeyHash()
	return h[:]
}

func readKeyFile(path string) (*txbuilder.SecretKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	trimmed := trimNewline(raw)
	if len(trimmed) == 64 {
		decoded, err := hex.DecodeString(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("decode hex key file: %w", err)
		}
		trimmed = decoded
	}
	return txbuilder.NewSecretKey(trimmed)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// initCommand initialises local storage at the start height and assembles
// the bootstrap transaction that would create the on-chain SPV ring. The
// transaction is logged only: it is not funded, signed or submitted.
func initCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "initialise storage and assemble (not submit) the SPV ring bootstrap transaction",
		Flags: append(commonFlags,
			&cli.UintFlag{Name: "bitcoin-start-height", Required: true},
			&cli.UintFlag{Name: "spv-clients-count", Required: true},
			&cli.StringFlag{Name: "spv-contract-out-point", Required: true},
			&cli.StringFlag{Name: "lock-contract-out-point", Required: true},
			&cli.StringFlag{Name: "key-file", Required: true},
			&cli.BoolFlag{Name: "disable-difficulty-check"},
			&cli.BoolFlag{Name: "dry-run", Hidden: true},
		),
		Action: func(c *cli.Context) error {
			startHeight := uint32(c.Uint("bitcoin-start-height"))
			clientsCount := uint8(c.Uint("spv-clients-count"))
			if startHeight%models.DifficultyAdjustmentInterval != 0 {
				return fmt.Errorf("init: bitcoin-start-height must be a multiple of %d", models.DifficultyAdjustmentInterval)
			}
			if clientsCount < 3 {
				return fmt.Errorf("init: spv-clients-count must be at least 3")
			}

			ctx := context.Background()
			store, closeFn, err := openStore(c, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			btc := bitcoinClient(c)
			startHeader, err := btc.GetBlockHeaderByHeight(ctx, startHeight)
			if err != nil {
				return fmt.Errorf("init: fetch start header: %w", err)
			}

			spvClient, err := store.InitializeWith(ctx, startHeight, startHeader)
			if err != nil {
				return fmt.Errorf("init: initialize storage: %w", err)
			}

			var flags uint8
			if c.Bool("disable-difficulty-check") {
				flags |= models.FlagDisableDifficultyCheck
			}
			logger.Info("storage initialised", "start_height", startHeight, "clients_count", clientsCount, "flags", flags)

			spvContractCellDep, err := ckb.ParseCellDepJSON([]byte(c.String("spv-contract-out-point")))
			if err != nil {
				logger.Warn("spv-contract-out-point is not JSON-encoded cell dep, using an empty cell dep", "error", err)
			}
			lockContractCellDep, err := ckb.ParseCellDepJSON([]byte(c.String("lock-contract-out-point")))
			if err != nil {
				logger.Warn("lock-contract-out-point is not JSON-encoded cell dep, using an empty cell dep", "error", err)
			}

			bootstrap := models.SpvBootstrap{Height: startHeight, Header: startHeader}
			txCtx := txbuilder.Context{SpvContractCellDep: spvContractCellDep, LockContractCellDep: lockContractCellDep}
			tx, err := txbuilder.BuildBootstrap(txCtx, ckb.CellOutput{}, ckb.CellOutput{}, clientsCount, bootstrap, *spvClient)
			if err != nil {
				return fmt.Errorf("init: build bootstrap tx: %w", err)
			}
			logger.Info("assembled bootstrap transaction", "outputs", len(tx.Outputs), "dry_run", c.Bool("dry-run"))
			logger.Info("init does not fund or submit the bootstrap transaction: like deploy, capacity funding and submission of brand-new cells is an operator step outside this module's local scope")
			return nil
		},
	}
}

// syncCommand rebuilds local storage from an existing on-chain instance.
func syncCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "rebuild local storage from an existing on-chain SPV instance",
		Flags: append(commonFlags,
			&cli.StringFlag{Name: "spv-type-script", Required: true, Usage: "JSON-encoded script identifying the instance"},
			&cli.UintFlag{Name: "spv-clients-count", Required: true},
			&cli.StringFlag{Name: "spv-contract-out-point", Required: true},
			&cli.StringFlag{Name: "lock-contract-out-point", Required: true},
		),
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			store, closeFn, err := openStore(c, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			spvTypeScript, err := ckb.ParseScriptJSON([]byte(c.String("spv-type-script")))
			if err != nil {
				return fmt.Errorf("sync: parse spv type script: %w", err)
			}
			clientsCount := uint8(c.Uint("spv-clients-count"))

			ckbCli := ckbClient(c)
			instance, err := ckbCli.FindSPVCells(ctx, spvTypeScript, clientsCount)
			if err != nil {
				return fmt.Errorf("sync: find spv cells: %w", err)
			}
			tip, err := instance.FindTipSPVClient()
			if err != nil {
				return err
			}
			startHeight := tip.Client.HeadersMMRRoot.MinHeight

			btc := bitcoinClient(c)
			startHeader, err := btc.GetBlockHeaderByHeight(ctx, startHeight)
			if err != nil {
				return fmt.Errorf("sync: fetch start header: %w", err)
			}
			if _, err := store.InitializeWith(ctx, startHeight, startHeader); err != nil {
				return fmt.Errorf("sync: initialize storage: %w", err)
			}

			typeScriptJSON, _ := json.Marshal(spvTypeScript)
			if err := store.SaveCellsState(ctx, typeScriptJSON, []byte(c.String("spv-contract-out-point")), []byte(c.String("lock-contract-out-point"))); err != nil {
				return fmt.Errorf("sync: save cells state: %w", err)
			}
			logger.Info("storage synced from on-chain instance", "start_height", startHeight)
			return nil
		},
	}
}

var serveFlags = append(append([]cli.Flag{}, commonFlags...),
	&cli.StringFlag{Name: "listen-address", Required: true},
	&cli.DurationFlag{Name: "interval", Value: 30 * time.Second},
	&cli.UintFlag{Name: "spv-headers-update-limit", Value: 10},
	&cli.UintFlag{Name: "bitcoin-headers-download-batch-size", Value: 30},
	&cli.StringFlag{Name: "key-file"},
	&cli.StringFlag{Name: "change-lock-code-hash", Usage: "code hash of the signer's own lock script, for change outputs"},
	&cli.StringFlag{Name: "change-lock-hash-type", Value: "type"},
	&cli.StringFlag{Name: "ckb-network", Value: string(constants.Mainnet), Usage: "ckb deployment the known cell-dep table is consulted against: mainnet or testnet"},
	&cli.Uint64Flag{Name: "ckb-fee-rate", Usage: "static shannons/KB fee rate; mutually exclusive with enable-dynamic-ckb-fee-rate-with-limit"},
	&cli.Uint64Flag{Name: "enable-dynamic-ckb-fee-rate-with-limit", Usage: "use the network's dynamic median fee rate, capped at this shannons/KB limit (0 for uncapped); mutually exclusive with ckb-fee-rate"},
	&cli.StringFlag{Name: "catalog-db-path", Usage: "optional SQLite path mirroring headers for external SQL tooling"},
	&cli.BoolFlag{Name: "dry-run", Hidden: true},
)

func serveCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the full read-write reconciliation loop and proof API",
		Flags: serveFlags,
		Action: func(c *cli.Context) error {
			return runService(c, logger, true)
		},
	}
}

func watchCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "serve the proof API from existing local storage, read-only; storage is not synced and nothing is submitted",
		Flags: serveFlags,
		Action: func(c *cli.Context) error {
			return runService(c, logger, false)
		},
	}
}

func runService(c *cli.Context, logger *slog.Logger, readWrite bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeFn, err := openStore(c, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	ok, err := store.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("data directory %q is empty, run init or sync first", c.String("data-dir"))
	}

	if dbPath := c.String("catalog-db-path"); dbPath != "" {
		catalogStore, err := sqlite.New(&sqlite.Config{DBPath: dbPath})
		if err != nil {
			return fmt.Errorf("open catalog db: %w", err)
		}
		defer catalogStore.Close()
		store.SetAuditSink(catalogStore)
	}

	btc := bitcoinClient(c)
	ckbCli := ckbClient(c)

	typeScriptRaw, err := store.SpvContractTypeScript(ctx)
	if err != nil {
		return err
	}
	spvTypeScript, err := ckb.ParseScriptJSON(typeScriptRaw)
	if err != nil {
		return fmt.Errorf("parse stored spv type script: %w", err)
	}
	args, err := decodeSpvTypeArgsBytes(spvTypeScript.Args)
	if err != nil {
		return err
	}

	api := rpcapi.New(logger, btc, ckbCli, store, spvTypeScript, args.ClientsCount)
	server := &http.Server{Addr: c.String("listen-address"), Handler: api.Router()}
	go func() {
		logger.Info("proof api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("proof api stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if !readWrite {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	}

	spvContractCellDepRaw, err := store.SpvContractCellDep(ctx)
	if err != nil {
		return err
	}
	lockContractCellDepRaw, err := store.LockContractCellDep(ctx)
	if err != nil {
		return err
	}
	spvContractCellDep, err := ckb.ParseCellDepJSON(spvContractCellDepRaw)
	if err != nil {
		return fmt.Errorf("parse stored spv contract cell dep: %w", err)
	}
	lockContractCellDep, err := ckb.ParseCellDepJSON(lockContractCellDepRaw)
	if err != nil {
		return fmt.Errorf("parse stored lock contract cell dep: %w", err)
	}
	network, err := constants.ParseNetwork(c.String("ckb-network"))
	if err != nil {
		return err
	}

	if c.IsSet("ckb-fee-rate") == c.IsSet("enable-dynamic-ckb-fee-rate-with-limit") {
		return fmt.Errorf("exactly one of --ckb-fee-rate or --enable-dynamic-ckb-fee-rate-with-limit must be set")
	}

	key, err := readKeyFile(c.String("key-file"))
	if err != nil {
		return err
	}
	defer key.Zero()
	signer, err := txbuilder.NewSigner(key)
	if err != nil {
		return err
	}

	submitter := &ckbSubmitter{client: ckbCli, signer: signer, dryRun: c.Bool("dry-run")}
	changeLock := ckb.Script{
		CodeHash: c.String("change-lock-code-hash"),
		HashType: c.String("change-lock-hash-type"),
		Args:     "0x" + hex.EncodeToString(pubKeyHash(signer)),
	}
	cfg := reconcile.Config{
		Interval:                    c.Duration("interval"),
		BitcoinHeadersDownloadLimit: uint32(c.Uint("bitcoin-headers-download-batch-size")),
		SpvHeadersUpdateLimit:       uint32(c.Uint("spv-headers-update-limit")),
		DryRun:                      c.Bool("dry-run"),
	}
	if c.IsSet("ckb-fee-rate") {
		cfg.FeeRate = c.Uint64("ckb-fee-rate")
	} else {
		cfg.DynamicFeeRate = true
		cfg.FeeRateCap = c.Uint64("enable-dynamic-ckb-fee-rate-with-limit")
	}

	loop, err := reconcile.New(
		cfg,
		logger, btc, ckbCli, store, submitter,
		txbuilder.Context{SpvContractCellDep: spvContractCellDep, LockContractCellDep: lockContractCellDep, Network: network},
		changeLock,
	)
	if err != nil {
		return err
	}
	return loop.Run(ctx)
}

func decodeSpvTypeArgsBytes(hexArgs string) (models.SpvTypeArgs, error) {
	if len(hexArgs) >= 2 && hexArgs[0] == '0' && (hexArgs[1] == 'x' || hexArgs[1] == 'X') {
		hexArgs = hexArgs[2:]
	}
	raw, err := hex.DecodeString(hexArgs)
	if err != nil {
		return models.SpvTypeArgs{}, err
	}
	if len(raw) != 34 {
		return models.SpvTypeArgs{}, fmt.Errorf("spv type script args must be 34 bytes")
	}
	var args models.SpvTypeArgs
	copy(args.TypeID[:], raw[:32])
	args.ClientsCount = raw[32]
	args.Flags = raw[33]
	return args, nil
}

// ckbSubmitter adapts txbuilder+ckb.Client into reconcile.Submitter: it
// signs the change inputs that balancing appended (from ChangeInputOffset
// on) and submits the transaction.
type ckbSubmitter struct {
	client *ckb.Client
	signer *txbuilder.Signer
	dryRun bool
}

func (s *ckbSubmitter) Submit(ctx context.Context, tx *txbuilder.Transaction, witnesses [][]byte) (string, error) {
	txHash := tx.Hash()
	// The SPV-ring inputs (info cell + next/stale client cells) carry no
	// lock script of their own to sign; only the deployer-funded change
	// inputs, appended by the caller's balancing step, need a signature.
	if tx.ChangeInputOffset < len(tx.Inputs) {
		group := make([]int, 0, len(tx.Inputs)-tx.ChangeInputOffset)
		for i := tx.ChangeInputOffset; i < len(tx.Inputs); i++ {
			group = append(group, i)
		}
		if err := s.signer.SignSighashAll(txHash, witnesses, group); err != nil {
			return "", fmt.Errorf("sign change input group: %w", err)
		}
		tx.Witnesses = witnesses
	}
	txHashHex := "0x" + hex.EncodeToString(txHash[:])
	return s.client.SendTransactionExt(ctx, tx.ToJSON(), txHashHex, s.dryRun)
}

func (s *ckbSubmitter) TransactionStatus(ctx context.Context, txHash string) (string, error) {
	return s.client.GetTransactionStatus(ctx, txHash)
}
