// agentpayd runs the payment execution daemon: mandate verification,
// compliance preflight, chain settlement, the dual ledger, and the ops
// HTTP surface, wired together from a single configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agentpay/adapters/evmchain"
	"agentpay/adapters/localsigner"
	"agentpay/amount"
	"agentpay/audit"
	"agentpay/compliance"
	"agentpay/config"
	"agentpay/executor"
	"agentpay/faults"
	"agentpay/fiat"
	"agentpay/gatewayhttp"
	"agentpay/hybrid"
	"agentpay/ledger"
	"agentpay/mandate"
	"agentpay/observability/logging"
	telemetry "agentpay/observability/otel"
	"agentpay/reconcile"
	"agentpay/reliability"
	"agentpay/settlement"
	"agentpay/subledger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to agentpayd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var fileCfg *logging.FileConfig
	if cfg.Log.File != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	logger := logging.Setup("agentpayd", cfg.Environment, fileCfg)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "agentpayd",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLP.Endpoint,
		Insecure:    cfg.OTLP.Insecure,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx := context.Background()

	// Ledger and audit stores. Without a DSN both fall back to memory,
	// which only makes sense for local development.
	var books ledger.Store = ledger.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		books, err = ledger.OpenGormStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
	}
	var records audit.Store = audit.NewMemoryStore()
	if cfg.AuditStoreURL != "" {
		records, err = audit.OpenBoltStore(cfg.AuditStoreURL)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
	}

	ledgerMode, err := hybrid.ParseMode(cfg.LedgerMode)
	if err != nil {
		return fmt.Errorf("ledger mode: %w", err)
	}
	locks := ledger.NewLockManager(5 * time.Second)
	dual, err := hybrid.New(ctx, books, records, ledgerMode, locks, nil)
	if err != nil {
		return fmt.Errorf("init hybrid ledger: %w", err)
	}
	defer dual.Close()

	policy := &compliance.Policy{}
	if cfg.PolicyPath != "" {
		policy, err = compliance.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}
	screen := compliance.NewEngine(compliance.NewRuleProvider(policy), dual.Trail())

	var nonces mandate.NonceStore = mandate.NewMemoryNonceStore(24 * time.Hour)
	if cfg.NonceStore != "" {
		store, err := mandate.OpenNonceStore(cfg.NonceStore, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("open nonce store: %w", err)
		}
		defer store.Close()
		nonces = store
	}
	verifier := mandate.NewVerifier(localsigner.New(), nonces)

	registry := reliability.NewRegistry(reliability.DefaultPolicy(), nil, logger)

	settlementMode, ok := settlement.ParseMode(cfg.Settlement.Mode)
	if !ok {
		return fmt.Errorf("settlement mode %q", cfg.Settlement.Mode)
	}
	port, err := chainPort(cfg, logger)
	if err != nil {
		return err
	}
	var settlements settlement.Store = settlement.NewMemoryStore()
	if cfg.Settlement.StorePath != "" {
		settlements, err = settlement.OpenSQLStore(cfg.Settlement.StorePath)
		if err != nil {
			return fmt.Errorf("open settlement store: %w", err)
		}
	}
	chains := settlement.NewManager(settlements, port, registry, settlement.Config{
		Mode:             settlementMode,
		MaxBatchSize:     cfg.Settlement.MaxBatchSize,
		MinBatchSize:     cfg.Settlement.MinBatchSize,
		BatchInterval:    cfg.Settlement.BatchInterval.Duration,
		MaxRetryAttempts: cfg.Settlement.MaxRetryAttempts,
	}, settlement.WithManagerLogger(logger))

	accounts := subledger.NewService(subledger.NewMemoryStore(), locks)

	// The executor registers the batch outcome observer, so it must be
	// wired before the flush loop starts.
	exec := executor.New(verifier, screen, chains, dual, accounts,
		executor.WithLogger(logger),
		executor.WithDeadline(cfg.Executor.Deadline.Duration))
	chains.Start(ctx)
	defer chains.Stop()
	if cfg.Executor.PauseOnStart {
		exec.Pause()
	}

	// Treasury and ramp integrations are injected externally; until they
	// are configured every flow fails with provider_unavailable.
	flows := fiat.New(accounts, unconfiguredTreasury{}, unconfiguredRamp{},
		fiat.WithLogger(logger), fiat.WithAuditTrail(dual.Trail()))

	tolerance, err := amount.FromString(cfg.Reconcile.Tolerance)
	if err != nil {
		return fmt.Errorf("reconcile tolerance: %w", err)
	}
	threshold, err := amount.FromString(cfg.Reconcile.AutoResolveThreshold)
	if err != nil {
		return fmt.Errorf("reconcile threshold: %w", err)
	}
	reconciler := reconcile.New(dual, chains, reconcile.Config{
		Interval:             cfg.Reconcile.Interval.Duration,
		Tolerance:            tolerance,
		AutoResolveThreshold: threshold,
	}, reconcile.WithLogger(logger))
	if settlementMode != settlement.ModeInternalOnly {
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	var anchorer *audit.Anchorer
	if cfg.Anchor.Enabled {
		anchorPort, ok := port.(audit.AnchorPort)
		if !ok {
			return fmt.Errorf("anchoring enabled but chain port cannot anchor")
		}
		anchorer = audit.NewAnchorer(dual.Trail(), anchorPort, cfg.Anchor.Interval.Duration, logger)
		anchorer.Start(ctx)
		defer anchorer.Stop()
	}

	server := gatewayhttp.NewServer(gatewayhttp.Config{
		Exec:     exec,
		Flows:    flows,
		Books:    dual,
		Chains:   chains,
		Registry: registry,
		Secrets: gatewayhttp.Secrets{
			Treasury: []byte(cfg.Webhooks.TreasurySecret),
			Ramp:     []byte(cfg.Webhooks.RampSecret),
			KYC:      []byte(cfg.Webhooks.KYCSecret),
			AdminJWT: []byte(cfg.Admin.JWTSecret),
		},
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	}, gatewayhttp.WithLogger(logger))

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      otelhttp.NewHandler(server, "gatewayhttp"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("agentpayd listening", slog.String("addr", cfg.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Base mainnet stablecoin contracts.
var defaultTokens = []evmchain.Token{
	{Symbol: "USDC", Contract: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), Decimals: 6},
	{Symbol: "EURC", Contract: common.HexToAddress("0x60a3E35Cc302bFA44Cb288Bc5a4F316Fdb1adb42"), Decimals: 6},
}

// chainPort builds the settlement port. Internal-only mode never touches a
// chain, so it gets a port that refuses dispatches outright.
func chainPort(cfg config.Config, logger *slog.Logger) (settlement.ChainPort, error) {
	if cfg.Settlement.Mode == string(settlement.ModeInternalOnly) || cfg.Settlement.ChainEndpoint == "" {
		return unconfiguredChain{}, nil
	}
	keyHex := strings.TrimSpace(os.Getenv("AGENTPAY_SIGNER_KEY"))
	if keyHex == "" {
		return nil, fmt.Errorf("AGENTPAY_SIGNER_KEY required for settlement mode %s", cfg.Settlement.Mode)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	client, err := evmchain.Dial(cfg.Settlement.ChainEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial chain endpoint: %w", err)
	}
	chain := cfg.Anchor.Chain
	if chain == "" {
		chain = "base"
	}
	return evmchain.New(client, evmchain.Config{
		Chain:          chain,
		Key:            key,
		Tokens:         defaultTokens,
		ConfirmTimeout: 2 * time.Minute,
		NativeUSDPrice: amount.MustFromString("3000"),
	}, evmchain.WithLogger(logger))
}

type unconfiguredChain struct{}

func (unconfiguredChain) Dispatch(context.Context, *settlement.Settlement) (*settlement.Receipt, error) {
	return nil, faults.New(faults.CodeProviderUnavailable, "chain endpoint not configured")
}

func (unconfiguredChain) DispatchBatch(context.Context, []*settlement.Settlement) (*settlement.Receipt, error) {
	return nil, faults.New(faults.CodeProviderUnavailable, "chain endpoint not configured")
}

func (unconfiguredChain) GetTransaction(context.Context, string) (*settlement.ChainTx, error) {
	return nil, faults.New(faults.CodeProviderUnavailable, "chain endpoint not configured")
}

type unconfiguredTreasury struct{}

func (unconfiguredTreasury) Balance(context.Context, string) (amount.Amount, error) {
	return amount.Amount{}, faults.New(faults.CodeProviderUnavailable, "treasury provider not configured")
}

func (unconfiguredTreasury) CreateOutboundPayment(context.Context, amount.Amount, string) (*fiat.Transfer, error) {
	return nil, faults.New(faults.CodeProviderUnavailable, "treasury provider not configured")
}

func (unconfiguredTreasury) FundIssuingBalance(context.Context, amount.Amount) (*fiat.Transfer, error) {
	return nil, faults.New(faults.CodeProviderUnavailable, "treasury provider not configured")
}

type unconfiguredRamp struct{}

func (unconfiguredRamp) CreateOfframpSession(context.Context, string, amount.Amount) (*fiat.RampSession, error) {
	return nil, faults.New(faults.CodeProviderUnavailable, "ramp provider not configured")
}

func (unconfiguredRamp) GetSession(context.Context, string) (*fiat.RampSession, error) {
	return nil, faults.New(faults.CodeProviderUnavailable, "ramp provider not configured")
}
