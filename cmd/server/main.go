package main

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"escrowline/internal/archive"
	"escrowline/internal/backend"
	"escrowline/internal/clock"
	"escrowline/internal/config"
	"escrowline/internal/events"
	"escrowline/internal/ledger"
	"escrowline/internal/orchestrator"
	"escrowline/internal/reservation"
	"escrowline/internal/server"
	"escrowline/internal/txbuild"
	"escrowline/internal/wallet"
	"escrowline/internal/watch"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config error", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	chainID := big.NewInt(cfg.Seed.Chain.ChainID)
	contract := common.HexToAddress(cfg.Deployment.Contracts.Escrow)

	var chain ledger.Client
	var agent wallet.SigningAgent
	if cfg.Chain.PrivateKey != "" {
		eth, err := ledger.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			log.Error("ledger client error", "error", err)
			os.Exit(1)
		}
		defer eth.Close()
		chain = eth

		keyed, err := wallet.NewKeyedAgent(cfg.Chain.PrivateKey, chainID)
		if err != nil {
			log.Error("signing agent error", "error", err)
			os.Exit(1)
		}
		agent = keyed
	} else {
		// No key means no live chain: run against the scripted ledger so
		// the API surface stays exercisable in development.
		fake := ledger.NewFakeClient()
		fake.Chain = chainID
		fake.Code[contract] = []byte{0x60, 0x80}
		chain = fake
		agent = devAgent(log, chainID, fake)
		log.Warn("CHAIN_PRIVATE_KEY not set, using in-memory ledger")
	}

	var store archive.Store
	if cfg.Service.ArchiveDSN != "" {
		pg, err := archive.NewPostgresStore(ctx, cfg.Service.ArchiveDSN)
		if err != nil {
			log.Error("archive store error", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		store = archive.NewMemoryStore()
		log.Warn("ARCHIVE_DATABASE_URL not set, archiving in memory")
	}

	var backendClient *backend.Client
	var locker reservation.Locker
	var preparer txbuild.Preparer
	var verifier orchestrator.Verifier = approveAllVerifier{}
	if cfg.Service.BackendBaseURL != "" {
		backendClient = backend.NewClient(cfg.Service.BackendBaseURL, cfg.Seed.Secrets.BackendHMACSecret, 10*time.Second)
		locker = backendClient
		preparer = backendClient
		verifier = backendClient
	} else {
		log.Warn("BACKEND_BASE_URL not set, running without marketplace backend")
	}

	clk := clock.NewSystem()
	bus := events.NewBroadcaster()
	mgr := reservation.NewManager(locker, clk, cfg.Purchase.ReservationWindow, log)
	connector := wallet.NewConnector(agent, chainID)
	builder := txbuild.NewBuilder(preparer, chain, txbuild.Config{
		Contract:        contract,
		DefaultGasLimit: cfg.Purchase.DefaultGasLimit,
		MaxGasLimit:     cfg.Purchase.MaxGasLimit,
		MinValue:        cfg.Purchase.MinValue,
		ValueCeiling:    cfg.Purchase.ValueCeiling,
	}, log)
	watcher := watch.NewWatcher(chain, cfg.Purchase.PollInterval, cfg.Purchase.MaxPollAttempts, log)

	orch := orchestrator.New(mgr, connector, builder, watcher, verifier, bus, store, clk, log)

	timerCtx, stopTimer := context.WithCancel(ctx)
	defer stopTimer()
	timer := reservation.NewTimer(mgr, clk, cfg.Purchase.ExpiryTick, orch.Expire)
	go timer.Run(timerCtx)

	apiServer := server.NewServer(cfg, orch, mgr, chain, store, bus, log)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Info("server stopped", "error", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// approveAllVerifier stands in when no backend is configured.
type approveAllVerifier struct{}

func (approveAllVerifier) VerifyEscrow(_ context.Context, req backend.VerifyRequest) (backend.VerifyResponse, error) {
	return backend.VerifyResponse{EscrowID: req.TxHash, TransactionID: req.TxHash}, nil
}

// devAgent generates a throwaway key and funds it on the fake ledger.
func devAgent(log *slog.Logger, chainID *big.Int, fake *ledger.FakeClient) wallet.SigningAgent {
	agent, addr, err := wallet.NewEphemeralAgent(chainID)
	if err != nil {
		log.Error("ephemeral agent error", "error", err)
		os.Exit(1)
	}
	fake.Balances[addr] = new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)
	return agent
}
