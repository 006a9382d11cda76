package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	httpapi "github.com/ledger-hub/ledger-hub/internal/api/http"
	"github.com/ledger-hub/ledger-hub/internal/application/deposit"
	"github.com/ledger-hub/ledger-hub/internal/application/ledger"
	"github.com/ledger-hub/ledger-hub/internal/application/watcher"
	"github.com/ledger-hub/ledger-hub/internal/config"
	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/domain/dispute"
	"github.com/ledger-hub/ledger-hub/internal/domain/process"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/chain"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/keystore"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/memory"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/metrics"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/postgres"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/sse"
	p2papi "github.com/ledger-hub/ledger-hub/internal/p2p/api"
	"github.com/ledger-hub/ledger-hub/internal/p2p/consensus"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// signing key
	key, err := keystore.Load(keystore.Source{HexKey: cfg.SigningKey, File: cfg.KeyFile, Passphrase: cfg.KeyPassphrase})
	if errors.Is(err, keystore.ErrKeyNotConfigured) {
		key, err = crypto.GenerateKey()
		logger.Warn().Msg("no signing key configured, using an ephemeral key")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("signing key error")
	}
	signer := channel.NewKeySigner(key)

	// repositories
	var (
		channels  channel.Repository
		processes process.Repository
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store := memory.NewStore()
		channels, processes = store, store
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		channels = postgres.NewChannelRepository(pool)
		processes = postgres.NewProcessRepository(pool)
	}

	// nonce registry
	var (
		nonces  channel.NonceRegistry = channel.NewMemoryNonceRegistry()
		cluster http.Handler
	)
	if cfg.Raft.Enabled() {
		node, err := startNonceNode(ctx, cfg.Raft, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nonce cluster error")
		}
		defer func() {
			_ = node.Shutdown()
		}()
		nonces = node
		cluster = p2papi.NewServer(node).Routes()
	}

	// infrastructure
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hubMetrics := metrics.New(registry)
	sseHub := sse.NewHub()
	defer sseHub.Stop()
	adjudicator := chain.NewAdjudicator(logger)
	defer adjudicator.Close()

	// services
	ledgerSvc := ledger.NewService(channels, processes, nonces, signer, hubMetrics, logger)
	ledgerSvc.RequireChainID(big.NewInt(cfg.ChainID))

	policy, err := deposit.ParsePolicy(cfg.FundingPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("funding policy error")
	}
	coordinator := deposit.NewCoordinator(adjudicator, logger)
	defer coordinator.Close()
	depositSvc := deposit.NewService(channels, coordinator, signer.Address(), policy, hubMetrics, logger)

	challenges := dispute.NewRegistry()
	chainWatcher := watcher.New(adjudicator, depositSvc, challenges, hubMetrics, logger)
	chainWatcher.OnExpired(func(c dispute.Challenge) {
		logger.Info().Str("channelId", c.ChannelID.Hex()).Uint64("turnNum", c.ChallengeState.TurnNum).Msg("challenge expired")
	})
	chainWatcher.Start(ctx)
	defer chainWatcher.Stop()

	// API server
	apiServer := httpapi.NewServer(ledgerSvc, depositSvc, sseHub, httpapi.Options{
		RateLimit: cfg.RelayRateLimit,
		RateBurst: cfg.RelayRateBurst,
		Gatherer:  registry,
		Cluster:   cluster,
	}, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /v1/stream holds the response open.
		IdleTimeout: 60 * time.Second,
	}

	// background loops
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				adjudicator.MineBlock(uint64(now.Unix()))
			}
		}
	}()

	// start server
	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("hub", signer.Address().Hex()).
			Int64("chainId", cfg.ChainID).
			Str("store", cfg.StoreDriver).
			Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

func startNonceNode(ctx context.Context, cfg config.RaftConfig, logger zerolog.Logger) (*consensus.Node, error) {
	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.NodeID,
		RaftAddr:       cfg.Addr,
		DataDir:        filepath.Clean(cfg.Dir),
		Bootstrap:      cfg.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   5 * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	if !cfg.Bootstrap && cfg.Join != "" {
		err := p2papi.Join(ctx, p2papi.JoinOptions{
			Endpoint:   cfg.Join,
			NodeID:     cfg.NodeID,
			RaftAddr:   cfg.Addr,
			Retries:    30,
			RetryDelay: time.Second,
		})
		if err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.Join).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.Join).Msg("joined nonce cluster")
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	if leader, err := node.WaitForLeader(waitCtx, 150*time.Millisecond); err == nil {
		logger.Info().Str("leader", leader).Msg("nonce cluster ready")
	}
	return node, nil
}
