package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arenakeeper/keeper-server-go/internal/action"
	"github.com/arenakeeper/keeper-server-go/internal/chain"
	"github.com/arenakeeper/keeper-server-go/internal/config"
	"github.com/arenakeeper/keeper-server-go/internal/discovery"
	"github.com/arenakeeper/keeper-server-go/internal/eventbus"
	"github.com/arenakeeper/keeper-server-go/internal/keeper"
	"github.com/arenakeeper/keeper-server-go/internal/repository"
	"github.com/arenakeeper/keeper-server-go/internal/server"
	"github.com/arenakeeper/keeper-server-go/internal/supervisor"
	"github.com/arenakeeper/keeper-server-go/internal/upstream/wsrpc"
	"github.com/arenakeeper/keeper-server-go/internal/worker"
)

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the keeper until interrupted",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/keeper.yaml", "path to configuration file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting keeper",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ledger worker.Ledger
	db, err := repository.NewDB(ctx, cfg.Database, logger)
	switch {
	case errors.Is(err, repository.ErrNoDatabase):
		logger.Info("action ledger disabled")
	case err != nil:
		logger.Fatal("failed to connect to database", zap.Error(err))
	default:
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		ledger = repository.NewActionLedger(db)
	}

	registry := chain.MustDefaultRegistry()
	dialer := wsrpc.Dialer{
		URL:              cfg.Chain.WSURL,
		HandshakeTimeout: cfg.Chain.DialTimeout,
		Logger:           logger,
	}
	bus := eventbus.New(eventbus.DialerFunc(func(ctx context.Context) (eventbus.Conn, error) {
		conn, err := dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}), registry, eventbus.Config{
		HealthCheckInterval: cfg.EventBus.HealthCheckInterval,
		ProbeTimeout:        cfg.EventBus.ProbeTimeout,
		ErrorThreshold:      cfg.EventBus.ErrorThreshold,
		SubscriberBuffer:    cfg.EventBus.SubscriberBuffer,
		WatchTimeout:        cfg.EventBus.WatchTimeout,
	}, logger)

	deps := newDeps(cfg, bus, ledger, registry, logger)
	kinds, err := buildKinds(cfg.Chain, deps)
	if err != nil {
		logger.Fatal("failed to configure entity kinds", zap.Error(err))
	}

	sup, err := newSupervisor(cfg.Supervisor, kinds, bus, logger)
	if err != nil {
		logger.Fatal("failed to create supervisor", zap.Error(err))
	}

	var opts server.Options
	if ledger != nil {
		opts.Ledger = db
	}
	srv, err := server.New(cfg.Server, bus, sup, opts, logger)
	if err != nil {
		logger.Fatal("failed to start servers", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	// The bus outlives the supervisor's context; the supervisor closes it after every
	// worker has stopped.
	g.Go(func() error {
		return bus.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if ledger != nil {
		g.Go(func() error {
			pruneLedger(gctx, db, cfg.Database.Retention, logger)
			return nil
		})
	}

	logger.Info("keeper running",
		zap.Int("kinds", len(kinds)),
		zap.String("status_address", srv.HTTPAddr()),
		zap.String("grpc_address", srv.GRPCAddr()),
	)

	<-gctx.Done()
	logger.Info("shutting down keeper")
	sup.Stop()

	if err := g.Wait(); err != nil {
		logger.Error("keeper stopped with error", zap.Error(err))
		return err
	}
	logger.Info("keeper stopped")
	return nil
}

// newDeps builds the collaborators shared by every kind. Each HTTP client gets its own
// request timeout from configuration.
func newDeps(cfg *config.Config, events worker.Events, ledger worker.Ledger, registry *chain.Registry, logger *zap.Logger) keeper.Deps {
	return keeper.Deps{
		Discovery: discovery.NewClient(discovery.Config{
			URL:      cfg.Discovery.URL,
			APIKey:   cfg.Discovery.APIKey,
			PageSize: cfg.Discovery.PageSize,
			Timeout:  cfg.Discovery.Timeout,
		}, nil, logger),
		Events: events,
		Executor: action.NewRelayClient(action.RelayConfig{
			URL:            cfg.Relayer.URL,
			APIKey:         cfg.Relayer.APIKey,
			Timeout:        cfg.Relayer.Timeout,
			ConfirmTimeout: cfg.Relayer.ConfirmTimeout,
			PollInterval:   cfg.Relayer.PollInterval,
		}, nil, logger),
		Ledger:     ledger,
		Registry:   registry,
		Worker:     cfg.Worker,
		ActTimeout: cfg.Relayer.Timeout + cfg.Relayer.ConfirmTimeout,
		Logger:     logger,
	}
}

func newSupervisor(cfg config.SupervisorConfig, kinds []supervisor.Kind, bus supervisor.Bus, logger *zap.Logger) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Config{
		DiscoveryInterval: cfg.DiscoveryInterval,
		DiscoverTimeout:   cfg.DiscoverTimeout,
		StopGrace:         cfg.StopGrace,
	}, kinds, bus, logger)
}

func buildKinds(cfg config.ChainConfig, deps keeper.Deps) ([]supervisor.Kind, error) {
	var kinds []supervisor.Kind
	if cfg.BattleContract != "" {
		k, err := keeper.NewBattles(cfg.BattleContract, deps)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	if cfg.DungeonContract != "" {
		k, err := keeper.NewParties(cfg.DungeonContract, deps)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// pruneLedger drops ledger entries older than retention once an hour.
func pruneLedger(ctx context.Context, db *repository.DB, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ledger := repository.NewActionLedger(db)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		pruned, err := ledger.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to prune action ledger", zap.Error(err))
		} else if pruned > 0 {
			logger.Info("pruned action ledger", zap.Int64("rows", pruned))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
