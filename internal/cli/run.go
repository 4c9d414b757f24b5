package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeJamon/trustrelay/internal/config"
	"github.com/LeJamon/trustrelay/internal/grpc"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/ledger/eth"
	"github.com/LeJamon/trustrelay/internal/ledger/simchain"
	"github.com/LeJamon/trustrelay/internal/metrics"
	"github.com/LeJamon/trustrelay/internal/relay"
	"github.com/LeJamon/trustrelay/internal/rpc"
	"github.com/LeJamon/trustrelay/internal/storage"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// Run flags
	standalone bool
	blockTime  time.Duration
	demoSeed   int64
)

// runCmd represents the run command (default action)
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the configured networks and serve queries",
	Long: `Start relayd, which provides:
- HTTP JSON-RPC API endpoints (/ and /rpc)
- WebSocket change subscriptions (/ws)
- Health check (/health) and Prometheus metrics (/metrics)
- gRPC health service, when enabled

With --standalone relayd follows a simulated in-memory ledger that mines
demo trustline activity instead of connecting to a node.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Set run as the default command
	rootCmd.RunE = runRelay

	runCmd.Flags().BoolVar(&standalone, "standalone", false, "follow a simulated ledger with demo activity")
	runCmd.Flags().DurationVar(&blockTime, "block-time", time.Second, "block interval of the simulated ledger")
	runCmd.Flags().Int64Var(&demoSeed, "seed", 1, "seed of the demo activity")
}

// clientFactory returns the ledger client of one network.
type clientFactory func(n config.NetworkConfig) (ledger.Client, error)

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}
	var demo *demoActivity
	if standalone {
		demo = newDemoActivity(simchain.New(), demoSeed)
		applyStandalone(cfg)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var clients clientFactory
	if demo != nil {
		clients = func(n config.NetworkConfig) (ledger.Client, error) {
			return demo.chain.Client(n.Addr()), nil
		}
	} else {
		backend, err := eth.Dial(ctx, cfg.Ledger.URL)
		if err != nil {
			return err
		}
		defer backend.Close()
		clients = func(n config.NetworkConfig) (ledger.Client, error) {
			return eth.New(backend, n.Addr(), cfg.Ledger.HeaderCacheSize,
				eth.WithRequestTimeout(cfg.Ledger.RequestTimeout))
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	store, err := storage.OpenCheckpoints(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	r, err := assemble(cfg, clients, store, m, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Restore(ctx); err != nil {
		return fmt.Errorf("restore checkpoints: %w", err)
	}

	logger.Info("starting relayd",
		zap.String("version", version),
		zap.Int("networks", len(cfg.Networks)),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("standalone", standalone),
		zap.String("config", cfg.ConfigPath()))

	err = serve(ctx, cfg, r, m, demo, logger)

	if store != nil {
		// keep the progress made since the last periodic checkpoint
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if cerr := r.Checkpoint(flushCtx); cerr != nil {
			logger.Warn("final checkpoint failed", zap.Error(cerr))
		}
		cancel()
	}
	logger.Info("relayd stopped")
	return err
}

// assemble builds one engine per configured network.
func assemble(cfg *config.Config, clients clientFactory, store snapshot.Store, m *metrics.Metrics, logger *zap.Logger) (*relay.Relay, error) {
	engines := make([]*relay.Engine, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		ec, err := cfg.EngineConfig(n)
		if err != nil {
			return nil, err
		}
		client, err := clients(n)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", n, err)
		}
		opts := []relay.EngineOption{
			relay.WithMetrics(m),
			relay.WithLogger(logger.Named("engine")),
		}
		if store != nil {
			opts = append(opts, relay.WithCheckpoints(store))
		}
		e, err := relay.NewEngine(ec, client, opts...)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return relay.New(logger.Named("relay"), engines...)
}

// serve runs the relay and its servers until ctx is done or one of them fails.
func serve(ctx context.Context, cfg *config.Config, r *relay.Relay, m *metrics.Metrics, demo *demoActivity, logger *zap.Logger) error {
	hc := rpc.HandlerConfig{
		Timeout:   cfg.Server.RequestTimeout,
		WebSocket: cfg.Server.WebSocket,
	}
	if m != nil {
		hc.Metrics = m.Handler()
	}
	handler := rpc.NewHandler(r, hc, logger.Named("rpc"))

	var health *grpc.Server
	if cfg.GRPC.Enabled {
		var err error
		health, err = grpc.NewServer(cfg.GRPCServerConfig(), r, logger.Named("grpc"))
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(ctx)
	})
	g.Go(func() error {
		return rpc.Serve(ctx, cfg.Server.Address, handler, logger.Named("http"))
	})
	if health != nil {
		g.Go(func() error {
			return health.ListenAndServe(ctx)
		})
	}
	if demo != nil {
		g.Go(func() error {
			return demo.Run(ctx, blockTime, logger.Named("standalone"))
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
