package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gitlab-az1/ray/internal/cache"
	"github.com/gitlab-az1/ray/internal/config"
	"github.com/gitlab-az1/ray/internal/env"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/handler"
	"github.com/gitlab-az1/ray/internal/health"
	"github.com/gitlab-az1/ray/internal/keyspace"
	"github.com/gitlab-az1/ray/internal/logging"
	"github.com/gitlab-az1/ray/internal/metrics"
	"github.com/gitlab-az1/ray/internal/middleware"
	"github.com/gitlab-az1/ray/internal/queue"
	"github.com/gitlab-az1/ray/internal/server"
	"github.com/gitlab-az1/ray/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxDiskUsagePercent fails the readiness check above this usage.
const maxDiskUsagePercent = 90.0

// ServeCommand runs a ray node.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP front end over the keyspace, cache and store",
		Action: serve,
	}
}

// Node holds the components of a running node.
type Node struct {
	Env      *env.Environment
	Config   *config.Config
	Logger   *logging.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Queue    *queue.Queue
	Cache    *cache.Cache
	Keyspace *keyspace.Keyspace
	Store    *store.Store[json.RawMessage]
	Clients  *store.Store[middleware.ClientInfo]
	Health   *health.HealthCheck
}

// OpenNode builds every component from cfg and starts the write queue.
func OpenNode(e *env.Environment, cfg *config.Config, logger *logging.Logger) (*Node, error) {
	hmacKey, err := e.HMACKey()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)
	log := logger.Logger

	q, err := queue.New(queue.Config{
		Name:      "snapshots",
		QueueSize: cfg.Queue.Size,
		HMACKey:   hmacKey,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create write queue: %w", err)
	}
	q.Start()

	n := &Node{Env: e, Config: cfg, Logger: logger, Registry: reg, Metrics: m, Queue: q}

	n.Cache, err = cache.New(cache.Options{
		Namespace: cfg.Cache.Namespace,
		Env:       e,
		HMACKey:   hmacKey,
		Queue:     q,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	n.Keyspace, err = keyspace.Open(keyspace.Options{
		Namespace: cfg.Storage.Keyspace,
		Env:       e,
		HMACKey:   hmacKey,
		Queue:     q,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to open keyspace: %w", err)
	}

	n.Store, err = store.Open[json.RawMessage](cfg.Storage.AppStore, store.Options{Env: e, Logger: log, Metrics: m})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to open store %q: %w", cfg.Storage.AppStore, err)
	}

	n.Clients, err = store.Open[middleware.ClientInfo](cfg.Storage.NetworkStore, store.Options{Env: e, Logger: log, Metrics: m})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to open store %q: %w", cfg.Storage.NetworkStore, err)
	}

	n.Health = health.NewHealthCheck(log)
	n.Health.Register("queue", func(ctx context.Context) error {
		if q.Closed() {
			return rayerrors.QueueClosed(q.Stats().Name)
		}
		return nil
	})
	n.Health.Register("disk", func(ctx context.Context) error {
		used, available, err := server.DiskStats(e.VarDir())
		if err != nil {
			return err
		}
		if total := used + available; total > 0 {
			if pct := float64(used) / float64(total) * 100; pct > maxDiskUsagePercent {
				return rayerrors.InternalError("disk almost full", nil).WithDetail("disk_usage_percent", pct)
			}
		}
		return nil
	})

	return n, nil
}

// Close disposes the cache and drains the write queue.
func (n *Node) Close() error {
	if n.Cache != nil {
		n.Cache.Dispose()
	}
	return n.Queue.Dispose(n.Config.Queue.DrainTimeout)
}

// NewServer builds the API server over the node.
func (n *Node) NewServer(live *config.Live) *server.Server {
	hmacKey, _ := n.Env.HMACKey()
	s := server.NewServer(server.Options{
		Live: live,
		Deps: handler.Deps{
			Keyspace: n.Keyspace,
			Cache:    n.Cache,
			Store:    n.Store,
			Queue:    n.Queue,
		},
		Clients:    n.Clients,
		Health:     n.Health,
		Metrics:    n.Metrics,
		Pepper:     hmacKey,
		Production: n.Env.IsProduction(),
		Logger:     n.Logger.Logger,
	})
	s.SetupRoutes()
	return s
}

func serve(c *cli.Context) error {
	e := environment(c)
	if err := e.EnsureDirs(); err != nil {
		return err
	}

	path := configPath(c)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, e.LogsDir())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ray node",
		zap.String("version", Version),
		zap.String("root", e.Root()),
		zap.String("mode", string(e.Mode())),
		zap.String("config", path))

	node, err := OpenNode(e, cfg, logger)
	if err != nil {
		logger.Error("failed to open node", zap.Error(err))
		return err
	}

	live := config.NewLive(cfg)
	api := node.NewServer(live)

	watcher, err := config.NewWatcher(path, logger.Logger)
	if err != nil {
		_ = node.Close()
		return err
	}
	watcher.OnChange(func(next *config.Config) {
		api.ApplyConfig(next)
		logger.SetLevel(next.Logging.Level)
	})

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(api.Start)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return node.Health.Run(gctx) })

	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(server.MetricsServerConfig{
			Host:     server.ListenHost(cfg.Net, e.IsProduction()),
			Metrics:  cfg.Metrics,
			DataDir:  e.VarDir(),
			Gatherer: node.Registry,
			Health:   node.Health,
		}, node.Metrics, logger.Logger)
		g.Go(func() error { return ms.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")
		node.Health.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", zap.Error(err))
		}
		return nil
	})

	node.Health.SetReady(true)
	logger.Info("ray node started", zap.String("addr", api.Addr()))

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("server error", zap.Error(runErr))
	}

	if err := node.Close(); err != nil {
		logger.Error("failed to drain write queue", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("ray node shutdown complete")
	return runErr
}
