package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gitlab-az1/ray/internal/config"
	"github.com/gitlab-az1/ray/internal/health"
	"github.com/gitlab-az1/ray/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics via HTTP and samples system stats
// for the node's data directory.
type MetricsServer struct {
	httpServer    *http.Server
	metrics       *metrics.Metrics
	logger        *zap.Logger
	dataDir       string
	statsInterval time.Duration
}

// MetricsServerConfig holds configuration for the metrics server.
type MetricsServerConfig struct {
	Host    string
	Metrics config.MetricsConfig
	// DataDir is the directory whose filesystem is reported in disk stats.
	DataDir string
	// Gatherer defaults to the default prometheus registry.
	Gatherer prometheus.Gatherer
	Health   *health.HealthCheck
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(cfg MetricsServerConfig, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	hc := cfg.Health
	if hc == nil {
		hc = health.NewHealthCheck(logger)
	}
	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	interval := cfg.Metrics.StatsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", hc.LivenessHandler)
	mux.HandleFunc("/ready", hc.ReadinessHandler)

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:       m,
		logger:        logger,
		dataDir:       cfg.DataDir,
		statsInterval: interval,
	}
}

// Addr returns the configured listen address.
func (s *MetricsServer) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the metrics mux.
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves metrics and collects system stats until ctx is done.
func (s *MetricsServer) Run(ctx context.Context) error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
		}
		close(errCh)
	}()

	s.UpdateSystemMetrics()
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return err
			}
			return nil
		case <-ticker.C:
			s.UpdateSystemMetrics()
		case <-ctx.Done():
			return s.stop()
		}
	}
}

func (s *MetricsServer) stop() error {
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// UpdateSystemMetrics samples disk, memory and goroutine stats.
func (s *MetricsServer) UpdateSystemMetrics() {
	diskUsage, diskAvailable, err := DiskStats(s.dataDir)
	if err != nil {
		s.logger.Error("Failed to get disk stats", zap.Error(err))
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(diskUsage, diskAvailable, int64(memStats.Alloc), runtime.NumGoroutine())
}

// DiskStats returns used and available bytes on the filesystem holding dir.
func DiskStats(dir string) (used int64, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)
	return used, available, nil
}
