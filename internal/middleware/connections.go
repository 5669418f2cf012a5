package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gitlab-az1/ray/internal/config"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/metrics"
	"github.com/gitlab-az1/ray/internal/store"
	"go.uber.org/zap"
)

// ClientInfo is a live-client registry record, keyed by remote IP.
type ClientInfo struct {
	Address       string `json:"address"`
	Active        int    `json:"active"`
	TotalRequests int64  `json:"totalRequests"`
	FirstSeen     int64  `json:"firstSeen"`
	LastSeen      int64  `json:"lastSeen"`
	UserAgent     string `json:"userAgent,omitempty"`
}

// ClientRegistry is the durable store backing the registry.
type ClientRegistry interface {
	Keys() []string
	Get(key string) (ClientInfo, bool)
	Set(key string, value ClientInfo, opts ...store.SetOption) error
}

// ConnectionLimiter caps in-flight requests globally and per client IP,
// reading both limits from the live configuration, and records every
// client in the registry.
type ConnectionLimiter struct {
	live     *config.Live
	registry ClientRegistry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	errs     *rayerrors.Handler
	clock    func() time.Time

	mu     sync.Mutex
	total  int
	active map[string]int

	// regMu serializes registry read-modify-write cycles.
	regMu sync.Mutex
}

// NewConnectionLimiter creates a connection limiter over registry. Active
// counts left in the registry by a process that did not shut down cleanly
// are reset, since no request of that process is still in flight.
func NewConnectionLimiter(live *config.Live, registry ClientRegistry, logger *zap.Logger, m *metrics.Metrics) *ConnectionLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := &ConnectionLimiter{
		live:     live,
		registry: registry,
		logger:   logger,
		metrics:  m,
		errs:     rayerrors.NewHandler(logger),
		clock:    time.Now,
		active:   make(map[string]int),
	}
	if registry != nil {
		for _, ip := range registry.Keys() {
			if info, ok := registry.Get(ip); ok && info.Active != 0 {
				cl.update(ip, func(*ClientInfo) {})
			}
		}
	}
	return cl
}

// Active returns the number of in-flight requests.
func (cl *ConnectionLimiter) Active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// Limit applies the connection limits.
func (cl *ConnectionLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if err := cl.acquire(ip); err != nil {
			cl.logger.Warn("connection refused",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			cl.errs.HandleError(w, r, err)
			return
		}
		defer cl.release(ip)

		cl.record(ip, r.UserAgent())
		next.ServeHTTP(w, r)
	})
}

func (cl *ConnectionLimiter) acquire(ip string) error {
	limits := cl.live.Load().Net

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.total >= limits.MaxConnections {
		return rayerrors.TooManyConnections("server", limits.MaxConnections)
	}
	if cl.active[ip] >= limits.MaxConnectionsPerIP {
		return rayerrors.TooManyConnections("ip", limits.MaxConnectionsPerIP).WithDetail("ip", ip)
	}
	cl.total++
	cl.active[ip]++
	cl.metrics.UpdateLiveClients(len(cl.active))
	return nil
}

func (cl *ConnectionLimiter) release(ip string) {
	cl.mu.Lock()
	cl.total--
	if cl.active[ip]--; cl.active[ip] <= 0 {
		delete(cl.active, ip)
	}
	cl.metrics.UpdateLiveClients(len(cl.active))
	cl.mu.Unlock()

	cl.update(ip, func(*ClientInfo) {})
}

// record counts a request in the client's registry row.
func (cl *ConnectionLimiter) record(ip, userAgent string) {
	now := cl.clock().UnixMilli()
	cl.update(ip, func(info *ClientInfo) {
		if info.FirstSeen == 0 {
			info.FirstSeen = now
		}
		info.TotalRequests++
		info.LastSeen = now
		if userAgent != "" {
			info.UserAgent = userAgent
		}
	})
}

// update applies fn to the client's registry row and stores it with the
// current in-flight count. The count is read under regMu, so the last write
// always carries the latest value. A registry write failure is logged and
// does not fail the request.
func (cl *ConnectionLimiter) update(ip string, fn func(*ClientInfo)) {
	if cl.registry == nil {
		return
	}

	cl.regMu.Lock()
	defer cl.regMu.Unlock()

	info, ok := cl.registry.Get(ip)
	if !ok {
		info = ClientInfo{Address: ip}
	}
	fn(&info)

	cl.mu.Lock()
	info.Active = cl.active[ip]
	cl.mu.Unlock()

	if err := cl.registry.Set(ip, info, store.WithOverride()); err != nil {
		cl.logger.Warn("failed to update client registry", zap.String("ip", ip), zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
