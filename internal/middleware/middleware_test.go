package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gitlab-az1/ray/internal/auth"
	"github.com/gitlab-az1/ray/internal/config"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/metrics"
	"github.com/gitlab-az1/ray/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp rayerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ErrorCode
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 32)
	assert.NotContains(t, seen, "-")
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "given")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "given", seen)
	assert.Equal(t, "given", rec.Header().Get(RequestIDHeader))
}

func TestTrailingSlash(t *testing.T) {
	tests := []struct {
		target   string
		status   int
		location string
	}{
		{"/", http.StatusOK, ""},
		{"/v1/sets/a", http.StatusOK, ""},
		{"/v1/sets/a/", http.StatusMovedPermanently, "/v1/sets/a"},
		{"/v1/zsets/a//?min=1&max=2", http.StatusMovedPermanently, "/v1/zsets/a?min=1&max=2"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			TrailingSlash(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
		})
	}
}

func TestRequireLength(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RequireLength = true
	live := config.NewLive(cfg)
	h := RequireLength(live, rayerrors.NewHandler(nil))(okHandler)

	chunked := httptest.NewRequest(http.MethodPost, "/v1/sets/a", strings.NewReader(`{"value":"x"}`))
	chunked.ContentLength = -1
	chunked.Header.Del("Content-Length")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chunked)
	assert.Equal(t, http.StatusLengthRequired, rec.Code)
	assert.Equal(t, "LENGTH_REQUIRED", errorCode(t, rec))

	withLength := httptest.NewRequest(http.MethodPost, "/v1/sets/a", strings.NewReader(`{"value":"x"}`))
	withLength.Header.Set("Content-Length", "13")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withLength)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/keys/a", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := config.Default()
	live.Store(disabled)
	chunked = httptest.NewRequest(http.MethodPost, "/v1/sets/a", strings.NewReader(`{}`))
	chunked.ContentLength = -1
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, chunked)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, zap.NewNop())
	h := rl.Limit(okHandler)

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	rl.Update(1000, 10)
	rec := httptest.NewRecorder()
	time.Sleep(5 * time.Millisecond)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop(), rayerrors.NewHandler(nil))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rec))
}

func TestTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Net.ClientTimeout = 50 * time.Millisecond
	live := config.NewLive(cfg)

	var deadline time.Time
	var has bool
	h := Timeout(live)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, has = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, has)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, time.Second)

	cfg = config.Default()
	cfg.Net.ClientTimeout = 0
	live.Store(cfg)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, has)
}

func TestMetrics_UsesRouteTemplate(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(Metrics(m))
	r.HandleFunc("/v1/sets/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	for _, key := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/sets/"+key, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/sets/{key}", "2xx")))
}

func TestBasicAuth(t *testing.T) {
	pepper := []byte("pepper")
	hash, err := auth.Hash(config.HashPBKDF2, "hunter2", pepper)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth = config.AuthConfig{
		EnableAuthentication: true,
		Username:             "admin",
		HashedPassword:       hash,
		HashingAlgorithm:     config.HashPBKDF2,
	}
	live := config.NewLive(cfg)
	h := BasicAuth(live, pepper, zap.NewNop())(okHandler)

	tests := []struct {
		name   string
		setup  func(*http.Request)
		status int
	}{
		{"no header", func(*http.Request) {}, http.StatusUnauthorized},
		{"bearer scheme", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, http.StatusUnauthorized},
		{"wrong user", func(r *http.Request) { r.SetBasicAuth("root", "hunter2") }, http.StatusUnauthorized},
		{"wrong password", func(r *http.Request) { r.SetBasicAuth("admin", "hunter3") }, http.StatusUnauthorized},
		{"valid", func(r *http.Request) { r.SetBasicAuth("admin", "hunter2") }, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}

	// algorithm mismatch is a server-side misconfiguration
	mismatched := *cfg
	mismatched.Auth.HashingAlgorithm = config.HashArgon2
	live.Store(&mismatched)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	live.Store(config.Default())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConnectionLimiter(t *testing.T) {
	registry, err := store.Open[ClientInfo]("network", store.Options{Dir: t.TempDir()})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Net.MaxConnections = 3
	cfg.Net.MaxConnectionsPerIP = 2
	live := config.NewLive(cfg)
	cl := NewConnectionLimiter(live, registry, nil, nil)

	release := make(chan struct{})
	var entered sync.WaitGroup
	blocking := cl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered.Done()
		<-release
	}))

	serve := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		req.Header.Set("User-Agent", "ray-test")
		rec := httptest.NewRecorder()
		blocking.ServeHTTP(rec, req)
		return rec
	}

	var done sync.WaitGroup
	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.1:1001", "10.0.0.2:1000"} {
		entered.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			serve(addr)
		}()
	}
	entered.Wait()
	assert.Equal(t, 3, cl.Active())
	inFlight, found := registry.Get("10.0.0.1")
	require.True(t, found)
	assert.Equal(t, 2, inFlight.Active)

	// global limit reached
	rec := serve("10.0.0.3:1000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "TOO_MANY_CONNECTIONS", errorCode(t, rec))

	close(release)
	done.Wait()
	assert.Equal(t, 0, cl.Active())

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		info, found := registry.Get(ip)
		require.True(t, found, ip)
		assert.Equal(t, 0, info.Active, ip)
	}

	info, found := registry.Get("10.0.0.1")
	require.True(t, found)
	assert.Equal(t, int64(2), info.TotalRequests)
	assert.Equal(t, "ray-test", info.UserAgent)
	assert.LessOrEqual(t, info.FirstSeen, info.LastSeen)
	assert.False(t, registry.Has("10.0.0.3"))
}

func TestConnectionLimiter_ResetsStaleActiveCounts(t *testing.T) {
	dir := t.TempDir()
	registry, err := store.Open[ClientInfo]("network", store.Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, registry.Set("10.0.0.7", ClientInfo{
		Address:       "10.0.0.7",
		Active:        3,
		TotalRequests: 9,
		FirstSeen:     1000,
		LastSeen:      2000,
	}))

	NewConnectionLimiter(config.NewLive(config.Default()), registry, nil, nil)

	reopened, err := store.Open[ClientInfo]("network", store.Options{Dir: dir})
	require.NoError(t, err)
	info, found := reopened.Get("10.0.0.7")
	require.True(t, found)
	assert.Equal(t, 0, info.Active)
	assert.Equal(t, int64(9), info.TotalRequests)
	assert.Equal(t, int64(1000), info.FirstSeen)
	assert.Equal(t, int64(2000), info.LastSeen)
}

func TestConnectionLimiter_PerIP(t *testing.T) {
	registry, err := store.Open[ClientInfo]("network", store.Options{Dir: t.TempDir()})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Net.MaxConnectionsPerIP = 1
	cl := NewConnectionLimiter(config.NewLive(cfg), registry, nil, nil)

	var inner *httptest.ResponseRecorder
	h := cl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background())
		req.RemoteAddr = r.RemoteAddr
		inner = httptest.NewRecorder()
		cl.Limit(okHandler).ServeHTTP(inner, req)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4000"
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, inner)
	assert.Equal(t, http.StatusTooManyRequests, inner.Code)
}
