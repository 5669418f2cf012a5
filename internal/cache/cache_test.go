package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gitlab-az1/ray/internal/env"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("cache-test-key")

// MockEnqueuer is a mock implementation of Enqueuer
type MockEnqueuer struct {
	mock.Mock

	mu   sync.Mutex
	jobs []queue.Job
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, job queue.Job) error {
	args := m.Called(ctx, job)
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockEnqueuer) last() queue.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[len(m.jobs)-1]
}

type fakeClock struct{ ms atomic.Int64 }

func (c *fakeClock) now() time.Time          { return time.UnixMilli(c.ms.Load()) }
func (c *fakeClock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(queue.Config{Name: "cache-test", HMACKey: testKey})
	require.NoError(t, err)
	q.Start()
	t.Cleanup(func() { _ = q.Dispose(time.Second) })
	return q
}

func newMocked(t *testing.T, clock *fakeClock) (*Cache, *MockEnqueuer) {
	t.Helper()
	m := new(MockEnqueuer)
	m.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	opts := Options{Dir: t.TempDir(), HMACKey: testKey, Queue: m}
	if clock != nil {
		opts.Clock = clock.now
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c, m
}

type session struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

func TestCache_SetGet(t *testing.T) {
	c, m := newMocked(t, nil)

	require.NoError(t, c.Set("s1", session{User: "ana", Roles: []string{"admin"}}, 0))

	got, ok, err := GetAs[session](c, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session{User: "ana", Roles: []string{"admin"}}, got)

	_, ok, err = GetAs[session](c, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	job := m.last()
	assert.Equal(t, DefaultNamespace, job.Namespace)
	assert.Equal(t, c.Path(), job.Path)

	var e Entry
	require.NoError(t, json.Unmarshal(job.Data["s1"], &e))
	assert.JSONEq(t, `{"user":"ana","roles":["admin"]}`, e.Value)
	assert.Equal(t, len(e.Value), e.Length)
	assert.Equal(t, FieldTypeKeyValue, e.FieldType)
	assert.NotZero(t, e.CreatedAt)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c, _ := newMocked(t, nil)

	require.NoError(t, c.Set("k", "v", 10*time.Millisecond))
	assert.True(t, c.Exists("k"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, c.Exists("k"))
	var out string
	ok, err := c.Get("k", &out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, -2, int(c.TTL("k")))
	assert.Equal(t, 0, c.Len())
}

func TestCache_TTLAndExpire(t *testing.T) {
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	c, m := newMocked(t, clock)

	assert.Equal(t, int64(-2), c.TTL("k"))

	require.NoError(t, c.Set("k", 1, 0))
	assert.Equal(t, int64(-1), c.TTL("k"))

	require.NoError(t, c.Expire("k", 5*time.Second))
	assert.Equal(t, int64(5000), c.TTL("k"))
	assert.Equal(t, int64(5000), m.last().TTL["key-value_k"])

	clock.advance(2 * time.Second)
	assert.Equal(t, int64(3000), c.TTL("k"))

	clock.advance(4 * time.Second)
	assert.Equal(t, int64(-1000), c.TTL("k"))
	assert.False(t, c.Exists("k"))

	err := c.Expire("k", time.Second)
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeNotFound))

	err = c.Expire("nope", time.Second)
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeNotFound))
}

func TestCache_SetWithoutTTLClearsOldTTL(t *testing.T) {
	clock := &fakeClock{}
	c, m := newMocked(t, clock)

	require.NoError(t, c.Set("k", "a", time.Minute))
	require.NoError(t, c.Set("k", "b", 0))
	assert.Equal(t, int64(-1), c.TTL("k"))
	assert.Empty(t, m.last().TTL)
}

func TestCache_Del(t *testing.T) {
	c, m := newMocked(t, nil)

	require.NoError(t, c.Set("a", 1, time.Minute))
	require.NoError(t, c.Del("a"))
	require.NoError(t, c.Del("never-existed"))

	assert.False(t, c.Exists("a"))
	assert.Empty(t, m.last().Data)
	assert.Empty(t, m.last().TTL)
	m.AssertNumberOfCalls(t, "Enqueue", 3)
}

func TestCache_SerializationFailures(t *testing.T) {
	c, m := newMocked(t, nil)

	err := c.Set("bad", func() {}, 0)
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeSerializationFailure))
	assert.Equal(t, 0, c.Len())
	m.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)

	require.NoError(t, c.Set("text", "hello", 0))
	_, _, err = GetAs[int](c, "text")
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeSerializationFailure))
}

func TestCache_KeysSkipExpired(t *testing.T) {
	clock := &fakeClock{}
	c, _ := newMocked(t, clock)

	require.NoError(t, c.Set("b", 1, 0))
	require.NoError(t, c.Set("a", 1, 0))
	require.NoError(t, c.Set("c", 1, time.Second))
	clock.advance(2 * time.Second)

	assert.Equal(t, []string{"a", "b"}, c.Keys())
	assert.Equal(t, 3, c.Len())
}

func TestCache_Dispose(t *testing.T) {
	c, _ := newMocked(t, nil)
	require.NoError(t, c.Set("a", 1, 0))

	c.Dispose()
	assert.Equal(t, 0, c.Len())
	assert.True(t, rayerrors.Is(c.Set("b", 2, 0), rayerrors.ErrCodeQueueClosed))
	assert.True(t, rayerrors.Is(c.Del("a"), rayerrors.ErrCodeQueueClosed))
}

func TestCache_PersistsThroughQueue(t *testing.T) {
	dir := t.TempDir()
	q := newQueue(t)

	c, err := New(Options{Dir: dir, HMACKey: testKey, Queue: q, Namespace: "sessions"})
	require.NoError(t, err)
	require.NoError(t, c.Set("a", "alpha", time.Hour))
	require.NoError(t, c.Set("b", 42, 0))
	require.NoError(t, q.Flush(context.Background()))

	reloaded, err := New(Options{Dir: dir, HMACKey: testKey, Queue: q, Namespace: "sessions"})
	require.NoError(t, err)

	a, ok, err := GetAs[string](reloaded, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", a)
	assert.Greater(t, reloaded.TTL("a"), int64(0))

	b, ok, err := GetAs[int](reloaded, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, b)

	_, err = New(Options{Dir: dir, HMACKey: []byte("another-key"), Queue: q, Namespace: "sessions"})
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeCorruptedState))
}

func TestCache_AnyByteFlipFailsLoad(t *testing.T) {
	dir := t.TempDir()
	q := newQueue(t)

	c, err := New(Options{Dir: dir, HMACKey: testKey, Queue: q})
	require.NoError(t, err)
	require.NoError(t, c.Set("k", map[string]int{"n": 7}, time.Hour))
	require.NoError(t, c.Set("other", "value", 0))
	require.NoError(t, q.Flush(context.Background()))

	original, err := os.ReadFile(c.Path())
	require.NoError(t, err)

	for i := range original {
		tampered := append([]byte(nil), original...)
		tampered[i] ^= 0x01
		require.NoError(t, os.WriteFile(c.Path(), tampered, 0o644))

		_, err := New(Options{Dir: dir, HMACKey: testKey, Queue: q})
		if !rayerrors.Is(err, rayerrors.ErrCodeCorruptedState) {
			t.Fatalf("flip at byte %d was not detected (err=%v)", i, err)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	m := new(MockEnqueuer)

	_, err := New(Options{Dir: t.TempDir(), HMACKey: testKey})
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeInvalidArgument))

	_, err = New(Options{Dir: t.TempDir(), Queue: m})
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeInvalidArgument))

	_, err = New(Options{HMACKey: testKey, Queue: m})
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeInvalidArgument))

	_, err = New(Options{Dir: t.TempDir(), HMACKey: testKey, Queue: m, Namespace: "../escape"})
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeInvalidArgument))
}

func TestNew_FromEnvironment(t *testing.T) {
	m := new(MockEnqueuer)
	root := t.TempDir()

	e, err := env.New(env.WithoutProcessEnv(), env.WithRoot(root))
	require.NoError(t, err)
	_, err = New(Options{Env: e, Queue: m})
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeEnvironmentUnsupported))

	e, err = env.New(env.WithoutProcessEnv(), env.WithRoot(root),
		env.WithVariables(map[string]string{env.HMACKeyVar: "k"}))
	require.NoError(t, err)
	c, err := New(Options{Env: e, Queue: m})
	require.NoError(t, err)
	assert.Equal(t, e.CacheDir(), filepath.Dir(c.Path()))

	e, err = env.New(env.WithoutProcessEnv(), env.WithRoot(root),
		env.WithVariables(map[string]string{env.HMACKeyVar: "k", env.NoFilesystemVar: "1"}))
	require.NoError(t, err)
	_, err = New(Options{Env: e, Queue: m})
	assert.True(t, rayerrors.Is(err, rayerrors.ErrCodeEnvironmentUnsupported))
}
