// Package cache implements the TTL cache: an in-memory key-value table whose
// state is persisted asynchronously as a signed snapshot through the write
// queue. Expired entries are evicted lazily on access.
package cache

import (
	"context"
	"encoding/json"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gitlab-az1/ray/internal/env"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/fsutil"
	"github.com/gitlab-az1/ray/internal/mask"
	"github.com/gitlab-az1/ray/internal/metrics"
	"github.com/gitlab-az1/ray/internal/queue"
	"github.com/gitlab-az1/ray/internal/snapshot"
	"go.uber.org/zap"
)

const (
	// DefaultNamespace is used when Options.Namespace is empty.
	DefaultNamespace = "rayrc"
	// FieldTypeKeyValue tags plain key-value entries.
	FieldTypeKeyValue = "key-value"
)

// Enqueuer accepts snapshot jobs. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Options configures a Cache.
type Options struct {
	Namespace string
	// Dir defaults to the environment's cache path.
	Dir string
	// HMACKey defaults to the environment's HMAC_KEY.
	HMACKey []byte
	Queue   Enqueuer
	Env     *env.Environment
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Entry is a cached value as persisted in the snapshot.
type Entry struct {
	Value     string `json:"value"`
	Length    int    `json:"length"`
	CreatedAt int64  `json:"createdAt"`
	FieldType string `json:"fieldType"`
}

// Cache is a TTL cache. It is safe for concurrent use.
type Cache struct {
	namespace string
	path      string
	queue     Enqueuer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time

	mu       sync.RWMutex
	items    map[string]Entry
	ttl      map[string]int64
	disposed bool
}

// New builds a cache, restoring and verifying its snapshot when one exists.
func New(opts Options) (*Cache, error) {
	if err := opts.Env.RequireFilesystem(); err != nil {
		return nil, err
	}
	if opts.Queue == nil {
		return nil, rayerrors.InvalidArgument("cache requires a write queue", nil)
	}

	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if ns != filepath.Base(ns) || ns == "." || ns == ".." {
		return nil, rayerrors.InvalidArgument("invalid cache namespace", nil).WithDetail("namespace", ns)
	}

	dir := opts.Dir
	if dir == "" {
		if opts.Env == nil {
			return nil, rayerrors.InvalidArgument("cache directory is required", nil)
		}
		dir = opts.Env.CacheDir()
	}

	hmacKey := opts.HMACKey
	if len(hmacKey) == 0 {
		if opts.Env == nil {
			return nil, rayerrors.InvalidArgument("cache requires an HMAC key", nil)
		}
		key, err := opts.Env.HMACKey()
		if err != nil {
			return nil, err
		}
		hmacKey = key
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Cache{
		namespace: ns,
		path:      filepath.Join(dir, ns),
		queue:     opts.Queue,
		logger:    logger.With(zap.String("namespace", ns)),
		metrics:   opts.Metrics,
		clock:     clock,
		items:     make(map[string]Entry),
		ttl:       make(map[string]int64),
	}

	if err := c.load(hmacKey); err != nil {
		return nil, err
	}
	c.metrics.UpdateCacheEntries(ns, len(c.items))

	c.logger.Debug("Cache loaded",
		zap.String("path", c.path),
		zap.Int("entries", len(c.items)))
	return c, nil
}

func (c *Cache) load(hmacKey []byte) error {
	raw, found, err := fsutil.ReadFile(c.path)
	if err != nil {
		return rayerrors.CorruptedState("failed to read cache snapshot", err)
	}
	if !found {
		return nil
	}

	snap, err := snapshot.Open(raw, mask.CacheKey, hmacKey, c.namespace)
	if err != nil {
		c.logger.Error("Cache snapshot rejected", zap.String("path", c.path), zap.Error(err))
		if rayerrors.Is(err, rayerrors.ErrCodeCorruptedState) {
			return err
		}
		return rayerrors.CorruptedState("cache snapshot rejected", err)
	}

	for k, v := range snap.Data {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return rayerrors.CorruptedState("invalid cache entry", err).WithDetail("key", k)
		}
		c.items[k] = e
	}
	c.ttl = snap.TTL
	return nil
}

// Namespace returns the cache namespace.
func (c *Cache) Namespace() string { return c.namespace }

// Path returns the snapshot file path.
func (c *Cache) Path() string { return c.path }

func ttlKey(fieldType, key string) string {
	return fieldType + "_" + key
}

// Set stores value under key. A positive ttl makes the entry expire ttl
// after now; otherwise any previous TTL is cleared.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	str, err := json.Marshal(value)
	if err != nil {
		return rayerrors.SerializationFailure("unserializable cache value", err).WithDetail("key", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return rayerrors.QueueClosed(c.namespace)
	}

	c.items[key] = Entry{
		Value:     string(str),
		Length:    len(str),
		CreatedAt: c.clock().UnixMilli(),
		FieldType: FieldTypeKeyValue,
	}

	tk := ttlKey(FieldTypeKeyValue, key)
	if ttl > 0 {
		c.ttl[tk] = max(ttl.Milliseconds(), 1)
	} else {
		delete(c.ttl, tk)
	}

	return c.enqueue()
}

// Get decodes the value stored under key into out. It reports false when the
// key is absent or has expired; an expired entry is removed.
func (c *Cache) Get(key string, out any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.metrics.RecordCacheMiss(c.namespace)
		return false, nil
	}

	if c.expired(key, e) {
		delete(c.items, key)
		delete(c.ttl, ttlKey(e.FieldType, key))
		c.metrics.RecordCacheExpiration(c.namespace)
		c.metrics.RecordCacheMiss(c.namespace)

		if c.disposed {
			return false, nil
		}
		return false, c.enqueue()
	}

	if err := json.Unmarshal([]byte(e.Value), out); err != nil {
		return false, rayerrors.SerializationFailure("failed to decode cache value", err).WithDetail("key", key)
	}
	c.metrics.RecordCacheHit(c.namespace)
	return true, nil
}

// GetAs is Get for a concrete type.
func GetAs[T any](c *Cache, key string) (T, bool, error) {
	var v T
	ok, err := c.Get(key, &v)
	return v, ok, err
}

// Del removes key and its TTL row.
func (c *Cache) Del(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return rayerrors.QueueClosed(c.namespace)
	}

	fieldType := FieldTypeKeyValue
	if e, ok := c.items[key]; ok {
		fieldType = e.FieldType
	}
	delete(c.items, key)
	delete(c.ttl, ttlKey(fieldType, key))

	return c.enqueue()
}

// Exists reports whether key is present and not expired. It never evicts.
func (c *Cache) Exists(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exists(key)
}

func (c *Cache) exists(key string) bool {
	e, ok := c.items[key]
	return ok && !c.expired(key, e)
}

// expired reports whether now - createdAt exceeds the key's TTL.
func (c *Cache) expired(key string, e Entry) bool {
	ttl, ok := c.ttl[ttlKey(e.FieldType, key)]
	if !ok || ttl <= 0 {
		return false
	}
	return c.clock().UnixMilli()-e.CreatedAt > ttl
}

// Expire replaces the TTL of an existing key. The TTL still counts from the
// entry's creation time. A non-positive ttl removes the expiry.
func (c *Cache) Expire(key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return rayerrors.QueueClosed(c.namespace)
	}
	if !c.exists(key) {
		return rayerrors.NotFound("cache key", key)
	}

	tk := ttlKey(c.items[key].FieldType, key)
	if ttl > 0 {
		c.ttl[tk] = max(ttl.Milliseconds(), 1)
	} else {
		delete(c.ttl, tk)
	}
	return c.enqueue()
}

// TTL returns -2 when key is absent, -1 when it has no expiry and the
// remaining milliseconds otherwise. The remainder is negative for an
// expired entry that has not been evicted yet.
func (c *Cache) TTL(key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok {
		return -2
	}
	ttl, ok := c.ttl[ttlKey(e.FieldType, key)]
	if !ok || ttl <= 0 {
		return -1
	}
	return ttl - (c.clock().UnixMilli() - e.CreatedAt)
}

// Keys returns the live keys in lexical order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !c.expired(k, e) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Dispose clears both tables. Nothing is enqueued afterwards and the
// snapshot on disk is left as it was.
func (c *Cache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]Entry)
	c.ttl = make(map[string]int64)
	c.disposed = true
	c.metrics.UpdateCacheEntries(c.namespace, 0)

	c.logger.Debug("Cache disposed")
}

// enqueue snapshots both tables. It must be called with mu held so that jobs
// reach the queue in mutation order.
func (c *Cache) enqueue() error {
	data := make(map[string]json.RawMessage, len(c.items))
	for k, e := range c.items {
		raw, err := json.Marshal(e)
		if err != nil {
			return rayerrors.SerializationFailure("failed to encode cache entry", err).WithDetail("key", k)
		}
		data[k] = raw
	}
	c.metrics.UpdateCacheEntries(c.namespace, len(c.items))

	err := c.queue.Enqueue(context.Background(), queue.Job{
		Namespace: c.namespace,
		Path:      c.path,
		TTL:       maps.Clone(c.ttl),
		Data:      data,
	})
	if err != nil {
		c.logger.Warn("Failed to enqueue cache snapshot", zap.Error(err))
	}
	return err
}
