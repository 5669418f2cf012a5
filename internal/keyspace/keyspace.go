// Package keyspace holds the named score-ordered and unique-ordered
// collections of a ray node. Every mutation enqueues a signed snapshot of the
// whole keyspace on the write queue; Open restores and verifies it.
package keyspace

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gitlab-az1/ray/internal/collection"
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
	// DefaultNamespace names the snapshot file and signs it.
	DefaultNamespace = "keyspace"

	zsetPrefix = "zeta-index:"
	setPrefix  = "set:"
)

// Type is the kind of collection stored under a key.
type Type string

const (
	TypeNone Type = "none"
	TypeZSet Type = "zset"
	TypeSet  Type = "set"
)

// Enqueuer accepts snapshot jobs. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Options configures a Keyspace.
type Options struct {
	Namespace string
	// Dir defaults to the environment's database path.
	Dir     string
	HMACKey []byte
	Queue   Enqueuer
	Env     *env.Environment
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Keyspace maps keys to collections. It is safe for concurrent use; the
// collections themselves are only touched with mu held.
type Keyspace struct {
	namespace string
	path      string
	queue     Enqueuer
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	zsets map[string]*collection.ScoreOrderedList[string]
	sets  map[string]*collection.UniqueOrderedList[string]
}

// Open builds a keyspace and restores its snapshot when one exists.
func Open(opts Options) (*Keyspace, error) {
	if err := opts.Env.RequireFilesystem(); err != nil {
		return nil, err
	}
	if opts.Queue == nil {
		return nil, rayerrors.InvalidArgument("keyspace requires a write queue", nil)
	}

	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	dir := opts.Dir
	if dir == "" {
		if opts.Env == nil {
			return nil, rayerrors.InvalidArgument("keyspace directory is required", nil)
		}
		dir = opts.Env.DatabaseDir()
	}
	hmacKey := opts.HMACKey
	if len(hmacKey) == 0 {
		if opts.Env == nil {
			return nil, rayerrors.InvalidArgument("keyspace requires an HMAC key", nil)
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

	ks := &Keyspace{
		namespace: ns,
		path:      filepath.Join(dir, ns),
		queue:     opts.Queue,
		logger:    logger.With(zap.String("keyspace", ns)),
		metrics:   opts.Metrics,
		zsets:     make(map[string]*collection.ScoreOrderedList[string]),
		sets:      make(map[string]*collection.UniqueOrderedList[string]),
	}

	if err := ks.restore(hmacKey); err != nil {
		return nil, err
	}
	ks.updateMetrics()

	ks.logger.Info("Keyspace restored",
		zap.String("path", ks.path),
		zap.Int("zsets", len(ks.zsets)),
		zap.Int("sets", len(ks.sets)))
	return ks, nil
}

func (ks *Keyspace) restore(hmacKey []byte) error {
	raw, found, err := fsutil.ReadFile(ks.path)
	if err != nil {
		return rayerrors.CorruptedState("failed to read keyspace snapshot", err)
	}
	if !found {
		return nil
	}

	snap, err := snapshot.Open(raw, mask.CacheKey, hmacKey, ks.namespace)
	if err != nil {
		return err
	}

	for name, data := range snap.Data {
		switch {
		case strings.HasPrefix(name, zsetPrefix):
			var items []collection.Scored[string]
			if err := json.Unmarshal(data, &items); err != nil {
				return rayerrors.CorruptedState("invalid sorted list in keyspace snapshot", err).WithDetail("key", name)
			}
			l := collection.NewScoreOrderedList[string]()
			for _, it := range items {
				if err := l.Add(it.Value, it.Score); err != nil {
					return rayerrors.CorruptedState("invalid score in keyspace snapshot", err).WithDetail("key", name)
				}
			}
			ks.zsets[strings.TrimPrefix(name, zsetPrefix)] = l

		case strings.HasPrefix(name, setPrefix):
			var members []string
			if err := json.Unmarshal(data, &members); err != nil {
				return rayerrors.CorruptedState("invalid set in keyspace snapshot", err).WithDetail("key", name)
			}
			ks.sets[strings.TrimPrefix(name, setPrefix)] = collection.NewUniqueOrderedList(members...)

		default:
			return rayerrors.CorruptedState("unknown keyspace entry", nil).WithDetail("key", name)
		}
	}
	return nil
}

// Path returns the snapshot file path.
func (ks *Keyspace) Path() string { return ks.path }

// ZAdd inserts value into the sorted list at key, creating it if needed.
func (ks *Keyspace) ZAdd(key, value string, score float64) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.checkType(key, TypeZSet); err != nil {
		return err
	}

	l, ok := ks.zsets[key]
	if !ok {
		l = collection.NewScoreOrderedList[string]()
	}
	if err := l.Add(value, score); err != nil {
		return err
	}
	ks.zsets[key] = l

	return ks.persist()
}

// ZRange returns the members of key with lo <= score <= hi in score order.
func (ks *Keyspace) ZRange(key string, lo, hi float64) ([]collection.Scored[string], error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.checkType(key, TypeZSet); err != nil {
		return nil, err
	}
	l, ok := ks.zsets[key]
	if !ok {
		return []collection.Scored[string]{}, nil
	}
	return l.SelectWithScores(lo, hi), nil
}

// ZRem removes the first occurrence of value from key.
func (ks *Keyspace) ZRem(key, value string) (bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	l, ok := ks.zsets[key]
	if !ok || !l.Remove(value) {
		return false, nil
	}
	if l.Len() == 0 {
		delete(ks.zsets, key)
	}
	return true, ks.persist()
}

// ZRemRange removes every member of key with lo <= score <= hi.
func (ks *Keyspace) ZRemRange(key string, lo, hi float64) (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	l, ok := ks.zsets[key]
	if !ok {
		return 0, nil
	}
	n := l.RemoveRange(lo, hi)
	if n == 0 {
		return 0, nil
	}
	if l.Len() == 0 {
		delete(ks.zsets, key)
	}
	return n, ks.persist()
}

// ZScoreBounds returns the lowest and highest score stored under key.
func (ks *Keyspace) ZScoreBounds(key string) (lo, hi float64, ok bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	l, found := ks.zsets[key]
	if !found {
		return 0, 0, false
	}
	lo, ok = l.MinScore()
	hi, _ = l.MaxScore()
	return lo, hi, ok
}

// ZCard returns the number of members stored under key.
func (ks *Keyspace) ZCard(key string) int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if l, ok := ks.zsets[key]; ok {
		return l.Len()
	}
	return 0
}

// SAdd adds value to the set at key. It reports false when value was
// already a member.
func (ks *Keyspace) SAdd(key, value string) (bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := ks.checkType(key, TypeSet); err != nil {
		return false, err
	}

	s, ok := ks.sets[key]
	if !ok {
		s = collection.NewUniqueOrderedList[string]()
		ks.sets[key] = s
	}
	if !s.Add(value) {
		return false, nil
	}
	return true, ks.persist()
}

// SRem removes value from the set at key.
func (ks *Keyspace) SRem(key, value string) (bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	s, ok := ks.sets[key]
	if !ok || !s.Remove(value) {
		return false, nil
	}
	if s.Len() == 0 {
		delete(ks.sets, key)
	}
	return true, ks.persist()
}

// SMembers returns the members of key in insertion order.
func (ks *Keyspace) SMembers(key string) ([]string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if err := ks.checkType(key, TypeSet); err != nil {
		return nil, err
	}
	if s, ok := ks.sets[key]; ok {
		return s.ToArray(), nil
	}
	return []string{}, nil
}

// SIsMember reports whether value belongs to the set at key.
func (ks *Keyspace) SIsMember(key, value string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	s, ok := ks.sets[key]
	return ok && s.Contains(value)
}

// Type returns the kind of collection stored under key.
func (ks *Keyspace) Type(key string) Type {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.typeOf(key)
}

func (ks *Keyspace) typeOf(key string) Type {
	if _, ok := ks.zsets[key]; ok {
		return TypeZSet
	}
	if _, ok := ks.sets[key]; ok {
		return TypeSet
	}
	return TypeNone
}

func (ks *Keyspace) checkType(key string, want Type) error {
	if got := ks.typeOf(key); got != TypeNone && got != want {
		return rayerrors.InvalidArgument("operation against a key holding the wrong kind of value", nil).
			WithDetail("key", key).
			WithDetail("type", string(got))
	}
	return nil
}

// Del removes key whatever it holds.
func (ks *Keyspace) Del(key string) (bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch ks.typeOf(key) {
	case TypeZSet:
		delete(ks.zsets, key)
	case TypeSet:
		delete(ks.sets, key)
	default:
		return false, nil
	}
	return true, ks.persist()
}

// Keys returns every key in lexical order.
func (ks *Keyspace) Keys() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	keys := make([]string, 0, len(ks.zsets)+len(ks.sets))
	for k := range ks.zsets {
		keys = append(keys, k)
	}
	for k := range ks.sets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// persist enqueues a snapshot of every collection. It must be called with
// mu held.
func (ks *Keyspace) persist() error {
	data := make(map[string]json.RawMessage, len(ks.zsets)+len(ks.sets))
	for k, l := range ks.zsets {
		raw, err := json.Marshal(l)
		if err != nil {
			return rayerrors.SerializationFailure("failed to encode sorted list", err).WithDetail("key", k)
		}
		data[zsetPrefix+k] = raw
	}
	for k, s := range ks.sets {
		raw, err := json.Marshal(s)
		if err != nil {
			return rayerrors.SerializationFailure("failed to encode set", err).WithDetail("key", k)
		}
		data[setPrefix+k] = raw
	}
	ks.updateMetrics()

	err := ks.queue.Enqueue(context.Background(), queue.Job{
		Namespace: ks.namespace,
		Path:      ks.path,
		TTL:       map[string]int64{},
		Data:      data,
	})
	if err != nil {
		ks.logger.Warn("Failed to enqueue keyspace snapshot", zap.Error(err))
	}
	return err
}

func (ks *Keyspace) updateMetrics() {
	ks.metrics.UpdateKeyspaceKeys(string(TypeZSet), len(ks.zsets))
	ks.metrics.UpdateKeyspaceKeys(string(TypeSet), len(ks.sets))
}
