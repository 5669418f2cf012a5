// Package store implements the durable snapshot store: a named key-value
// table persisted synchronously as a masked, base64 encoded JSON document.
//
// Every key carries a metadata row with its creation and last update times
// plus any caller supplied fields. The whole table is rewritten atomically on
// each mutation.
package store

import (
	"encoding/base64"
	"encoding/json"
	"iter"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gitlab-az1/ray/internal/env"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/fsutil"
	"github.com/gitlab-az1/ray/internal/mask"
	"github.com/gitlab-az1/ray/internal/metrics"
	"go.uber.org/zap"
)

const (
	tableField    = "$c"
	metadataField = "$store-metadata"
	keyPathField  = "$keyPath"
)

// Options configures a Store.
type Options struct {
	// Dir overrides the directory holding the store file. Defaults to the
	// environment's store path.
	Dir     string
	Env     *env.Environment
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Entry is a value together with its metadata row.
type Entry[V any] struct {
	Value    V
	Created  int64
	Updated  int64
	Metadata map[string]any
}

// Store is a durable key-value table. It is safe for concurrent use.
type Store[V any] struct {
	name    string
	path    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	env     *env.Environment
	clock   func() time.Time

	mu      sync.RWMutex
	order   []string
	values  map[string]V
	encoded map[string]json.RawMessage
	rows    map[string]*keyRow
	global  map[string]any
}

// SetOption tunes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	override bool
	metadata map[string]any
}

// WithOverride replaces an existing value instead of leaving it untouched.
func WithOverride() SetOption {
	return func(o *setOptions) {
		o.override = true
	}
}

// WithMetadata merges md into the key's metadata row.
func WithMetadata(md map[string]any) SetOption {
	return func(o *setOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(md))
		}
		maps.Copy(o.metadata, md)
	}
}

// Open loads the store called name, or starts an empty one when its file
// does not exist yet.
func Open[V any](name string, opts Options) (*Store[V], error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, rayerrors.InvalidArgument("invalid store name", nil).WithDetail("name", name)
	}
	if err := opts.Env.RequireFilesystem(); err != nil {
		return nil, err
	}

	dir := opts.Dir
	if dir == "" {
		if opts.Env == nil {
			return nil, rayerrors.InvalidArgument("store directory is required", nil)
		}
		dir = opts.Env.StoreDir()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store[V]{
		name:    name,
		path:    filepath.Join(dir, name),
		logger:  logger.With(zap.String("store", name)),
		metrics: opts.Metrics,
		env:     opts.Env,
		clock:   clock,
		values:  make(map[string]V),
		encoded: make(map[string]json.RawMessage),
		rows:    make(map[string]*keyRow),
		global:  make(map[string]any),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	s.logger.Debug("Store opened",
		zap.String("path", s.path),
		zap.Int("entries", len(s.order)))
	return s, nil
}

// Name returns the store name.
func (s *Store[V]) Name() string { return s.name }

// Path returns the backing file path.
func (s *Store[V]) Path() string { return s.path }

// Set writes value under key and persists the table. An existing key is left
// untouched unless WithOverride is given.
func (s *Store[V]) Set(key string, value V, opts ...SetOption) error {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return rayerrors.SerializationFailure("failed to encode store value", err).WithDetail("key", key)
	}
	if _, err := json.Marshal(o.metadata); err != nil {
		return rayerrors.SerializationFailure("failed to encode store metadata", err).WithDetail("key", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevValue, existed := s.values[key]
	if existed && !o.override {
		return nil
	}
	prevEncoded := s.encoded[key]

	row := s.rows[key]
	var backup *keyRow
	if row != nil {
		backup = row.clone()
	}

	now := s.clock().UnixMilli()
	if row == nil {
		row = &keyRow{Created: now}
		s.rows[key] = row
	}
	if row.Updated >= now {
		now = row.Updated + 1
	}
	row.Updated = now
	row.merge(o.metadata)

	if !existed {
		s.order = append(s.order, key)
	}
	s.values[key] = value
	s.encoded[key] = raw

	if err := s.persist(); err != nil {
		if existed {
			s.values[key] = prevValue
			s.encoded[key] = prevEncoded
		} else {
			delete(s.values, key)
			delete(s.encoded, key)
			s.order = s.order[:len(s.order)-1]
		}
		if backup != nil {
			s.rows[key] = backup
		} else {
			delete(s.rows, key)
		}
		return err
	}
	return nil
}

// Get returns the value stored under key.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	return v, ok
}

// GetWithMetadata returns the value and its metadata row.
func (s *Store[V]) GetWithMetadata(key string) (Entry[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return Entry[V]{}, false
	}

	e := Entry[V]{Value: v}
	if row := s.rows[key]; row != nil {
		e.Created = row.Created
		e.Updated = row.Updated
		e.Metadata = maps.Clone(row.Extra)
	}
	return e, true
}

// Has reports whether key is present.
func (s *Store[V]) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.values[key]
	return ok
}

// Delete removes key together with its metadata row and persists the table.
func (s *Store[V]) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return false, nil
	}

	idx := slices.Index(s.order, key)
	raw := s.encoded[key]
	row := s.rows[key]

	delete(s.values, key)
	delete(s.encoded, key)
	delete(s.rows, key)
	s.order = slices.Delete(s.order, idx, idx+1)

	if err := s.persist(); err != nil {
		s.values[key] = v
		s.encoded[key] = raw
		if row != nil {
			s.rows[key] = row
		}
		s.order = slices.Insert(s.order, idx, key)
		return false, err
	}
	return true, nil
}

// Len returns the number of entries.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Keys returns the keys in insertion order.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// Values returns the values in key insertion order.
func (s *Store[V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.values[k])
	}
	return out
}

// Entries iterates over a point-in-time copy of the table, so the callback
// may call back into the store.
func (s *Store[V]) Entries() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		s.mu.RLock()
		keys := slices.Clone(s.order)
		values := make([]V, len(keys))
		for i, k := range keys {
			values[i] = s.values[k]
		}
		s.mu.RUnlock()

		for i, k := range keys {
			if !yield(k, values[i]) {
				return
			}
		}
	}
}

// SetGlobalMetadata merges md into the store-wide metadata. It does not
// persist; call Flush afterwards. Metadata that cannot be encoded is
// rejected with SerializationFailure and nothing is merged.
func (s *Store[V]) SetGlobalMetadata(md map[string]any) error {
	if _, err := json.Marshal(md); err != nil {
		return rayerrors.SerializationFailure("failed to encode store metadata", err).WithDetail("store", s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range md {
		if k == keyPathField {
			continue
		}
		s.global[k] = v
	}
	return nil
}

// GlobalMetadata returns a copy of the store-wide metadata.
func (s *Store[V]) GlobalMetadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.global)
}

// GlobalMetadataValue returns a single store-wide metadata field.
func (s *Store[V]) GlobalMetadataValue(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.global[key]
	return v, ok
}

// Flush persists the current state.
func (s *Store[V]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// Clear empties the table and the store-wide metadata, then persists.
func (s *Store[V]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, values, encoded, rows, global := s.order, s.values, s.encoded, s.rows, s.global
	s.reset()

	if err := s.persist(); err != nil {
		s.order, s.values, s.encoded, s.rows, s.global = order, values, encoded, rows, global
		return err
	}
	return nil
}

// Erase deletes the backing file and clears the in-memory state. The file is
// not recreated until the next mutation.
func (s *Store[V]) Erase() error {
	if err := s.env.RequireFilesystem(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fsutil.Remove(s.path); err != nil {
		return rayerrors.InternalError("failed to erase store", err).WithDetail("store", s.name)
	}
	s.reset()

	s.logger.Info("Store erased", zap.String("path", s.path))
	return nil
}

func (s *Store[V]) reset() {
	s.order = nil
	s.values = make(map[string]V)
	s.encoded = make(map[string]json.RawMessage)
	s.rows = make(map[string]*keyRow)
	s.global = make(map[string]any)
}

// persist must be called with mu held.
func (s *Store[V]) persist() error {
	if err := s.env.RequireFilesystem(); err != nil {
		return err
	}

	start := time.Now()
	payload, err := s.encode()
	if err != nil {
		s.metrics.RecordStoreWrite(s.name, false, time.Since(start).Seconds(), len(s.order))
		return err
	}

	if err := fsutil.WriteFile(s.path, payload); err != nil {
		s.metrics.RecordStoreWrite(s.name, false, time.Since(start).Seconds(), len(s.order))
		s.logger.Error("Failed to persist store", zap.String("path", s.path), zap.Error(err))
		return rayerrors.InternalError("failed to persist store", err).WithDetail("store", s.name)
	}

	s.metrics.RecordStoreWrite(s.name, true, time.Since(start).Seconds(), len(s.order))
	s.logger.Debug("Store persisted",
		zap.Int("entries", len(s.order)),
		zap.Int("bytes", len(payload)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Store[V]) encode() ([]byte, error) {
	meta := make(map[string]any, len(s.global)+1)
	maps.Copy(meta, s.global)
	meta[keyPathField] = s.rows

	doc := map[string]any{
		tableField:    s.encoded,
		metadataField: meta,
	}

	plain, err := json.Marshal(doc)
	if err != nil {
		return nil, rayerrors.SerializationFailure("failed to encode store", err).WithDetail("store", s.name)
	}

	if err := mask.Remove(plain, mask.StoreKey); err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(plain)))
	base64.StdEncoding.Encode(out, plain)
	return out, nil
}

func (s *Store[V]) load() error {
	data, found, err := fsutil.ReadFile(s.path)
	if err != nil {
		return rayerrors.InternalError("failed to read store", err).WithDetail("store", s.name)
	}
	if !found {
		return nil
	}

	plain, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return s.corrupted("store file is not valid base64", err)
	}
	if err := mask.Remove(plain, mask.StoreKey); err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(plain, &doc); err != nil || doc == nil {
		return s.corrupted("store file is not a JSON object", err)
	}

	var table map[string]json.RawMessage
	if raw, ok := doc[tableField]; !ok {
		return s.corrupted("store file is missing "+tableField, nil)
	} else if err := json.Unmarshal(raw, &table); err != nil || table == nil {
		return s.corrupted(tableField+" is not an object", err)
	}

	var meta map[string]json.RawMessage
	if raw, ok := doc[metadataField]; !ok {
		return s.corrupted("store file is missing "+metadataField, nil)
	} else if err := json.Unmarshal(raw, &meta); err != nil || meta == nil {
		return s.corrupted(metadataField+" is not an object", err)
	}

	rows := make(map[string]*keyRow)
	if raw, ok := meta[keyPathField]; ok {
		if err := json.Unmarshal(raw, &rows); err != nil || rows == nil {
			return s.corrupted(keyPathField+" is not an object", err)
		}
		delete(meta, keyPathField)
	}

	for k, raw := range meta {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return s.corrupted("invalid store metadata field", err)
		}
		s.global[k] = v
	}

	for k, raw := range table {
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return s.corrupted("store value does not match its type", err)
		}
		s.values[k] = v
		s.encoded[k] = raw
		s.order = append(s.order, k)
	}

	for k, row := range rows {
		if _, ok := table[k]; ok && row != nil {
			s.rows[k] = row
		}
	}

	slices.SortFunc(s.order, func(a, b string) int {
		ca, cb := s.createdOf(a), s.createdOf(b)
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		}
		return strings.Compare(a, b)
	})
	return nil
}

func (s *Store[V]) createdOf(key string) int64 {
	if row := s.rows[key]; row != nil {
		return row.Created
	}
	return 0
}

func (s *Store[V]) corrupted(msg string, cause error) error {
	s.logger.Error("Store file is corrupted", zap.String("path", s.path), zap.String("reason", msg))
	return rayerrors.CorruptedState(msg, cause).WithDetail("store", s.name)
}
