// Package handler provides HTTP request handlers for the ray front end.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gitlab-az1/ray/internal/collection"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/keyspace"
	"github.com/gitlab-az1/ray/internal/middleware"
	"github.com/gitlab-az1/ray/internal/queue"
	"github.com/gitlab-az1/ray/internal/store"
	"go.uber.org/zap"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Keyspace is the collection surface served under /v1/zsets and /v1/sets.
type Keyspace interface {
	ZAdd(key, value string, score float64) error
	ZRange(key string, lo, hi float64) ([]collection.Scored[string], error)
	ZRem(key, value string) (bool, error)
	ZRemRange(key string, lo, hi float64) (int, error)
	ZScoreBounds(key string) (lo, hi float64, ok bool)
	ZCard(key string) int
	SAdd(key, value string) (bool, error)
	SRem(key, value string) (bool, error)
	SMembers(key string) ([]string, error)
	SIsMember(key, value string) bool
	Type(key string) keyspace.Type
	Del(key string) (bool, error)
	Keys() []string
}

// Cache is the TTL cache served under /v1/cache.
type Cache interface {
	Set(key string, value any, ttl time.Duration) error
	Get(key string, out any) (bool, error)
	Del(key string) error
	Expire(key string, ttl time.Duration) error
	TTL(key string) int64
	Keys() []string
}

// Store is the durable application store served under /v1/store.
type Store interface {
	Set(key string, value json.RawMessage, opts ...store.SetOption) error
	GetWithMetadata(key string) (store.Entry[json.RawMessage], bool)
	Has(key string) bool
	Delete(key string) (bool, error)
	Keys() []string
}

// ClientRegistry lists the live-client records.
type ClientRegistry interface {
	Values() []middleware.ClientInfo
}

// QueueStats exposes write queue counters.
type QueueStats interface {
	Stats() queue.Stats
}

// Deps groups the components the handlers serve.
type Deps struct {
	Keyspace Keyspace
	Cache    Cache
	Store    Store
	Clients  ClientRegistry
	Queue    QueueStats
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	keyspace     Keyspace
	cache        Cache
	store        Store
	clients      ClientRegistry
	queue        QueueStats
	errorHandler *rayerrors.Handler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, errorHandler *rayerrors.Handler, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if errorHandler == nil {
		errorHandler = rayerrors.NewHandler(logger)
	}
	return &Handlers{
		keyspace:     deps.Keyspace,
		cache:        deps.Cache,
		store:        deps.Store,
		clients:      deps.Clients,
		queue:        deps.Queue,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// ListKeys handles GET /v1/keys.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.keyspace.Keys()
	out := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyInfo{Key: k, Type: string(h.keyspace.Type(k))})
	}
	h.writeJSONResponse(w, http.StatusOK, KeysResponse{Status: statusOK, Keys: out})
}

// DeleteKey handles DELETE /v1/keys/{key}.
func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")
	deleted, err := h.keyspace.Del(key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !deleted {
		h.errorHandler.HandleError(w, r, rayerrors.NotFound("key", key))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MutationResponse{Status: statusOK, Key: key, Changed: true})
}

// ListClients handles GET /v1/clients.
func (h *Handlers) ListClients(w http.ResponseWriter, r *http.Request) {
	var clients []middleware.ClientInfo
	if h.clients != nil {
		clients = h.clients.Values()
	}
	if clients == nil {
		clients = []middleware.ClientInfo{}
	}
	h.writeJSONResponse(w, http.StatusOK, ClientsResponse{Status: statusOK, Clients: clients})
}

// QueueStats handles GET /v1/stats.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	s := h.queue.Stats()
	h.writeJSONResponse(w, http.StatusOK, StatsResponse{
		Status:      statusOK,
		Queue:       s,
		Utilization: s.QueueUtilization(),
		SuccessRate: s.SuccessRate(),
	})
}

// decodeBody decodes a JSON request body into v.
func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return rayerrors.InvalidArgument("request body is required", nil)
		}
		return rayerrors.InvalidArgument("invalid JSON body", err)
	}
	if dec.More() {
		return rayerrors.InvalidArgument("request body must hold a single JSON value", nil)
	}
	return nil
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
