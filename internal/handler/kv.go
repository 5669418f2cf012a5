package handler

import (
	"encoding/json"
	"net/http"
	"time"

	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/store"
)

// CacheSet handles PUT /v1/cache/{key}.
func (h *Handlers) CacheSet(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	var req CacheSetRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if len(req.Value) == 0 {
		h.errorHandler.HandleError(w, r, rayerrors.InvalidArgument("value is required", nil))
		return
	}
	if req.TTLMs < 0 {
		h.errorHandler.HandleError(w, r, rayerrors.InvalidArgument("ttl_ms must not be negative", nil))
		return
	}

	if err := h.cache.Set(key, req.Value, time.Duration(req.TTLMs)*time.Millisecond); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MutationResponse{Status: statusOK, Key: key, Changed: true})
}

// CacheGet handles GET /v1/cache/{key}.
func (h *Handlers) CacheGet(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	var value json.RawMessage
	found, err := h.cache.Get(key, &value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !found {
		h.errorHandler.HandleError(w, r, rayerrors.NotFound("cache key", key))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, CacheGetResponse{
		Status: statusOK,
		Key:    key,
		Value:  value,
		TTLMs:  h.cache.TTL(key),
	})
}

// CacheDel handles DELETE /v1/cache/{key}.
func (h *Handlers) CacheDel(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")
	if err := h.cache.Del(key); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MutationResponse{Status: statusOK, Key: key, Changed: true})
}

// CacheTTL handles GET /v1/cache/{key}/ttl.
func (h *Handlers) CacheTTL(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")
	h.writeJSONResponse(w, http.StatusOK, CacheTTLResponse{Status: statusOK, Key: key, TTLMs: h.cache.TTL(key)})
}

// CacheExpire handles POST /v1/cache/{key}/expire.
func (h *Handlers) CacheExpire(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	var req CacheExpireRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	if err := h.cache.Expire(key, time.Duration(req.TTLMs)*time.Millisecond); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, CacheTTLResponse{Status: statusOK, Key: key, TTLMs: h.cache.TTL(key)})
}

// StoreSet handles PUT /v1/store/{key}. Without override an existing key is
// left untouched and the response reports changed=false.
func (h *Handlers) StoreSet(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	var req StoreSetRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if len(req.Value) == 0 {
		h.errorHandler.HandleError(w, r, rayerrors.InvalidArgument("value is required", nil))
		return
	}

	existed := h.store.Has(key)
	opts := []store.SetOption{store.WithMetadata(req.Metadata)}
	if req.Override {
		opts = append(opts, store.WithOverride())
	}
	if err := h.store.Set(key, req.Value, opts...); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	h.writeJSONResponse(w, status, MutationResponse{Status: statusOK, Key: key, Changed: !existed || req.Override})
}

// StoreGet handles GET /v1/store/{key}.
func (h *Handlers) StoreGet(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	entry, ok := h.store.GetWithMetadata(key)
	if !ok {
		h.errorHandler.HandleError(w, r, rayerrors.NotFound("store key", key))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, StoreGetResponse{
		Status:   statusOK,
		Key:      key,
		Value:    entry.Value,
		Created:  entry.Created,
		Updated:  entry.Updated,
		Metadata: entry.Metadata,
	})
}

// StoreDelete handles DELETE /v1/store/{key}.
func (h *Handlers) StoreDelete(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	deleted, err := h.store.Delete(key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !deleted {
		h.errorHandler.HandleError(w, r, rayerrors.NotFound("store key", key))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MutationResponse{Status: statusOK, Key: key, Changed: true})
}
