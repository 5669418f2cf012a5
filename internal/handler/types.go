package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gitlab-az1/ray/internal/collection"
	rayerrors "github.com/gitlab-az1/ray/internal/errors"
	"github.com/gitlab-az1/ray/internal/middleware"
	"github.com/gitlab-az1/ray/internal/queue"
	"github.com/gorilla/mux"
)

const statusOK = "ok"

// ZAddRequest is the body of POST /v1/zsets/{key}.
type ZAddRequest struct {
	Value string   `json:"value"`
	Score *float64 `json:"score"`
}

// SAddRequest is the body of POST /v1/sets/{key}.
type SAddRequest struct {
	Value string `json:"value"`
}

// CacheSetRequest is the body of PUT /v1/cache/{key}.
type CacheSetRequest struct {
	Value json.RawMessage `json:"value"`
	TTLMs int64           `json:"ttl_ms"`
}

// CacheExpireRequest is the body of POST /v1/cache/{key}/expire.
type CacheExpireRequest struct {
	TTLMs int64 `json:"ttl_ms"`
}

// StoreSetRequest is the body of PUT /v1/store/{key}.
type StoreSetRequest struct {
	Value    json.RawMessage `json:"value"`
	Override bool            `json:"override"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// MutationResponse reports whether a write changed anything.
type MutationResponse struct {
	Status  string `json:"status"`
	Key     string `json:"key"`
	Changed bool   `json:"changed"`
	Count   int    `json:"count,omitempty"`
}

// ZRangeResponse is the response of GET /v1/zsets/{key}.
type ZRangeResponse struct {
	Status string                      `json:"status"`
	Key    string                      `json:"key"`
	Values []string                    `json:"values,omitempty"`
	Items  []collection.Scored[string] `json:"items,omitempty"`
	Count  int                         `json:"count"`
}

// ZBoundsResponse is the response of GET /v1/zsets/{key}/bounds.
type ZBoundsResponse struct {
	Status string  `json:"status"`
	Key    string  `json:"key"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Card   int     `json:"card"`
}

// SMembersResponse is the response of GET /v1/sets/{key}.
type SMembersResponse struct {
	Status  string   `json:"status"`
	Key     string   `json:"key"`
	Members []string `json:"members"`
}

// SIsMemberResponse is the response of GET /v1/sets/{key}/members/{value}.
type SIsMemberResponse struct {
	Status   string `json:"status"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsMember bool   `json:"is_member"`
}

// KeyInfo names a keyspace key and its collection type.
type KeyInfo struct {
	Key  string `json:"key"`
	Type string `json:"type"`
}

// KeysResponse is the response of GET /v1/keys.
type KeysResponse struct {
	Status string    `json:"status"`
	Keys   []KeyInfo `json:"keys"`
}

// CacheGetResponse is the response of GET /v1/cache/{key}.
type CacheGetResponse struct {
	Status string          `json:"status"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	TTLMs  int64           `json:"ttl_ms"`
}

// CacheTTLResponse is the response of GET /v1/cache/{key}/ttl. TTLMs is -2
// for a missing key and -1 for a key without expiry.
type CacheTTLResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
	TTLMs  int64  `json:"ttl_ms"`
}

// StoreGetResponse is the response of GET /v1/store/{key}.
type StoreGetResponse struct {
	Status   string          `json:"status"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Created  int64           `json:"created"`
	Updated  int64           `json:"updated"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// ClientsResponse is the response of GET /v1/clients.
type ClientsResponse struct {
	Status  string                  `json:"status"`
	Clients []middleware.ClientInfo `json:"clients"`
}

// StatsResponse is the response of GET /v1/stats.
type StatsResponse struct {
	Status      string      `json:"status"`
	Queue       queue.Stats `json:"queue"`
	Utilization float64     `json:"utilization_percent"`
	SuccessRate float64     `json:"success_rate_percent"`
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// scoreParam parses a score bound from the query. Missing bounds default to
// def; "-inf" and "+inf" are accepted, NaN is not.
func scoreParam(r *http.Request, name string, def float64) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, rayerrors.InvalidArgument("invalid score bound", err).WithDetail(name, raw)
	}
	return v, nil
}

func scoreRange(r *http.Request) (float64, float64, error) {
	lo, err := scoreParam(r, "min", math.Inf(-1))
	if err != nil {
		return 0, 0, err
	}
	hi, err := scoreParam(r, "max", math.Inf(1))
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		q := r.URL.Query()
		return 0, 0, rayerrors.InvalidArgument("min must not exceed max", nil).
			WithDetail("min", q.Get("min")).
			WithDetail("max", q.Get("max"))
	}
	return lo, hi, nil
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
