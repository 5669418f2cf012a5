package handler

import (
	"net/http"

	rayerrors "github.com/gitlab-az1/ray/internal/errors"
)

// ZAdd handles POST /v1/zsets/{key}.
func (h *Handlers) ZAdd(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	var req ZAddRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if req.Score == nil {
		h.errorHandler.HandleError(w, r, rayerrors.InvalidArgument("score is required", nil))
		return
	}

	if err := h.keyspace.ZAdd(key, req.Value, *req.Score); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, MutationResponse{
		Status:  statusOK,
		Key:     key,
		Changed: true,
		Count:   h.keyspace.ZCard(key),
	})
}

// ZRange handles GET /v1/zsets/{key}?min=&max=&withscores=.
func (h *Handlers) ZRange(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	lo, hi, err := scoreRange(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	items, err := h.keyspace.ZRange(key, lo, hi)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp := ZRangeResponse{Status: statusOK, Key: key, Count: len(items)}
	if boolParam(r, "withscores") {
		resp.Items = items
	} else {
		resp.Values = make([]string, 0, len(items))
		for _, it := range items {
			resp.Values = append(resp.Values, it.Value)
		}
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// ZBounds handles GET /v1/zsets/{key}/bounds.
func (h *Handlers) ZBounds(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	lo, hi, ok := h.keyspace.ZScoreBounds(key)
	if !ok {
		h.errorHandler.HandleError(w, r, rayerrors.NotFound("sorted list", key))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, ZBoundsResponse{
		Status: statusOK,
		Key:    key,
		Min:    lo,
		Max:    hi,
		Card:   h.keyspace.ZCard(key),
	})
}

// ZRem handles DELETE /v1/zsets/{key}/members/{value}.
func (h *Handlers) ZRem(w http.ResponseWriter, r *http.Request) {
	key, value := pathVar(r, "key"), pathVar(r, "value")

	removed, err := h.keyspace.ZRem(key, value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !removed {
		h.errorHandler.HandleError(w, r, rayerrors.NotFound("sorted list member", value).WithDetail("list", key))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MutationResponse{Status: statusOK, Key: key, Changed: true})
}

// ZRemRange handles DELETE /v1/zsets/{key}/range?min=&max=.
func (h *Handlers) ZRemRange(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	lo, hi, err := scoreRange(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	n, err := h.keyspace.ZRemRange(key, lo, hi)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MutationResponse{Status: statusOK, Key: key, Changed: n > 0, Count: n})
}

// SAdd handles POST /v1/sets/{key}.
func (h *Handlers) SAdd(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	var req SAddRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	added, err := h.keyspace.SAdd(key, req.Value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	h.writeJSONResponse(w, status, MutationResponse{Status: statusOK, Key: key, Changed: added})
}

// SMembers handles GET /v1/sets/{key}.
func (h *Handlers) SMembers(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")

	members, err := h.keyspace.SMembers(key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	h.writeJSONResponse(w, http.StatusOK, SMembersResponse{Status: statusOK, Key: key, Members: members})
}

// SIsMember handles GET /v1/sets/{key}/members/{value}.
func (h *Handlers) SIsMember(w http.ResponseWriter, r *http.Request) {
	key, value := pathVar(r, "key"), pathVar(r, "value")
	h.writeJSONResponse(w, http.StatusOK, SIsMemberResponse{
		Status:   statusOK,
		Key:      key,
		Value:    value,
		IsMember: h.keyspace.SIsMember(key, value),
	})
}

// SRem handles DELETE /v1/sets/{key}/members/{value}.
func (h *Handlers) SRem(w http.ResponseWriter, r *http.Request) {
	key, value := pathVar(r, "key"), pathVar(r, "value")

	removed, err := h.keyspace.SRem(key, value)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !removed {
		h.errorHandler.HandleError(w, r, rayerrors.NotFound("set member", value).WithDetail("set", key))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MutationResponse{Status: statusOK, Key: key, Changed: true})
}
