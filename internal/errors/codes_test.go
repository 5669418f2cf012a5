package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRayError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *RayError
		status int
	}{
		{"invalid argument", InvalidArgument("bad", nil), http.StatusBadRequest},
		{"invalid score", InvalidScore(0), http.StatusBadRequest},
		{"not found", NotFound("cache key", "k"), http.StatusNotFound},
		{"unauthorized", Unauthorized("nope"), http.StatusUnauthorized},
		{"length required", LengthRequired(), http.StatusLengthRequired},
		{"too many connections", TooManyConnections("ip", 2), http.StatusTooManyRequests},
		{"serialization", SerializationFailure("x", nil), http.StatusUnprocessableEntity},
		{"corrupted", CorruptedState("x", nil), http.StatusInternalServerError},
		{"environment", EnvironmentUnsupported("x"), http.StatusInternalServerError},
		{"queue closed", QueueClosed("cache"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
		})
	}
}

func TestRayError_Chain(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := fmt.Errorf("open cache: %w", CorruptedState("signature mismatch", cause))

	assert.True(t, IsRayError(err))
	assert.Equal(t, ErrCodeCorruptedState, GetCode(err))
	assert.True(t, Is(err, ErrCodeCorruptedState))
	assert.False(t, Is(err, ErrCodeNotFound))
	assert.True(t, stderrors.Is(err, CorruptedState("", nil)))
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "open cache: signature mismatch: disk on fire", err.Error())

	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.False(t, Is(nil, ErrCodeInternal))
}

func TestHandler_HandleError(t *testing.T) {
	h := NewHandler(nil)

	t.Run("ray error keeps its code", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/cache/k", nil)
		req.Header.Set("X-Request-ID", "abc")
		w := httptest.NewRecorder()

		h.HandleError(w, req, NotFound("cache key", "k"))

		require.Equal(t, http.StatusNotFound, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, "NOT_FOUND", resp.ErrorCode)
		assert.Equal(t, "abc", resp.RequestID)
		assert.Equal(t, "k", resp.Details["key"])
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()

		h.HandleError(w, req, fmt.Errorf("boom"))

		require.Equal(t, http.StatusInternalServerError, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "INTERNAL_ERROR", resp.ErrorCode)
		assert.Equal(t, "internal server error", resp.Message)
	})
}
