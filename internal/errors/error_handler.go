package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Handler writes error responses for the HTTP layer.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// HandleError maps err to a status code and writes it.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get("X-Request-ID")

	var re *RayError
	if !stderrors.As(err, &re) {
		re = InternalError("internal server error", err)
	}

	status := re.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.String("error_code", re.Code.String()),
			zap.Error(err),
		)
	}

	message := re.Message
	if status < http.StatusInternalServerError && re.Cause != nil {
		message = re.Error()
	}

	h.write(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: re.Code.String(),
		Message:   message,
		Details:   re.Details,
		RequestID: requestID,
	})
}

// WriteErrorResponse writes a standardized error response.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, code ErrorCode, message, requestID string) {
	h.write(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: code.String(),
		Message:   message,
		RequestID: requestID,
	})
}

// WriteValidationError writes a 400 for a malformed request.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidArgument, message, requestID)
}

func (h *Handler) write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	if len(resp.Details) == 0 {
		resp.Details = nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode error response", zap.Error(err))
	}
}
