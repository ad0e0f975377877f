package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondAppError maps a classified error onto its HTTP status. Retryable kinds carry
// Retry-After so clients can repeat the whole action.
func RespondAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)

	message := http.StatusText(status)
	var appErr *apperr.Error
	if errors.As(err, &appErr) && kind != apperr.KindInternal {
		switch {
		case appErr.Msg != "":
			message = appErr.Msg
		case status < http.StatusInternalServerError && appErr.Err != nil:
			message = appErr.Err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	if apperr.Retryable(kind) {
		w.Header().Set("Retry-After", "1")
	}
	RespondJSON(w, status, ErrorBody{Error: message, Kind: kind})
}

// StatusFor 错误类型到HTTP状态码
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated, apperr.KindIdentityMismatch:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case apperr.KindStorageUnavailable, apperr.KindUnavailable, apperr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
