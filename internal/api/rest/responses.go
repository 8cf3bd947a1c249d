package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	domainerrors "github.com/virtualsim/activation-backend/internal/domain/errors"
)

// ResponseEnvelope wraps all API responses.
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ResponseEnvelope{
		Success: status < 400,
		Data:    data,
		Meta: ResponseMeta{
			RequestID: requestID(r),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeError maps application errors onto their HTTP shape. Unknown errors
// become opaque 500s; internals never leak to clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *domainerrors.AppError
	if !errors.As(err, &appErr) {
		appErr = domainerrors.NewInternalError("internal server error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)

	_ = json.NewEncoder(w).Encode(ResponseEnvelope{
		Success: false,
		Error: &ErrorResponse{
			Code:    appErr.Code,
			Message: appErr.Message,
			Type:    string(appErr.Type),
		},
		Meta: ResponseMeta{
			RequestID: requestID(r),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeEnvelope writes a pre-built envelope, filling in the meta block.
func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env *ResponseEnvelope) {
	env.Meta = ResponseMeta{
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func decodeBody(r *http.Request, dest interface{}) error {
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return domainerrors.NewValidationError("INVALID_BODY", "request body is not valid JSON: "+err.Error())
	}
	return nil
}
