package utils

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"ms-registration/internal/apperror"
)

const maxBodyBytes = 1 << 20

type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func SuccessResponse(message string, data any) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func ErrorResponse(code, message string) APIResponse {
	return APIResponse{
		Success:   false,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, SuccessResponse(message, data))
}

// WriteError maps err onto its taxonomy status. Internal causes are never
// written to the client.
func WriteError(w http.ResponseWriter, err error) {
	resp := ErrorResponse(apperror.CodeOf(err), apperror.PublicMessage(err))
	if e, ok := apperror.As(err); ok {
		resp.Retryable = e.Retryable
	}
	WriteJSON(w, apperror.StatusOf(err), resp)
}

func WriteErrorStatus(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse(code, message))
}

// DecodeJSON reads a bounded JSON body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.Validation(apperror.CodeInvalidRequest, "request body is required")
		}
		return apperror.Validation(apperror.CodeInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}
