package server

import (
	"encoding/json"
	"net/http"

	"github.com/serp256/tenx/internal/errs"
)

// ErrorResponse is the body of an error reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeTenxError maps an error to a status by its kind.
func writeTenxError(w http.ResponseWriter, err error) {
	e := errs.From(err)
	status, code := http.StatusInternalServerError, ErrCodeInternalError
	if e.Kind == errs.Session {
		status, code = http.StatusConflict, ErrCodeConflict
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: e.User, Kind: string(e.Kind)}})
}
