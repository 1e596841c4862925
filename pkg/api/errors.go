// Package api defines the error envelope and JSON helpers shared by all
// HTTP handlers. Errors carry a stable code that is surfaced to clients in
// the X-Error-Code header alongside an HTTP status.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes recognized by huggingface_hub and equivalent clients.
const (
	CodeRepoNotFound     = "RepoNotFound"
	CodeRepoExists       = "RepoExists"
	CodeRevisionNotFound = "RevisionNotFound"
	CodeEntryNotFound    = "EntryNotFound"
	CodeGatedRepo        = "GatedRepo"
	CodeBadRequest       = "BadRequest"
	CodeQuotaExceeded    = "QuotaExceeded"
	CodeConflict         = "Conflict"
	CodeServerError      = "ServerError"
)

var statusByCode = map[string]int{
	CodeRepoNotFound:     http.StatusNotFound,
	CodeRepoExists:       http.StatusBadRequest,
	CodeRevisionNotFound: http.StatusNotFound,
	CodeEntryNotFound:    http.StatusNotFound,
	CodeGatedRepo:        http.StatusForbidden,
	CodeBadRequest:       http.StatusBadRequest,
	CodeQuotaExceeded:    http.StatusRequestEntityTooLarge,
	CodeConflict:         http.StatusConflict,
	CodeServerError:      http.StatusInternalServerError,
}

// Error is a coded error that maps onto the HTTP error envelope.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status associated with the error code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Errf builds a coded error with a formatted message.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WriteError writes the error envelope: X-Error-Code and X-Error-Message
// headers plus a small JSON body. Unknown errors become ServerError.
func WriteError(w http.ResponseWriter, err error) {
	var coded *Error
	if !errors.As(err, &coded) {
		coded = &Error{Code: CodeServerError, Message: err.Error()}
	}
	w.Header().Set("X-Error-Code", coded.Code)
	w.Header().Set("X-Error-Message", coded.Message)
	WriteJSON(w, coded.Status(), map[string]string{
		"error": coded.Message,
	})
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
