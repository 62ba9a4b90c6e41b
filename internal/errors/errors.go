// Package errors defines the application error type shared by the CLI and
// the control server, and the JSON error envelope the server writes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// AppError carries a stable code and HTTP status alongside the cause.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with details attached.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func New(code string, status int, message string) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code string, status int, message string) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func NewBadRequest(message string) *AppError {
	return New(CodeBadRequest, http.StatusBadRequest, message)
}

func NewNotFound(message string) *AppError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

func NewConflict(message string) *AppError {
	return New(CodeConflict, http.StatusConflict, message)
}

func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, http.StatusBadGateway, message)
}

// WrapInternal wraps err as an internal error. A cancelled context is
// reported as unavailable rather than internal.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && ctx.Err() != nil {
		return Wrap(err, CodeServiceUnavailable, http.StatusServiceUnavailable, message)
	}
	return Wrap(err, CodeInternal, http.StatusInternalServerError, message)
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// RequestIDHeader carries the request id echoed in error bodies.
const RequestIDHeader = "X-Request-ID"

// RespondWithError writes err as an HTTPErrorResponse. Errors that are not
// *AppError become INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var app *AppError
	if !stderrors.As(err, &app) {
		app = Wrap(err, CodeInternal, http.StatusInternalServerError, "internal error")
	}
	body := HTTPErrorResponse{Error: HTTPError{
		Code:    app.Code,
		Message: app.Error(),
		Details: app.Details,
	}}
	if r != nil {
		body.Error.RequestID = r.Header.Get(RequestIDHeader)
	}
	WriteJSON(w, app.Status, body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
