package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMalformedBody     = errors.New("malformed request body")
	ErrBodyTooLarge      = errors.New("request body too large")
	ErrRouteNotFound     = errors.New("route not found")
	ErrResponseCommitted = errors.New("response already committed")
)

// TranslationError reports a request that cannot be expressed in the
// backend's schema.
type TranslationError struct {
	Field  string
	Reason string
}

func (e *TranslationError) Error() string {
	if e.Field == "" {
		return "translate request: " + e.Reason
	}
	return fmt.Sprintf("translate request: %s: %s", e.Field, e.Reason)
}

// Translationf builds a TranslationError for field.
func Translationf(field, format string, args ...any) *TranslationError {
	return &TranslationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// BackendError wraps a failed call to the backend provider. StatusCode is the
// provider's HTTP status when it reported one, zero otherwise.
type BackendError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend %s (%d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// StatusCode maps an error from the request path onto the HTTP status the
// gateway answers with while headers have not been sent.
func StatusCode(err error) int {
	var te *TranslationError
	var be *BackendError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrRouteNotFound):
		return http.StatusNotFound
	case errors.As(err, &te), errors.As(err, &be):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// ErrorDetail is the OpenAI-style error object.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
}

// ErrorResponse is the envelope for every JSON error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// NewErrorResponse builds the envelope for status and message.
func NewErrorResponse(statusCode int, message string) ErrorResponse {
	errType := "invalid_request_error"
	if statusCode >= http.StatusInternalServerError {
		errType = "server_error"
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}

// ForError builds the envelope for err, carrying the backend status as code
// when there is one.
func ForError(err error) (int, ErrorResponse) {
	status := StatusCode(err)
	body := NewErrorResponse(status, err.Error())
	var be *BackendError
	if errors.As(err, &be) && be.StatusCode > 0 {
		body.Error.Code = be.StatusCode
	}
	return status, body
}

func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(statusCode, message))
}
