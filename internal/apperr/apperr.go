// Package apperr defines the typed error vocabulary shared by every layer.
// Handlers map these to HTTP responses, governance marks checkpoints by kind,
// and the retry helpers decide eligibility by kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. The kind travels with the error across layers so the edge can
// translate it without string matching.
const (
	KindInputValidation        = "INPUT_VALIDATION"
	KindClassificationFallback = "CLASSIFICATION_FALLBACK"
	KindRetrievalEmpty         = "RETRIEVAL_EMPTY"
	KindLLMTransient           = "LLM_TRANSIENT"
	KindLLMUpstream            = "LLM_UPSTREAM"
	KindLLMTimeout             = "LLM_TIMEOUT"
	KindVectorStoreUnavailable = "VECTOR_STORE_UNAVAILABLE"
	KindToolFailure            = "TOOL_FAILURE"
	KindFeedbackNotFound       = "FEEDBACK_NOT_FOUND"
	KindInternal               = "INTERNAL"
)

// Error carries a kind code, a user-facing message, the HTTP status the edge
// should emit, and the wrapped cause.
type Error struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with an explicit status.
func New(code, message string, status int, err error) *Error {
	return &Error{Code: code, Message: message, Status: status, Err: err}
}

func Validation(message string, err error) *Error {
	return New(KindInputValidation, message, http.StatusBadRequest, err)
}

func ClassificationFallback(message string, err error) *Error {
	return New(KindClassificationFallback, message, http.StatusInternalServerError, err)
}

func RetrievalEmpty(message string) *Error {
	return New(KindRetrievalEmpty, message, http.StatusNotFound, nil)
}

func LLMTransient(message string, err error) *Error {
	return New(KindLLMTransient, message, http.StatusServiceUnavailable, err)
}

func LLMUpstream(message string, err error) *Error {
	return New(KindLLMUpstream, message, http.StatusBadGateway, err)
}

func LLMTimeout(message string, err error) *Error {
	return New(KindLLMTimeout, message, http.StatusGatewayTimeout, err)
}

func VectorStoreUnavailable(message string, err error) *Error {
	return New(KindVectorStoreUnavailable, message, http.StatusServiceUnavailable, err)
}

func ToolFailure(message string, err error) *Error {
	return New(KindToolFailure, message, http.StatusBadGateway, err)
}

func FeedbackNotFound(queryID string) *Error {
	return New(KindFeedbackNotFound, fmt.Sprintf("no recorded query %q", queryID), http.StatusNotFound, nil)
}

func Internal(message string, err error) *Error {
	return New(KindInternal, message, http.StatusInternalServerError, err)
}

// KindOf extracts the kind code from an error chain. Unknown errors report
// KindInternal.
func KindOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

// StatusOf extracts the HTTP status, defaulting to 500 for untyped errors.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a single retry is worth attempting. Only
// transient LLM failures qualify; timeouts and upstream rejections are final.
func Retryable(err error) bool {
	return IsKind(err, KindLLMTransient)
}
