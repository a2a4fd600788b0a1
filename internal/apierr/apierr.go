// Package apierr classifies raw request failures into a closed taxonomy.
//
// Classify is the single place that decides whether a failure is retryable.
// The session manager's retry-once-on-401 rule and the request queue's
// retry/drop decision both consult it, so the two call sites never diverge.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category is a coarse failure class.
type Category string

const (
	CategoryNetwork        Category = "NETWORK"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryValidation     Category = "VALIDATION"
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryAuthorization  Category = "AUTHORIZATION"
	CategoryNotFound       Category = "NOT_FOUND"
	CategoryRateLimit      Category = "RATE_LIMIT"
	CategoryServer         Category = "SERVER"
	CategoryUnknown        Category = "UNKNOWN"
)

// Retryable reports whether failures of this category may succeed on a later attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryServer:
		return true
	default:
		return false
	}
}

// Codes for failures that do not come with an API error code.
const (
	CodeNetwork           = "NETWORK_ERROR"
	CodeOffline           = "OFFLINE"
	CodeCanceled          = "CANCELED"
	CodeTimeout           = "TIMEOUT"
	CodeMalformedResponse = "MALFORMED_RESPONSE"
	CodeCredentialAbsent  = "CREDENTIAL_ABSENT"
	CodeSessionExpired    = "SESSION_EXPIRED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeUnknown           = "UNKNOWN_ERROR"
)

// Session terminal conditions. Both are non-retryable authentication failures.
var (
	ErrCredentialAbsent = errors.New("no credential stored")
	ErrSessionExpired   = errors.New("session expired")
)

// ErrStoreUnavailable marks a failed read or write of local storage. The
// failure is transient: the caller retries or queues the work.
var ErrStoreUnavailable = errors.New("local store unavailable")

// ErrOffline is returned when a request is not attempted because the device is offline.
var ErrOffline = errors.New("device offline")

// ErrMalformedResponse marks a response body that could not be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// Response is the part of an HTTP response the classifier looks at.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Classification is the verdict for a single failure.
type Classification struct {
	Category    Category `json:"category"`
	Code        string   `json:"code"`
	StatusCode  int      `json:"statusCode,omitempty"`
	Retryable   bool     `json:"retryable"`
	UserMessage string   `json:"userMessage"`
}

// Error carries a classification alongside the underlying failure.
type Error struct {
	Classification
	Err error
}

// New wraps err with its classification.
func New(c Classification, err error) *Error {
	return &Error{Classification: c, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Category, e.Code)
	}
	return fmt.Sprintf("%s (%s): %v", e.Category, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// As extracts the classification carried by err, if any.
func As(err error) (Classification, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Classification, true
	}
	return Classification{}, false
}
