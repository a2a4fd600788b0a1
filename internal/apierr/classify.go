package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var defaultMessages = map[Category]string{
	CategoryNetwork:        "You appear to be offline. We'll retry when the connection is back.",
	CategoryTimeout:        "The request took too long. Please try again.",
	CategoryValidation:     "Some of the information provided is invalid.",
	CategoryAuthentication: "Your session has ended. Please sign in again.",
	CategoryAuthorization:  "You don't have permission to do that.",
	CategoryNotFound:       "We couldn't find what you were looking for.",
	CategoryRateLimit:      "Too many requests. Please wait a moment and try again.",
	CategoryServer:         "Something went wrong on our side. Please try again later.",
	CategoryUnknown:        "Something went wrong. Please try again.",
}

// UserMessage returns the default user-facing message for a category.
func UserMessage(c Category) string {
	if m, ok := defaultMessages[c]; ok {
		return m
	}
	return defaultMessages[CategoryUnknown]
}

// Classify maps a failure to a Classification. err is the transport-level
// error (nil when a response arrived) and resp is the response, if any.
// A response with a 2xx status and no error classifies as a malformed payload,
// since callers only ask when something went wrong.
func Classify(err error, resp *Response) Classification {
	if c, ok := As(err); ok {
		return c
	}

	if err != nil && resp == nil {
		return classifyError(err)
	}

	if resp == nil {
		return build(CategoryUnknown, CodeUnknown, 0, "")
	}

	category := categoryForStatus(resp.StatusCode)
	code, message := parseEnvelope(resp.Body)
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		category = CategoryUnknown
		code = CodeMalformedResponse
		message = ""
	}
	return build(category, code, resp.StatusCode, message)
}

func build(category Category, code string, status int, message string) Classification {
	if message == "" {
		message = UserMessage(category)
	}
	return Classification{
		Category:    category,
		Code:        code,
		StatusCode:  status,
		Retryable:   category.Retryable(),
		UserMessage: message,
	}
}

func categoryForStatus(status int) Category {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusConflict:
		return CategoryValidation
	case status == http.StatusUnauthorized:
		return CategoryAuthentication
	case status == http.StatusForbidden:
		return CategoryAuthorization
	case status == http.StatusNotFound || status == http.StatusGone:
		return CategoryNotFound
	case status == http.StatusRequestTimeout:
		return CategoryTimeout
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status >= 500:
		return CategoryServer
	case status >= 400:
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

func classifyError(err error) Classification {
	switch {
	case errors.Is(err, ErrCredentialAbsent):
		return build(CategoryAuthentication, CodeCredentialAbsent, 0, "")
	case errors.Is(err, ErrSessionExpired):
		return build(CategoryAuthentication, CodeSessionExpired, 0, "")
	case errors.Is(err, ErrStoreUnavailable):
		return build(CategoryServer, CodeStoreUnavailable, 0, "")
	case errors.Is(err, ErrOffline):
		return build(CategoryNetwork, CodeOffline, 0, "")
	case errors.Is(err, ErrMalformedResponse):
		return build(CategoryUnknown, CodeMalformedResponse, 0, "")
	case errors.Is(err, context.DeadlineExceeded):
		return build(CategoryTimeout, CodeTimeout, 0, "")
	case errors.Is(err, context.Canceled):
		return build(CategoryNetwork, CodeCanceled, 0, "")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return build(CategoryTimeout, CodeTimeout, 0, "")
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return build(CategoryNetwork, CodeNetwork, 0, "")
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return build(CategoryUnknown, CodeMalformedResponse, 0, "")
	}

	// Errors that crossed a boundary as plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return build(CategoryTimeout, CodeTimeout, 0, "")
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "network is unreachable"):
		return build(CategoryNetwork, CodeNetwork, 0, "")
	}

	return build(CategoryUnknown, CodeUnknown, 0, "")
}

// envelope covers both {"error":{"code","message"}} and {"code","message"} shapes,
// as well as {"error":"message"}.
type envelope struct {
	Error   json.RawMessage `json:"error"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

type nestedError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

func parseEnvelope(body []byte) (code, message string) {
	if len(body) == 0 {
		return "", ""
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}

	code = rawString(env.Code)
	message = env.Message

	if len(env.Error) > 0 {
		var nested nestedError
		if err := json.Unmarshal(env.Error, &nested); err == nil {
			if c := rawString(nested.Code); c != "" {
				code = c
			}
			if nested.Message != "" {
				message = nested.Message
			}
		} else if s := rawString(env.Error); s != "" && message == "" {
			message = s
		}
	}

	return code, message
}

// rawString accepts either a JSON string or number.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
