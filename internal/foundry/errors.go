package foundry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrorType classifies service errors for callers and the UI.
type ErrorType string

const (
	ErrorTypeBadRequest ErrorType = "bad_request" // 400/409/422 - request rejected
	ErrorTypeAuth       ErrorType = "auth"        // 401/403 - credential or role problem
	ErrorTypeNotFound   ErrorType = "not_found"   // 404 - resource gone
	ErrorTypeRateLimit  ErrorType = "rate_limit"  // 429 - too many requests
	ErrorTypeServer     ErrorType = "server"      // 5xx - upstream issue
	ErrorTypeUnknown    ErrorType = "unknown"     // Fallback
)

// APIError is a structured error returned by the REST client.
type APIError struct {
	Type       ErrorType
	Operation  string // "create agent", "get run", ...
	StatusCode int
	Code       string // service error code, when present
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	msg := Redact(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%d %s): %s", e.Operation, e.Type, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s (%d): %s", e.Operation, e.Type, e.StatusCode, msg)
}

// IsAPIError checks if err is an APIError and returns it
func IsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsNotFound reports whether the service said the resource does not exist.
func IsNotFound(err error) bool {
	ae, ok := IsAPIError(err)
	return ok && ae.Type == ErrorTypeNotFound
}

// IsRejected reports whether the service refused the request itself, as opposed
// to failing to authenticate, throttling or breaking.
func IsRejected(err error) bool {
	ae, ok := IsAPIError(err)
	return ok && ae.Type == ErrorTypeBadRequest
}

func classifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status >= 500:
		return ErrorTypeServer
	case status >= 400:
		return ErrorTypeBadRequest
	}
	return ErrorTypeUnknown
}

// newAPIError builds an APIError from a non-2xx response.
func newAPIError(op string, resp *http.Response, body []byte) *APIError {
	ae := &APIError{
		Type:       classifyStatus(resp.StatusCode),
		Operation:  op,
		StatusCode: resp.StatusCode,
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		ae.Code = envelope.Error.Code
		ae.Message = envelope.Error.Message
	} else {
		ae.Message = truncate(strings.TrimSpace(string(body)), maxMessageRunes)
	}
	if ae.Type == ErrorTypeRateLimit || ae.Type == ErrorTypeServer {
		ae.Retryable = true
	}
	return ae
}

const maxMessageRunes = 300

// truncate cuts s to at most n runes, never inside a multi-byte sequence.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

var remoteIDPattern = regexp.MustCompile(`\b(?:(?:asst|thread|run|msg|vs|file|step)_[A-Za-z0-9-]+|assistant-[A-Za-z0-9]+)\b`)

// Redact masks remote resource identifiers so error text can be shown to users.
func Redact(s string) string {
	return remoteIDPattern.ReplaceAllString(s, "<id>")
}
