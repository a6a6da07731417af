package inference

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoCredential is a precondition failure: no bearer token is available.
// It is never retried.
var ErrNoCredential = errors.New("inference: no credential configured")

// TransportError covers network failures and non-2xx responses whose body
// carries no readable detail.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: unexpected HTTP status %d", e.Op, e.StatusCode)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServiceError is an error the service reported itself, through an "error"
// or "detail" field. Detail is kept verbatim.
type ServiceError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: service error (HTTP %d): %s", e.Op, e.StatusCode, e.Detail)
}

// MalformedError is a 2xx response that could not be understood.
type MalformedError struct {
	Op  string
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// IsTransient reports whether retrying the same request later may succeed.
func IsTransient(err error) bool {
	var t *TransportError
	if errors.As(err, &t) {
		return true
	}
	if IsMalformed(err) {
		return true
	}
	var s *ServiceError
	if errors.As(err, &s) {
		return s.StatusCode >= 500 || s.StatusCode == 429 || s.StatusCode == 408
	}
	return false
}

// serviceDetail extracts the "error" or "detail" field of a JSON body. A
// detail that is not a string (validation error lists) is returned as
// compact JSON.
func serviceDetail(body []byte) (string, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return "", false
	}
	var fields struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", false
	}
	for _, raw := range []json.RawMessage{fields.Error, fields.Detail} {
		if s, ok := rawText(raw); ok {
			return s, true
		}
	}
	return "", false
}

func rawText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", false
		}
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false
	}
	return buf.String(), true
}
