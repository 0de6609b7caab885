package streamapi

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/ent0n29/avatarlink/internal/reliability"
)

var (
	// ErrInvalidResponse matches every *InvalidResponseError via errors.Is.
	ErrInvalidResponse = errors.New("invalid response")
	ErrMissingToken    = errors.New("session token is empty")
	ErrMissingAPIKey   = errors.New("api key is empty")
	ErrMissingSession  = errors.New("session id is empty")
)

// InvalidResponseError is returned when a streaming API call answers with a
// non-200 status or a body that matches neither response shape.
type InvalidResponseError struct {
	Op     string
	Status int
	Detail string
}

func (e *InvalidResponseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: invalid response (status %d): %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: invalid response (status %d)", e.Op, e.Status)
}

func (e *InvalidResponseError) Is(target error) bool {
	return target == ErrInvalidResponse
}

// Retryable reports whether the status is one a caller may reasonably retry.
func (e *InvalidResponseError) Retryable() bool {
	return e != nil && reliability.IsRetryableHTTPStatus(e.Status)
}

// NetworkError covers transport failures and failed task/stop calls after the
// handshake.
type NetworkError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Status != 0:
		return fmt.Sprintf("%s %s: network error: status %d", e.Op, redactURLUserInfo(e.URL), e.Status)
	default:
		return fmt.Sprintf("%s %s: network error: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	}
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
