package reliability

import "strings"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableStreamErrorCode classifies error codes carried by event stream
// error frames. Retrying is always the caller's decision.
func IsRetryableStreamErrorCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "resource_exhausted", "queue_overflow", "timeout", "internal_error":
		return true
	default:
		return false
	}
}
