package streamapi

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DecodeToken decodes a token response, trying the wrapped shape first and
// the bare shape second.
func DecodeToken(body []byte) (TokenResult, error) {
	return decodeEither(opCreateToken, body, func(p TokenPayload) bool {
		return strings.TrimSpace(p.Token) != ""
	})
}

// DecodeSession decodes a session creation response with the same two-shape
// policy as DecodeToken.
func DecodeSession(body []byte) (SessionResult, error) {
	return decodeEither(opNewSession, body, func(p SessionPayload) bool {
		return p.Valid()
	})
}

func decodeEither[T any](op string, body []byte, valid func(T) bool) (Decoded[T], error) {
	var env Envelope[T]
	envErr := json.Unmarshal(body, &env)
	if envErr == nil && env.Data != nil && valid(*env.Data) {
		return Decoded[T]{Value: *env.Data, Shape: ShapeWrapped}, nil
	}

	var bare T
	if err := json.Unmarshal(body, &bare); err == nil && valid(bare) {
		return Decoded[T]{Value: bare, Shape: ShapeBare}, nil
	}

	detail := "body matches neither wrapped nor bare shape"
	if envErr == nil {
		if msg := envelopeErrorMessage(env.Error); msg != "" {
			detail = msg
		} else if env.Data == nil && env.Message != "" && env.Code != 0 {
			detail = env.Message
		}
	}
	return Decoded[T]{}, &InvalidResponseError{Op: op, Status: 200, Detail: detail}
}

// envelopeErrorMessage extracts a message from an "error" member that may be
// null, a string, or an object with a message field.
func envelopeErrorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
		return strings.TrimSpace(obj.Message)
	}
	return string(raw)
}
