// Package transport holds the pieces shared by the stream transports: the
// JSON event envelope and token placement.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

// TokenQueryParam carries the token when ports.TokenModeQuery is used.
const TokenQueryParam = "access_token"

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeEvent parses one {"type": ..., "data": ...} message.
func DecodeEvent(raw []byte, receivedAt time.Time) (domain.StreamEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	if env.Type == "" {
		return domain.StreamEvent{}, errors.New("decode stream event: missing type")
	}
	return domain.StreamEvent{Type: env.Type, Data: []byte(env.Data), ReceivedAt: receivedAt}, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(eventType string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode stream event: %w", err)
	}
	return json.Marshal(envelope{Type: eventType, Data: payload})
}

// Authorize places the token on the request target according to mode and
// returns the final URL and headers.
func Authorize(rawURL string, token string, mode ports.TokenMode) (string, http.Header, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse stream url: %w: %w", domain.ErrNonRetryable, err)
	}
	if parsed.Host == "" {
		return "", nil, fmt.Errorf("stream url %q has no host: %w", rawURL, domain.ErrNonRetryable)
	}

	header := http.Header{}
	if token == "" {
		return parsed.String(), header, nil
	}
	switch mode {
	case ports.TokenModeQuery:
		query := parsed.Query()
		query.Set(TokenQueryParam, token)
		parsed.RawQuery = query.Encode()
	default:
		header.Set("Authorization", "Bearer "+token)
	}
	return parsed.String(), header, nil
}

// Rejected reports whether an HTTP status must not be retried. 429 is left
// retryable.
func Rejected(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests
}
