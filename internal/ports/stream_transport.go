package ports

import (
	"context"

	"github.com/bnema/sessionkeeper/internal/domain"
)

type TokenMode string

const (
	TokenModeHeader TokenMode = "header"
	TokenModeQuery  TokenMode = "query"
)

type StreamRequest struct {
	URL       string
	Token     string
	TokenMode TokenMode
}

// StreamTransport opens one streaming channel. Errors that must not be
// retried wrap domain.ErrNonRetryable.
type StreamTransport interface {
	Open(ctx context.Context, req StreamRequest) (EventStream, error)
}

type EventStream interface {
	// Next blocks until an event arrives, the stream ends, or ctx is done.
	Next(ctx context.Context) (domain.StreamEvent, error)
	Close() error
}
