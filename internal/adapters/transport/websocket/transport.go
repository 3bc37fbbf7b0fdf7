// Package websocket streams typed JSON events over a websocket connection.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bnema/sessionkeeper/internal/adapters/transport"
	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
	maxMessageBytes         = 1 << 20
)

type Transport struct {
	Dialer *websocket.Dialer
	Clock  ports.Clock
}

var _ ports.StreamTransport = Transport{}

func (t Transport) Open(ctx context.Context, req ports.StreamRequest) (ports.EventStream, error) {
	target, header, err := transport.Authorize(req.URL, req.Token, req.TokenMode)
	if err != nil {
		return nil, err
	}
	target, err = websocketURL(target)
	if err != nil {
		return nil, err
	}

	conn, resp, err := t.dialer().DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if transport.Rejected(resp.StatusCode) {
				return nil, fmt.Errorf("open stream: handshake status %d: %w", resp.StatusCode, domain.ErrNonRetryable)
			}
			return nil, fmt.Errorf("open stream: handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	s := &stream{
		conn:     conn,
		clock:    t.clock(),
		messages: make(chan message),
		done:     make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func websocketURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w: %w", domain.ErrNonRetryable, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("stream url scheme %q: %w", parsed.Scheme, domain.ErrNonRetryable)
	}
	return parsed.String(), nil
}

func (t Transport) dialer() *websocket.Dialer {
	if t.Dialer != nil {
		return t.Dialer
	}
	return &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
}

func (t Transport) clock() ports.Clock {
	if t.Clock != nil {
		return t.Clock
	}
	return ports.SystemClock{}
}

type message struct {
	kind int
	data []byte
	err  error
}

type stream struct {
	conn     *websocket.Conn
	clock    ports.Clock
	messages chan message
	done     chan struct{}
	once     sync.Once
}

func (s *stream) read() {
	for {
		kind, data, err := s.conn.ReadMessage()
		select {
		case s.messages <- message{kind: kind, data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *stream) Next(ctx context.Context) (domain.StreamEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.StreamEvent{}, ctx.Err()
		case <-s.done:
			return domain.StreamEvent{}, io.EOF
		case m := <-s.messages:
			if m.err != nil {
				var closeErr *websocket.CloseError
				if errors.As(m.err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
					return domain.StreamEvent{}, io.EOF
				}
				return domain.StreamEvent{}, fmt.Errorf("read stream: %w", m.err)
			}
			if m.kind != websocket.TextMessage {
				continue
			}
			event, err := transport.DecodeEvent(m.data, s.clock.Now())
			if err != nil {
				continue
			}
			return event, nil
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(closeWriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}
