// Package ndjson streams typed events over a long-lived HTTP response of
// newline-delimited JSON.
package ndjson

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/bnema/sessionkeeper/internal/adapters/transport"
	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const (
	ContentType  = "application/x-ndjson"
	maxLineBytes = 1 << 20
)

// KeepaliveEvent is delivered for blank lines so that idle but live streams
// still count as active.
const KeepaliveEvent = "keepalive"

type Transport struct {
	HTTPClient *http.Client
	Clock      ports.Clock
}

var _ ports.StreamTransport = Transport{}

func (t Transport) Open(ctx context.Context, req ports.StreamRequest) (ports.EventStream, error) {
	target, header, err := transport.Authorize(req.URL, req.Token, req.TokenMode)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w: %w", domain.ErrNonRetryable, err)
	}
	httpReq.Header = header
	httpReq.Header.Set("Accept", ContentType)

	resp, err := t.httpClient().Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if err := checkResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}

	s := &stream{
		body:   resp.Body,
		cancel: cancel,
		clock:  t.clock(),
		lines:  make(chan line),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if transport.Rejected(resp.StatusCode) {
			return fmt.Errorf("open stream: status %d: %w", resp.StatusCode, domain.ErrNonRetryable)
		}
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != ContentType {
		return fmt.Errorf("open stream: unexpected content type %q: %w", resp.Header.Get("Content-Type"), domain.ErrNonRetryable)
	}
	return nil
}

func (t Transport) httpClient() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

func (t Transport) clock() ports.Clock {
	if t.Clock != nil {
		return t.Clock
	}
	return ports.SystemClock{}
}

type line struct {
	data []byte
	err  error
}

type stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	clock  ports.Clock
	lines  chan line
	done   chan struct{}
	once   sync.Once
}

func (s *stream) read() {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		select {
		case s.lines <- line{data: data}:
		case <-s.done:
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.lines <- line{err: err}:
	case <-s.done:
	}
}

func (s *stream) Next(ctx context.Context) (domain.StreamEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.StreamEvent{}, ctx.Err()
		case <-s.done:
			return domain.StreamEvent{}, io.EOF
		case l := <-s.lines:
			if l.err != nil {
				if s.closed() {
					return domain.StreamEvent{}, io.EOF
				}
				return domain.StreamEvent{}, l.err
			}
			now := s.clock.Now()
			if len(l.data) == 0 {
				return domain.StreamEvent{Type: KeepaliveEvent, ReceivedAt: now}, nil
			}
			event, err := transport.DecodeEvent(l.data, now)
			if err != nil {
				// Malformed lines are dropped; the stream itself is intact.
				continue
			}
			return event, nil
		}
	}
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
	})
	return err
}
