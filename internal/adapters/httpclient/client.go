// Package httpclient is an authenticated JSON API client. It injects the
// session's bearer token, refreshes once on 401 and collapses concurrent
// identical GETs through the request coordinator.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bnema/sessionkeeper/internal/application"
	"github.com/bnema/sessionkeeper/internal/domain"
)

const defaultMaxResponseBytes = 8 << 20

var ErrResponseTooLarge = errors.New("response body too large")

// Session supplies and renews the bearer token.
type Session interface {
	GetToken(ctx context.Context) string
	Refresh(ctx context.Context) (domain.Credential, error)
	ClearAll(ctx context.Context, opts application.ClearOptions) bool
}

type Deduplicator interface {
	DeduplicatedFetch(ctx context.Context, key string, op application.Operation, opts application.FetchOptions) (any, error)
}

// RequestHook may add headers to every outgoing request.
type RequestHook func(req *http.Request) error

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Hooks      []RequestHook
	// CacheTime is the freshness window for GET responses; zero uses the
	// coordinator default.
	CacheTime time.Duration
	// MaxResponseBytes caps response bodies; larger bodies fail with
	// ErrResponseTooLarge. Zero means 8 MiB.
	MaxResponseBytes int64
	Logger           *slog.Logger
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

type Client struct {
	base    *url.URL
	http    *http.Client
	session Session
	dedup   Deduplicator
	cfg     Config
	logger  *slog.Logger
}

func New(session Session, dedup Deduplicator, cfg Config) (*Client, error) {
	if session == nil {
		return nil, errors.New("http client: session is required")
	}
	if dedup == nil {
		return nil, errors.New("http client: deduplicator is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.New("api base url must use http or https")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{base: base, http: httpClient, session: session, dedup: dedup, cfg: cfg, logger: logger}, nil
}

// Get decodes the JSON response into out. Concurrent calls for the same
// path share one request and a fresh cached body is reused.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	body, err := c.Fetch(ctx, path, application.FetchOptions{CacheTime: c.cfg.CacheTime})
	if err != nil {
		return err
	}
	return decode(body, out)
}

// Fetch returns the raw GET body through the coordinator with explicit
// options.
func (c *Client) Fetch(ctx context.Context, path string, opts application.FetchOptions) ([]byte, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	value, err := c.dedup.DeduplicatedFetch(ctx, CacheKey(target), func(ctx context.Context) (any, error) {
		body, err := c.send(ctx, http.MethodGet, target, nil)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}, opts)
	if err != nil {
		return nil, err
	}

	body, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("GET %s: unexpected cached value %T", target, value)
	}
	return body, nil
}

func (c *Client) Post(ctx context.Context, path string, in any, out any) error {
	return c.mutate(ctx, http.MethodPost, path, in, out)
}

func (c *Client) Put(ctx context.Context, path string, in any, out any) error {
	return c.mutate(ctx, http.MethodPut, path, in, out)
}

func (c *Client) Patch(ctx context.Context, path string, in any, out any) error {
	return c.mutate(ctx, http.MethodPatch, path, in, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.mutate(ctx, http.MethodDelete, path, nil, out)
}

// CacheKey is the coordinator key used for GETs of target.
func CacheKey(target string) string {
	return "http:GET " + target
}

func (c *Client) mutate(ctx context.Context, method string, path string, in any, out any) error {
	target, err := c.resolve(path)
	if err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	body, err := c.send(ctx, method, target, payload)
	if err != nil {
		return err
	}
	return decode(body, out)
}

// send performs the request, refreshing the session and retrying once when
// the server answers 401.
func (c *Client) send(ctx context.Context, method string, target string, payload []byte) ([]byte, error) {
	retried := false
	for {
		body, status, err := c.do(ctx, method, target, payload)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized {
			if retried {
				c.session.ClearAll(ctx, application.ClearOptions{Reason: "unauthorized"})
				return nil, fmt.Errorf("%s %s: %w", method, target, domain.ErrUnauthorized)
			}
			retried = true
			c.logger.Debug("unauthorized, refreshing session", "method", method, "url", target)
			if _, err := c.session.Refresh(ctx); err != nil {
				return nil, fmt.Errorf("%s %s: %w: %w", method, target, domain.ErrUnauthorized, err)
			}
			continue
		}

		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return nil, &StatusError{Method: method, URL: target, StatusCode: status, Body: body}
		}
		return body, nil
	}
}

func (c *Client) do(ctx context.Context, method string, target string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.GetToken(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, hook := range c.cfg.Hooks {
		if err := hook(req); err != nil {
			return nil, 0, fmt.Errorf("prepare %s %s: %w", method, target, err)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := c.cfg.MaxResponseBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read %s %s response: %w", method, target, err)
	}
	if int64(len(body)) > limit {
		return nil, 0, fmt.Errorf("read %s %s response: %w (limit %d bytes)", method, target, ErrResponseTooLarge, limit)
	}
	c.logger.Debug("api request", "method", method, "url", target, "status", resp.StatusCode, "elapsed", time.Since(started))
	return body, resp.StatusCode, nil
}

func (c *Client) resolve(path string) (string, error) {
	endpoint, err := c.base.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse api path %q: %w", path, err)
	}
	return endpoint.String(), nil
}

// retryable keeps transport errors, 429 and 5xx in the retry envelope.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func decode(body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = append((*raw)[:0], body...)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
