package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const refreshGrantType = "refresh_token"
const maxOAuthResponseBytes = 1 << 20

type API struct {
	BaseURL   string
	TokenPath string
}

// RefreshClient exchanges a refresh token for a new credential at an OAuth
// token endpoint. It implements ports.TokenRefresher.
type RefreshClient struct {
	API            API
	ClientID       string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Clock          ports.Clock
}

var _ ports.TokenRefresher = RefreshClient{}

type TokenResult struct {
	AccessToken  string          `json:"access_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"`
	RefreshToken string          `json:"refresh_token"`
	Scope        string          `json:"scope"`
	User         json.RawMessage `json:"user,omitempty"`
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh posts a refresh_token grant. Rejections by the endpoint (4xx other
// than 429) are wrapped with backoff.Permanent so the retry envelope gives up
// immediately; they also wrap domain.ErrAuthExpired.
func (c RefreshClient) Refresh(ctx context.Context, refreshToken string) (domain.Credential, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return domain.Credential{}, backoff.Permanent(fmt.Errorf("refresh token: %w", domain.ErrAuthExpired))
	}

	endpoint, err := buildAPIURL(c.API.BaseURL, c.API.TokenPath)
	if err != nil {
		return domain.Credential{}, backoff.Permanent(err)
	}

	values := url.Values{}
	values.Set("grant_type", refreshGrantType)
	values.Set("refresh_token", refreshToken)
	if c.ClientID != "" {
		values.Set("client_id", c.ClientID)
	}

	requestCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("refresh token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		reason := decodeOAuthError(resp)
		if rejected(resp.StatusCode) {
			return domain.Credential{}, backoff.Permanent(fmt.Errorf("refresh token: %s: %w", reason, domain.ErrAuthExpired))
		}
		return domain.Credential{}, fmt.Errorf("refresh token: %s", reason)
	}

	var token TokenResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOAuthResponseBytes)).Decode(&token); err != nil {
		return domain.Credential{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if token.AccessToken == "" {
		return domain.Credential{}, backoff.Permanent(errors.New("refresh response missing access token"))
	}

	return c.credential(token, refreshToken), nil
}

func (c RefreshClient) credential(token TokenResult, previousRefresh string) domain.Credential {
	now := c.clock().Now().UTC()
	cred := domain.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		User:         token.User,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = previousRefresh
	}
	if token.ExpiresIn > 0 {
		cred.IssuedAt = now
		cred.ExpiresAt = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return cred
}

func rejected(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests
}

func (c RefreshClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c RefreshClient) clock() ports.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return ports.SystemClock{}
}

func (c RefreshClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	requestTimeout := c.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	return context.WithTimeout(ctx, requestTimeout)
}

func decodeOAuthError(resp *http.Response) string {
	var oauthErr oauthErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOAuthResponseBytes)).Decode(&oauthErr); err != nil {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return formatOAuthError(resp.StatusCode, oauthErr)
}

func formatOAuthError(statusCode int, oauthErr oauthErrorResponse) string {
	if oauthErr.Error == "" {
		return fmt.Sprintf("status %d", statusCode)
	}
	if oauthErr.ErrorDescription != "" {
		return oauthErr.Error + ": " + oauthErr.ErrorDescription
	}
	return oauthErr.Error
}

func buildAPIURL(baseURL string, path string) (string, error) {
	if baseURL == "" {
		return "", errors.New("api base url is required")
	}
	if path == "" {
		return "", errors.New("api path is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("api base url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("api base url host is required")
	}

	endpoint, err := parsed.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse api path: %w", err)
	}
	return endpoint.String(), nil
}
