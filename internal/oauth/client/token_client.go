package client

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

	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
)

const maxErrorBody = 4 << 10

// APIError is a non-success answer from the token endpoint.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("oauth token endpoint: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("oauth token endpoint: %d: %s", e.StatusCode, e.Message)
}

type Option func(*TokenClient)

func WithHTTPClient(c *http.Client) Option {
	return func(tc *TokenClient) {
		if c != nil {
			tc.http = c
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(tc *TokenClient) {
		if clk != nil {
			tc.clock = clk
		}
	}
}

// TokenClient performs refresh_token grants against the platform token
// endpoint.
type TokenClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	http         *http.Client
	clock        clock.Clock
}

func NewTokenClient(tokenURL, clientID, clientSecret string, opts ...Option) *TokenClient {
	tc := &TokenClient{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 10 * time.Second},
		clock:        clock.System{},
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

// Refresh exchanges refreshToken for a new pair. A revoked or expired grant
// yields ErrCredentialExpired marked permanent, so it never trips the breaker;
// 5xx, 429 and network failures stay transient.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (oauthdomain.TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return oauthdomain.TokenSet{}, circuitbreaker.Permanent(oauthdomain.ErrCredentialExpired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return oauthdomain.TokenSet{}, circuitbreaker.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return oauthdomain.TokenSet{}, fmt.Errorf("oauth token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return oauthdomain.TokenSet{}, classify(resp)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return oauthdomain.TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" || body.RefreshToken == "" {
		return oauthdomain.TokenSet{}, errors.New("token response missing tokens")
	}

	expiresAt := time.Unix(body.ExpiresAt, 0).UTC()
	if body.ExpiresAt == 0 {
		expiresAt = c.clock.Now().Add(time.Duration(body.ExpiresIn) * time.Second).UTC()
	}
	return oauthdomain.TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorResponse
	_ = json.Unmarshal(raw, &body)

	apiErr := &APIError{StatusCode: resp.StatusCode, Code: body.Error, Message: body.ErrorDescription}
	if apiErr.Message == "" {
		apiErr.Message = body.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusBadRequest && body.Error == "invalid_grant":
		return circuitbreaker.Permanent(fmt.Errorf("%w: %w", oauthdomain.ErrCredentialExpired, apiErr))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apiErr
	default:
		return circuitbreaker.Permanent(apiErr)
	}
}
