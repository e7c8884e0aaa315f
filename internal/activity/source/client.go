package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL        = "https://www.strava.com/api/v3"
	defaultRequestsPerMin = 100
	maxBodyBytes          = 1 << 20
)

// PlatformActivity is the activity document returned by the API.
type PlatformActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	Distance           float64   `json:"distance"`
	MovingTime         int64     `json:"moving_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	StartDate          time.Time `json:"start_date"`
	Private            bool      `json:"private"`
	Manual             bool      `json:"manual"`
	Athlete            struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

func WithBaseURL(u string) Option {
	return func(client *Client) {
		if u != "" {
			client.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRequestsPerMinute sets the client-side token bucket; zero disables it.
func WithRequestsPerMinute(n int) Option {
	return func(client *Client) {
		if n <= 0 {
			client.limiter = nil
			return
		}
		client.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}
}

// Client talks to the activity platform's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		limiter:    rate.NewLimiter(rate.Limit(defaultRequestsPerMin/60.0), defaultRequestsPerMin),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetActivity fetches one activity with the user's bearer token.
func (c *Client) GetActivity(ctx context.Context, accessToken, id string) (*PlatformActivity, error) {
	endpoint := fmt.Sprintf("%s/activities/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &RateLimitError{Err: fmt.Errorf("local rate limit wait interrupted: %w", err)}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request aborted by context: %w", ctx.Err())
		}
		return nil, fmt.Errorf("http execute request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read activity response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp, body)
	}

	var activity PlatformActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("decode activity: %w", err)
	}
	return &activity, nil
}
