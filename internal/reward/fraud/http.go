package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
)

type checkRequest struct {
	ActivityID string     `json:"activityId"`
	UserID     string     `json:"userId"`
	Type       string     `json:"type"`
	Distance   float64    `json:"distance"`
	Duration   int64      `json:"duration"`
	StartTime  *time.Time `json:"startTime,omitempty"`
}

type checkResponse struct {
	IsValid    bool    `json:"isValid"`
	FraudScore float64 `json:"fraudScore"`
	Reason     string  `json:"reason"`
}

// HTTPChecker asks the remote fraud service for a verdict.
type HTTPChecker struct {
	url  string
	http *http.Client
}

func NewHTTPChecker(url string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPChecker{url: url, http: client}
}

func (c *HTTPChecker) Check(ctx context.Context, in rewarddomain.FraudInput) (rewarddomain.FraudVerdict, error) {
	body, err := json.Marshal(checkRequest{
		ActivityID: in.ActivityID,
		UserID:     in.UserID,
		Type:       in.Type,
		Distance:   in.DistanceMeters,
		Duration:   in.MovingTimeSeconds,
		StartTime:  in.StartTime,
	})
	if err != nil {
		return rewarddomain.FraudVerdict{}, circuitbreaker.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return rewarddomain.FraudVerdict{}, circuitbreaker.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return rewarddomain.FraudVerdict{}, fmt.Errorf("fraud check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("fraud service: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return rewarddomain.FraudVerdict{}, circuitbreaker.Permanent(err)
		}
		return rewarddomain.FraudVerdict{}, err
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return rewarddomain.FraudVerdict{}, fmt.Errorf("decode fraud verdict: %w", err)
	}
	return rewarddomain.FraudVerdict{Valid: out.IsValid, Score: out.FraudScore, Reason: out.Reason}, nil
}

// Guarded runs a remote checker under the fraud-service breaker and falls
// back to another checker while the remote one is unavailable.
type Guarded struct {
	remote   rewarddomain.FraudChecker
	fallback rewarddomain.FraudChecker
	breakers *circuitbreaker.Registry
}

func NewGuarded(remote, fallback rewarddomain.FraudChecker, breakers *circuitbreaker.Registry) *Guarded {
	return &Guarded{remote: remote, fallback: fallback, breakers: breakers}
}

func (g *Guarded) Check(ctx context.Context, in rewarddomain.FraudInput) (rewarddomain.FraudVerdict, error) {
	var fallback func(context.Context, error) (rewarddomain.FraudVerdict, error)
	if g.fallback != nil {
		fallback = func(ctx context.Context, _ error) (rewarddomain.FraudVerdict, error) {
			return g.fallback.Check(ctx, in)
		}
	}
	return circuitbreaker.Call(ctx, g.breakers, circuitbreaker.ServiceFraud,
		func(ctx context.Context) (rewarddomain.FraudVerdict, error) {
			return g.remote.Check(ctx, in)
		}, fallback)
}
