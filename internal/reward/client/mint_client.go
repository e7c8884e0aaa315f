package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
)

// APIError is a non-success answer from the reward service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reward service: %d %s", e.StatusCode, e.Message)
}

// MintClient posts mint requests to the reward service. The idempotency key
// is sent both in the body and as the Idempotency-Key header so the service
// can deduplicate retries.
type MintClient struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewMintClient(url, apiKey string, client *http.Client) *MintClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &MintClient{url: url, apiKey: apiKey, http: client}
}

func (c *MintClient) Mint(ctx context.Context, call rewarddomain.MintCall) (rewarddomain.MintResult, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return rewarddomain.MintResult{}, circuitbreaker.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return rewarddomain.MintResult{}, circuitbreaker.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", call.IdempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return rewarddomain.MintResult{}, fmt.Errorf("mint request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return rewarddomain.MintResult{}, fmt.Errorf("read mint response: %w", err)
	}

	// A conflict means the key was already accepted; the body still carries
	// the original transaction.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return rewarddomain.MintResult{}, apiErr
		}
		return rewarddomain.MintResult{}, circuitbreaker.Permanent(apiErr)
	}

	var out rewarddomain.MintResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return rewarddomain.MintResult{}, fmt.Errorf("decode mint response: %w", err)
	}
	if out.TransactionID == "" {
		return rewarddomain.MintResult{}, fmt.Errorf("mint response missing transactionId")
	}
	return out, nil
}
