package domain

import (
	"context"
	"time"
)

//go:generate mockgen -source=clients.go -destination=../mocks/mock_clients.go -package=mocks

// MintCall is the request body sent to the reward service.
type MintCall struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	UserID         string            `json:"userId"`
	Amount         float64           `json:"amount"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type MintResult struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// MintClient submits mint requests to the downstream reward service.
type MintClient interface {
	Mint(ctx context.Context, call MintCall) (MintResult, error)
}

// FraudInput describes the activity being screened.
type FraudInput struct {
	ActivityID        string
	UserID            string
	Type              string
	DistanceMeters    float64
	MovingTimeSeconds int64
	StartTime         *time.Time
}

type FraudVerdict struct {
	Valid  bool
	Score  float64
	Reason string
}

// FraudChecker screens an activity before it is rewarded.
type FraudChecker interface {
	Check(ctx context.Context, in FraudInput) (FraudVerdict, error)
}
