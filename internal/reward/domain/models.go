package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// MintRequest is the durable record of one reward hand-off. There is at most
// one per activity, enforced by IdempotencyKey.
type MintRequest struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	IdempotencyKey string         `gorm:"column:idempotency_key;type:text;not null;uniqueIndex"`
	UserID         string         `gorm:"column:user_id;type:text;not null"`
	ActivityID     snowflake.ID   `gorm:"column:activity_id;not null"`
	Amount         float64        `gorm:"column:amount;not null"`
	Points         int64          `gorm:"column:points;not null"`
	Status         Status         `gorm:"column:status;type:text;not null"`
	TxID           string         `gorm:"column:tx_id;type:text"`
	FailureReason  string         `gorm:"column:failure_reason;type:text"`
	Attempts       int            `gorm:"column:attempts;not null"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (MintRequest) TableName() string { return "mint_requests" }

// IdempotencyKey derives the mint key of an activity. It is stable across
// redeliveries and restarts.
func IdempotencyKey(activityID snowflake.ID) string {
	sum := sha256.Sum256([]byte("mint:" + activityID.String()))
	return hex.EncodeToString(sum[:])
}

// SettlementEvent is published whenever a mint request changes outcome.
type SettlementEvent struct {
	MintRequestID  string    `json:"mint_request_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	ActivityID     string    `json:"activity_id"`
	Amount         float64   `json:"amount"`
	Points         int64     `json:"points"`
	Status         Status    `json:"status"`
	TxID           string    `json:"tx_id,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
