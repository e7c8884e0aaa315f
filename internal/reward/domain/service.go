package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"gorm.io/gorm"
)

var (
	// ErrNotDispatchable means the activity is not in scored state; the
	// caller treats it as a no-op.
	ErrNotDispatchable = errors.New("activity_not_dispatchable")
	ErrFraudSuspected  = errors.New("fraud_suspected")
)

type Repository interface {
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*MintRequest, error)
	// Insert stores req unless a request with the same key exists and
	// reports whether it did.
	Insert(ctx context.Context, db *gorm.DB, req *MintRequest) (bool, error)
	MarkSubmitted(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, txID string, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error
	// ListRetryable returns failed requests and pending ones untouched since
	// stalePendingBefore that have used fewer than maxAttempts, oldest first.
	ListRetryable(ctx context.Context, db *gorm.DB, stalePendingBefore time.Time, maxAttempts, limit int) ([]MintRequest, error)
	List(ctx context.Context, db *gorm.DB, status Status, limit int) ([]MintRequest, error)
}

// Dispatcher hands scored activities to the reward service exactly once.
type Dispatcher interface {
	Dispatch(ctx context.Context, activity *activitydomain.Activity) (*MintRequest, error)
	Retry(ctx context.Context, limit int) (RetryResult, error)
}

// RetryResult summarises one retry pass.
type RetryResult struct {
	Scanned   int
	Submitted int
	Failed    int
}
