package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("activity_not_found")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

// Reject reasons recorded on activities.
const (
	RejectInvalid        = "invalid_activity"
	RejectPrivate        = "private_activity"
	RejectNotFound       = "not_found_at_source"
	RejectFraudSuspected = "fraud_suspected"
)

type Repository interface {
	// CreatePending inserts a pending activity or returns the one already
	// stored for the same source; created reports which happened.
	CreatePending(ctx context.Context, db *gorm.DB, a *Activity) (stored *Activity, created bool, err error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Activity, error)
	FindBySource(ctx context.Context, db *gorm.DB, platform, sourceID string) (*Activity, error)
	// Transition moves id from one status to another and reports whether the
	// row was still in from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (bool, error)
	MarkScored(ctx context.Context, db *gorm.DB, id snowflake.ID, detail Detail, points int64, now time.Time) (bool, error)
	Reject(ctx context.Context, db *gorm.DB, id snowflake.ID, from Status, reason string, now time.Time) (bool, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status Status, updatedBefore time.Time, limit int) ([]Activity, error)
}

// DetailFetcher loads an activity from the platform on behalf of a user.
type DetailFetcher interface {
	FetchActivity(ctx context.Context, userID, sourceID string) (Detail, error)
}
