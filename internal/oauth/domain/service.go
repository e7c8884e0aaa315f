package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	// ErrCredentialExpired means the platform no longer honours the refresh
	// token; the user must reconnect.
	ErrCredentialExpired = errors.New("credential_expired")
	ErrNotFound          = errors.New("connection_not_found")
	ErrInvalidConnection = errors.New("invalid_connection")
	// ErrTokenRotated means another refresh replaced the refresh token
	// between the read and the write.
	ErrTokenRotated      = errors.New("token_rotated")
)

type Repository interface {
	ListForRefresh(ctx context.Context, db *gorm.DB, cutoff time.Time, afterID snowflake.ID, limit int) ([]Connection, error)
	UpdateTokens(ctx context.Context, db *gorm.DB, id snowflake.ID, previousRefresh string, tokens TokenSet, now time.Time) error
	MarkInvalid(ctx context.Context, db *gorm.DB, id snowflake.ID, refreshToken string, at time.Time) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Connection, error)
	FindByExternalAthleteID(ctx context.Context, db *gorm.DB, provider, athleteID string) (*Connection, error)
	FindByUserID(ctx context.Context, db *gorm.DB, userID, provider string) (*Connection, error)
	Upsert(ctx context.Context, db *gorm.DB, conn *Connection) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}

// TokenClient exchanges a refresh token for a fresh token pair.
type TokenClient interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// RunResult summarises one refresher pass.
type RunResult struct {
	Scanned     int
	Refreshed   int
	Skipped     int
	Invalidated int
	Failed      int
}

type Refresher interface {
	RunOnce(ctx context.Context) (RunResult, error)
}

// TokenSource hands out the stored access token of a user.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// OwnerResolver maps a platform athlete id to the connected local user.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, athleteID string) (*Connection, error)
}
