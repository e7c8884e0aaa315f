package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	"gorm.io/gorm"
)

const connectionColumns = `id, user_id, provider, external_athlete_id, access_token, refresh_token, expires_at,
	athlete_snapshot, status, invalidated_at, created_at, updated_at`

type repo struct{}

func Provide() oauthdomain.Repository {
	return &repo{}
}

// ListForRefresh pages active connections expiring at or before cutoff,
// ordered by id so callers can resume after the last row they saw.
func (r *repo) ListForRefresh(ctx context.Context, db *gorm.DB, cutoff time.Time, afterID snowflake.ID, limit int) ([]oauthdomain.Connection, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []oauthdomain.Connection
	err := db.WithContext(ctx).Raw(
		`SELECT `+connectionColumns+`
		 FROM oauth_connections
		 WHERE status = ? AND expires_at <= ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		oauthdomain.StatusActive,
		cutoff.UTC(),
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateTokens overwrites the token triple in one statement, provided the
// row still carries previousRefresh. Invalid connections are left alone so a
// late refresh cannot revive them.
func (r *repo) UpdateTokens(ctx context.Context, db *gorm.DB, id snowflake.ID, previousRefresh string, tokens oauthdomain.TokenSet, now time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE oauth_connections
		 SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND refresh_token = ?`,
		tokens.AccessToken,
		tokens.RefreshToken,
		tokens.ExpiresAt.UTC(),
		now.UTC(),
		id,
		oauthdomain.StatusActive,
		previousRefresh,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return oauthdomain.ErrTokenRotated
	}
	return nil
}

// MarkInvalid flips an active connection to invalid when it still carries
// refreshToken. It reports whether the row changed.
func (r *repo) MarkInvalid(ctx context.Context, db *gorm.DB, id snowflake.ID, refreshToken string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE oauth_connections
		 SET status = ?, invalidated_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND refresh_token = ?`,
		oauthdomain.StatusInvalid,
		at.UTC(),
		at.UTC(),
		id,
		oauthdomain.StatusActive,
		refreshToken,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*oauthdomain.Connection, error) {
	var conn oauthdomain.Connection
	err := db.WithContext(ctx).Raw(
		`SELECT `+connectionColumns+`
		 FROM oauth_connections
		 WHERE id = ?`,
		id,
	).Scan(&conn).Error
	if err != nil {
		return nil, err
	}
	if conn.ID == 0 {
		return nil, nil
	}
	return &conn, nil
}

func (r *repo) FindByExternalAthleteID(ctx context.Context, db *gorm.DB, provider, athleteID string) (*oauthdomain.Connection, error) {
	var conn oauthdomain.Connection
	err := db.WithContext(ctx).Raw(
		`SELECT `+connectionColumns+`
		 FROM oauth_connections
		 WHERE provider = ? AND external_athlete_id = ?`,
		provider,
		athleteID,
	).Scan(&conn).Error
	if err != nil {
		return nil, err
	}
	if conn.ID == 0 {
		return nil, nil
	}
	return &conn, nil
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID, provider string) (*oauthdomain.Connection, error) {
	var conn oauthdomain.Connection
	err := db.WithContext(ctx).Raw(
		`SELECT `+connectionColumns+`
		 FROM oauth_connections
		 WHERE user_id = ? AND provider = ?`,
		userID,
		provider,
	).Scan(&conn).Error
	if err != nil {
		return nil, err
	}
	if conn.ID == 0 {
		return nil, nil
	}
	return &conn, nil
}

// Upsert stores a (re)connected account. Reconnecting reactivates an
// invalidated connection with the new token pair.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, conn *oauthdomain.Connection) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO oauth_connections (`+connectionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, external_athlete_id) DO UPDATE SET
		   user_id = excluded.user_id,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   athlete_snapshot = excluded.athlete_snapshot,
		   status = excluded.status,
		   invalidated_at = NULL,
		   updated_at = excluded.updated_at`,
		conn.ID,
		conn.UserID,
		conn.Provider,
		conn.ExternalAthleteID,
		conn.AccessToken,
		conn.RefreshToken,
		conn.ExpiresAt.UTC(),
		conn.AthleteSnapshot,
		oauthdomain.StatusActive,
		nil,
		conn.CreatedAt.UTC(),
		conn.UpdatedAt.UTC(),
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM oauth_connections WHERE id = ?`, id).Error
}
