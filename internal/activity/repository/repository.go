package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"gorm.io/gorm"
)

const activityColumns = `id, user_id, source_platform, source_id, type, name, distance_meters, moving_time_seconds,
	elevation_gain_meters, start_time, computed_points, status, reject_reason, source_event, created_at, updated_at`

type repo struct{}

func Provide() activitydomain.Repository {
	return &repo{}
}

func (r *repo) CreatePending(ctx context.Context, db *gorm.DB, a *activitydomain.Activity) (*activitydomain.Activity, bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO activities (id, user_id, source_platform, source_id, type, status, source_event, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_platform, source_id) DO NOTHING`,
		a.ID,
		a.UserID,
		a.SourcePlatform,
		a.SourceID,
		activitydomain.TypeUnknown,
		activitydomain.StatusPending,
		a.SourceEvent,
		a.CreatedAt.UTC(),
		a.UpdatedAt.UTC(),
	)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		stored := *a
		stored.Type = activitydomain.TypeUnknown
		stored.Status = activitydomain.StatusPending
		return &stored, true, nil
	}

	existing, err := r.FindBySource(ctx, db, a.SourcePlatform, a.SourceID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, activitydomain.ErrNotFound
	}
	return existing, false, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*activitydomain.Activity, error) {
	var a activitydomain.Activity
	err := db.WithContext(ctx).Raw(
		`SELECT `+activityColumns+` FROM activities WHERE id = ?`,
		id,
	).Scan(&a).Error
	if err != nil {
		return nil, err
	}
	if a.ID == 0 {
		return nil, nil
	}
	return &a, nil
}

func (r *repo) FindBySource(ctx context.Context, db *gorm.DB, platform, sourceID string) (*activitydomain.Activity, error) {
	var a activitydomain.Activity
	err := db.WithContext(ctx).Raw(
		`SELECT `+activityColumns+` FROM activities WHERE source_platform = ? AND source_id = ?`,
		platform,
		sourceID,
	).Scan(&a).Error
	if err != nil {
		return nil, err
	}
	if a.ID == 0 {
		return nil, nil
	}
	return &a, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to activitydomain.Status, now time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, activitydomain.ErrInvalidTransition
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE activities SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		now.UTC(),
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkScored records the fetched detail and points and moves a pending
// activity to scored in one statement.
func (r *repo) MarkScored(ctx context.Context, db *gorm.DB, id snowflake.ID, detail activitydomain.Detail, points int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE activities
		 SET type = ?, name = ?, distance_meters = ?, moving_time_seconds = ?, elevation_gain_meters = ?,
		     start_time = ?, computed_points = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		detail.Type,
		detail.Name,
		detail.DistanceMeters,
		detail.MovingTimeSeconds,
		detail.ElevationGainMeters,
		detail.StartTime,
		points,
		activitydomain.StatusScored,
		now.UTC(),
		id,
		activitydomain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Reject(ctx context.Context, db *gorm.DB, id snowflake.ID, from activitydomain.Status, reason string, now time.Time) (bool, error) {
	if !from.CanTransition(activitydomain.StatusRejected) {
		return false, activitydomain.ErrInvalidTransition
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE activities SET status = ?, reject_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		activitydomain.StatusRejected,
		reason,
		now.UTC(),
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status activitydomain.Status, updatedBefore time.Time, limit int) ([]activitydomain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []activitydomain.Activity
	err := db.WithContext(ctx).Raw(
		`SELECT `+activityColumns+`
		 FROM activities
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		status,
		updatedBefore.UTC(),
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
