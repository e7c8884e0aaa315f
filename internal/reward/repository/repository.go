package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	"gorm.io/gorm"
)

const mintColumns = `id, idempotency_key, user_id, activity_id, amount, points, status, tx_id, failure_reason,
	attempts, metadata, created_at, updated_at`

type repo struct{}

func Provide() rewarddomain.Repository {
	return &repo{}
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*rewarddomain.MintRequest, error) {
	var req rewarddomain.MintRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+mintColumns+` FROM mint_requests WHERE idempotency_key = ?`,
		key,
	).Scan(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == 0 {
		return nil, nil
	}
	return &req, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *rewarddomain.MintRequest) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO mint_requests (`+mintColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		req.ID,
		req.IdempotencyKey,
		req.UserID,
		req.ActivityID,
		req.Amount,
		req.Points,
		req.Status,
		req.TxID,
		req.FailureReason,
		req.Attempts,
		req.Metadata,
		req.CreatedAt.UTC(),
		req.UpdatedAt.UTC(),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkSubmitted(ctx context.Context, db *gorm.DB, id snowflake.ID, status rewarddomain.Status, txID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE mint_requests
		 SET status = ?, tx_id = ?, failure_reason = '', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status,
		txID,
		now.UTC(),
		id,
		rewarddomain.StatusPending,
		rewarddomain.StatusFailed,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE mint_requests
		 SET status = ?, failure_reason = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		rewarddomain.StatusFailed,
		reason,
		now.UTC(),
		id,
		rewarddomain.StatusPending,
		rewarddomain.StatusFailed,
	).Error
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, stalePendingBefore time.Time, maxAttempts, limit int) ([]rewarddomain.MintRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []rewarddomain.MintRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+mintColumns+`
		 FROM mint_requests
		 WHERE (status = ? OR (status = ? AND updated_at < ?)) AND attempts < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		rewarddomain.StatusFailed,
		rewarddomain.StatusPending,
		stalePendingBefore.UTC(),
		maxAttempts,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, status rewarddomain.Status, limit int) ([]rewarddomain.MintRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []rewarddomain.MintRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+mintColumns+` FROM mint_requests WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		status,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
