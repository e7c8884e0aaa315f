// Package storetest opens an in-memory sqlite database carrying the pipeline
// tables, for repository and service tests.
package storetest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var seq atomic.Int64

var schema = []string{
	`CREATE TABLE oauth_connections (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		external_athlete_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		athlete_snapshot TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		invalidated_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX uidx_oauth_connections_athlete ON oauth_connections (provider, external_athlete_id)`,
	`CREATE UNIQUE INDEX uidx_oauth_connections_user ON oauth_connections (user_id, provider)`,
	`CREATE TABLE activities (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_platform TEXT NOT NULL,
		source_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'unknown',
		name TEXT,
		distance_meters REAL NOT NULL DEFAULT 0,
		moving_time_seconds INTEGER NOT NULL DEFAULT 0,
		elevation_gain_meters REAL NOT NULL DEFAULT 0,
		start_time DATETIME,
		computed_points INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		reject_reason TEXT,
		source_event TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX uidx_activities_source ON activities (source_platform, source_id)`,
	`CREATE TABLE mint_requests (
		id INTEGER PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		activity_id INTEGER NOT NULL,
		amount REAL NOT NULL,
		points INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		tx_id TEXT,
		failure_reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX uidx_mint_requests_idempotency_key ON mint_requests (idempotency_key)`,
}

// Open returns an isolated database; every call gets its own memory file.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:movepoint_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}
