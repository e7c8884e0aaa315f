package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusInvalid Status = "invalid"
)

// Connection links a local user to their account on the activity platform.
// AccessToken, RefreshToken and ExpiresAt are only ever written together.
type Connection struct {
	ID                snowflake.ID   `gorm:"primaryKey"`
	UserID            string         `gorm:"column:user_id;type:text;not null"`
	Provider          string         `gorm:"column:provider;type:text;not null"`
	ExternalAthleteID string         `gorm:"column:external_athlete_id;type:text;not null"`
	AccessToken       string         `gorm:"column:access_token;type:text;not null"`
	RefreshToken      string         `gorm:"column:refresh_token;type:text;not null"`
	ExpiresAt         time.Time      `gorm:"column:expires_at;not null"`
	AthleteSnapshot   datatypes.JSON `gorm:"column:athlete_snapshot"`
	Status            Status         `gorm:"column:status;type:text;not null;default:active"`
	InvalidatedAt     *time.Time     `gorm:"column:invalidated_at"`
	CreatedAt         time.Time      `gorm:"not null"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

func (Connection) TableName() string { return "oauth_connections" }

// TokenSet is the result of a refresh_token grant.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
