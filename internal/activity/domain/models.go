package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusScored     Status = "scored"
	StatusDispatched Status = "dispatched"
	StatusRejected   Status = "rejected"
)

// CanTransition reports whether an activity may move from s to next. Status
// only ever moves forward.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusScored || next == StatusRejected
	case StatusScored:
		return next == StatusDispatched || next == StatusRejected
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusDispatched || s == StatusRejected
}

// Activity is a platform activity normalized for scoring. SourcePlatform and
// SourceID identify it uniquely.
type Activity struct {
	ID                  snowflake.ID   `gorm:"primaryKey"`
	UserID              string         `gorm:"column:user_id;type:text;not null"`
	SourcePlatform      string         `gorm:"column:source_platform;type:text;not null"`
	SourceID            string         `gorm:"column:source_id;type:text;not null"`
	Type                string         `gorm:"column:type;type:text;not null"`
	Name                string         `gorm:"column:name;type:text"`
	DistanceMeters      float64        `gorm:"column:distance_meters"`
	MovingTimeSeconds   int64          `gorm:"column:moving_time_seconds"`
	ElevationGainMeters float64        `gorm:"column:elevation_gain_meters"`
	StartTime           *time.Time     `gorm:"column:start_time"`
	ComputedPoints      int64          `gorm:"column:computed_points"`
	Status              Status         `gorm:"column:status;type:text;not null"`
	RejectReason        string         `gorm:"column:reject_reason;type:text"`
	SourceEvent         datatypes.JSON `gorm:"column:source_event"`
	CreatedAt           time.Time      `gorm:"not null"`
	UpdatedAt           time.Time      `gorm:"not null"`
}

func (Activity) TableName() string { return "activities" }

// Detail is the normalized payload fetched from the activity platform.
type Detail struct {
	Type                string
	Name                string
	DistanceMeters      float64
	MovingTimeSeconds   int64
	ElevationGainMeters float64
	StartTime           *time.Time
	Private             bool
	Manual              bool
}

// ScoredMessage is the payload of the scored queue.
type ScoredMessage struct {
	ActivityID snowflake.ID `json:"activity_id"`
}
