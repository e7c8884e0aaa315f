// Package scoring converts a normalized activity into reward points.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/smallbiznis/movepoint/internal/config"
)

const (
	pointsPerMeter     = 1.0 / 100
	longBonusSeconds   = 3600
	mediumBonusSeconds = 1800
	longBonus          = 1.20
	mediumBonus        = 1.10
	elevationStep      = 100.0
	elevationPoints    = 5.0
	pointsPerToken     = 10
	minimumPoints      = 1
)

var ErrInvalidActivity = errors.New("invalid_activity")

// Input is the subset of an activity the calculator reads.
type Input struct {
	Type                string
	DistanceMeters      float64
	MovingTimeSeconds   int64
	ElevationGainMeters float64
}

// MultiplierTable resolves the per-type multiplier.
type MultiplierTable interface {
	Multiplier(activityType string) float64
}

// Table is a static MultiplierTable.
type Table struct {
	Multipliers       map[string]float64
	DefaultMultiplier float64
}

func (t Table) Multiplier(activityType string) float64 {
	if m, ok := t.Multipliers[strings.ToLower(strings.TrimSpace(activityType))]; ok {
		return m
	}
	return t.DefaultMultiplier
}

func DefaultTable() Table {
	return tableFrom(config.DefaultScoringConfig())
}

func tableFrom(cfg config.ScoringConfig) Table {
	return Table{Multipliers: cfg.Multipliers, DefaultMultiplier: cfg.DefaultMultiplier}
}

// ComputePoints applies base distance points, the type multiplier, the
// duration bonus and the elevation bonus, then floors the total. The result is
// never below 1.
func ComputePoints(in Input, table MultiplierTable) int64 {
	points := math.Floor(in.DistanceMeters * pointsPerMeter)
	points *= table.Multiplier(in.Type)

	switch {
	case in.MovingTimeSeconds >= longBonusSeconds:
		points *= longBonus
	case in.MovingTimeSeconds >= mediumBonusSeconds:
		points *= mediumBonus
	}

	if in.ElevationGainMeters > 0 {
		points += in.ElevationGainMeters / elevationStep * elevationPoints
	}

	// Guard against float error such as 100*1.1 = 110.00000000000001 or
	// 55*1.1 = 60.50000000000001 dropping below the intended integer.
	total := int64(math.Floor(points + 1e-9))
	if total < minimumPoints {
		return minimumPoints
	}
	return total
}

// Validate rejects activities that cannot be scored.
func Validate(in Input) error {
	switch {
	case math.IsNaN(in.DistanceMeters) || in.DistanceMeters < 0:
		return fmt.Errorf("%w: distance must not be negative", ErrInvalidActivity)
	case in.MovingTimeSeconds < 0:
		return fmt.Errorf("%w: moving time must not be negative", ErrInvalidActivity)
	case in.ElevationGainMeters < 0:
		return fmt.Errorf("%w: elevation gain must not be negative", ErrInvalidActivity)
	case in.DistanceMeters == 0 && in.MovingTimeSeconds == 0:
		return fmt.Errorf("%w: activity has neither distance nor moving time", ErrInvalidActivity)
	case math.Floor(in.DistanceMeters*pointsPerMeter) == 0:
		return fmt.Errorf("%w: distance below %d meters", ErrInvalidActivity, int(1/pointsPerMeter))
	}
	return nil
}

// ToTokens converts points to the minted token amount, 10 points per token,
// rounded to two decimals.
func ToTokens(points int64) float64 {
	if points <= 0 {
		return 0
	}
	return math.Round(float64(points)/pointsPerToken*100) / 100
}

// Calculator scores activities against the live multiplier table.
type Calculator struct {
	holder *config.ScoringConfigHolder
}

func NewCalculator(holder *config.ScoringConfigHolder) *Calculator {
	return &Calculator{holder: holder}
}

func (c *Calculator) Multiplier(activityType string) float64 {
	return tableFrom(c.holder.Get()).Multiplier(activityType)
}

// Score validates then computes points.
func (c *Calculator) Score(in Input) (int64, error) {
	if err := Validate(in); err != nil {
		return 0, err
	}
	return ComputePoints(in, c), nil
}
