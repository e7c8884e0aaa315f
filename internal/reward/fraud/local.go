package fraud

import (
	"context"
	"fmt"
	"math"
	"strings"

	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
)

// SuspicionThreshold is the score from which an activity is refused.
const SuspicionThreshold = 80

type speedProfile struct {
	name     string
	meanKmh  float64
	stdDev   float64
	maxSpeed float64
}

var (
	runProfile  = speedProfile{name: "run", meanKmh: 10.5, stdDev: 2.5, maxSpeed: 20}
	rideProfile = speedProfile{name: "ride", meanKmh: 25, stdDev: 5, maxSpeed: 50}
	walkProfile = speedProfile{name: "walk", meanKmh: 5, stdDev: 1, maxSpeed: 8}
)

func profileFor(activityType string) speedProfile {
	switch t := strings.ToLower(activityType); {
	case strings.HasSuffix(t, "run"):
		return runProfile
	case strings.HasSuffix(t, "ride"):
		return rideProfile
	default:
		return walkProfile
	}
}

// LocalChecker scores the average speed of an activity against reference
// speeds for its type. Speeds above the plausible maximum always score at
// least the threshold.
type LocalChecker struct{}

func NewLocalChecker() *LocalChecker {
	return &LocalChecker{}
}

func (LocalChecker) Check(_ context.Context, in rewarddomain.FraudInput) (rewarddomain.FraudVerdict, error) {
	profile := profileFor(in.Type)

	if in.MovingTimeSeconds <= 0 {
		if in.DistanceMeters <= 0 {
			return rewarddomain.FraudVerdict{Valid: true}, nil
		}
		return rewarddomain.FraudVerdict{
			Valid:  false,
			Score:  100,
			Reason: "distance recorded without moving time",
		}, nil
	}

	speed := (in.DistanceMeters / 1000) / (float64(in.MovingTimeSeconds) / 3600)
	z := math.Abs(speed-profile.meanKmh) / profile.stdDev
	score := math.Min(100, math.Round(z*20))

	if speed > profile.maxSpeed {
		score = math.Max(score, SuspicionThreshold)
		return rewarddomain.FraudVerdict{
			Valid:  false,
			Score:  score,
			Reason: fmt.Sprintf("speed %.1f km/h is implausible for %s", speed, profile.name),
		}, nil
	}

	verdict := rewarddomain.FraudVerdict{Valid: score < SuspicionThreshold, Score: score}
	if !verdict.Valid {
		verdict.Reason = fmt.Sprintf("speed %.1f km/h is %.1f standard deviations from the %s mean", speed, z, profile.name)
	}
	return verdict, nil
}

// Disabled accepts everything.
type Disabled struct{}

func (Disabled) Check(context.Context, rewarddomain.FraudInput) (rewarddomain.FraudVerdict, error) {
	return rewarddomain.FraudVerdict{Valid: true}, nil
}
