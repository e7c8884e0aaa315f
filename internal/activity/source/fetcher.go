package source

import (
	"context"
	"errors"
	"fmt"

	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
)

// PlatformFetcher loads activity detail with the owner's stored token.
// Errors that a retry cannot fix are marked permanent.
type PlatformFetcher struct {
	client *Client
	tokens oauthdomain.TokenSource
}

func NewPlatformFetcher(client *Client, tokens oauthdomain.TokenSource) *PlatformFetcher {
	return &PlatformFetcher{client: client, tokens: tokens}
}

func (f *PlatformFetcher) FetchActivity(ctx context.Context, userID, sourceID string) (activitydomain.Detail, error) {
	token, err := f.tokens.AccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, oauthdomain.ErrCredentialExpired) || errors.Is(err, oauthdomain.ErrNotFound) {
			return activitydomain.Detail{}, circuitbreaker.Permanent(fmt.Errorf("access token for %s: %w", userID, err))
		}
		return activitydomain.Detail{}, err
	}

	activity, err := f.client.GetActivity(ctx, token, sourceID)
	if err != nil {
		if !IsRetryable(err) {
			return activitydomain.Detail{}, circuitbreaker.Permanent(err)
		}
		return activitydomain.Detail{}, err
	}
	return toDetail(activity), nil
}

func toDetail(a *PlatformActivity) activitydomain.Detail {
	sport := a.SportType
	if sport == "" {
		sport = a.Type
	}
	d := activitydomain.Detail{
		Type:                activitydomain.MapActivityType(sport),
		Name:                a.Name,
		DistanceMeters:      a.Distance,
		MovingTimeSeconds:   a.MovingTime,
		ElevationGainMeters: a.TotalElevationGain,
		Private:             a.Private,
		Manual:              a.Manual,
	}
	if !a.StartDate.IsZero() {
		start := a.StartDate.UTC()
		d.StartTime = &start
	}
	return d
}

// Fetcher guards any DetailFetcher with the activity API breaker.
type Fetcher struct {
	next     activitydomain.DetailFetcher
	breakers *circuitbreaker.Registry
}

func NewFetcher(next activitydomain.DetailFetcher, breakers *circuitbreaker.Registry) *Fetcher {
	return &Fetcher{next: next, breakers: breakers}
}

func (f *Fetcher) FetchActivity(ctx context.Context, userID, sourceID string) (activitydomain.Detail, error) {
	return circuitbreaker.Call(ctx, f.breakers, circuitbreaker.ServiceActivityAPI,
		func(ctx context.Context) (activitydomain.Detail, error) {
			return f.next.FetchActivity(ctx, userID, sourceID)
		}, nil)
}
