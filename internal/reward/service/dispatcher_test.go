package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	activityrepo "github.com/smallbiznis/movepoint/internal/activity/repository"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/notification"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	"github.com/smallbiznis/movepoint/internal/reward/mocks"
	"github.com/smallbiznis/movepoint/internal/reward/repository"
	"github.com/smallbiznis/movepoint/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []rewarddomain.SettlementEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, _ string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, value.(rewarddomain.SettlementEvent))
	return nil
}

type dispatcherFixture struct {
	db         *gorm.DB
	svc        *Service
	repo       rewarddomain.Repository
	activities activitydomain.Repository
	mint       *mocks.MockMintClient
	fraud      *mocks.MockFraudChecker
	hub        *notification.Hub
	publisher  *recordingPublisher
	clock      *clock.FakeClock
	node       *snowflake.Node
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	db := storetest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.Config{RetryAttempts: 1, RetryBase: time.Millisecond, RetryMax: time.Millisecond},
		circuitbreaker.NewMemoryStore(), clk, zap.NewNop(), nil,
	)

	f := &dispatcherFixture{
		db:         db,
		repo:       repository.Provide(),
		activities: activityrepo.Provide(),
		mint:       mocks.NewMockMintClient(ctrl),
		fraud:      mocks.NewMockFraudChecker(ctrl),
		hub:        notification.NewHub(),
		publisher:  &recordingPublisher{},
		clock:      clk,
		node:       node,
	}
	f.svc = New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Config:     config.Config{Kafka: config.KafkaConfig{SettlementTopic: "reward.settlements"}},
		Clock:      clk,
		GenID:      node,
		Repo:       f.repo,
		Activities: f.activities,
		Mint:       f.mint,
		Fraud:      f.fraud,
		Breakers:   breakers,
		Notifier:   f.hub,
		Publisher:  f.publisher,
	})
	return f
}

func (f *dispatcherFixture) scoredActivity(t *testing.T, points int64) *activitydomain.Activity {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()

	a := &activitydomain.Activity{
		ID:             f.node.Generate(),
		UserID:         "user-1",
		SourcePlatform: "strava",
		SourceID:       f.node.Generate().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, _, err := f.activities.CreatePending(ctx, f.db, a)
	require.NoError(t, err)

	detail := activitydomain.Detail{Type: "run", DistanceMeters: 10000, MovingTimeSeconds: 3600, ElevationGainMeters: 50}
	moved, err := f.activities.MarkScored(ctx, f.db, a.ID, detail, points, now)
	require.NoError(t, err)
	require.True(t, moved)

	stored, err := f.activities.FindByID(ctx, f.db, a.ID)
	require.NoError(t, err)
	return stored
}

func (f *dispatcherFixture) countRequests(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM mint_requests`).Scan(&n).Error)
	return n
}

func validVerdict() rewarddomain.FraudVerdict {
	return rewarddomain.FraudVerdict{Valid: true, Score: 4}
}

func TestDispatchSubmitsOnceAndMarksDispatched(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.scoredActivity(t, 122)
	key := rewarddomain.IdempotencyKey(a.ID)

	f.fraud.EXPECT().Check(gomock.Any(), gomock.Any()).Return(validVerdict(), nil).Times(1)
	f.mint.EXPECT().
		Mint(gomock.Any(), rewarddomain.MintCall{
			IdempotencyKey: key,
			UserID:         "user-1",
			Amount:         12.2,
			Metadata: map[string]string{
				"activity_id":     a.ID.String(),
				"activity_type":   "run",
				"points":          "122",
				"source_platform": "strava",
				"source_id":       a.SourceID,
			},
		}).
		Return(rewarddomain.MintResult{TransactionID: "tx-1", Status: "accepted"}, nil).
		Times(1)

	stale := *a
	req, err := f.svc.Dispatch(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, rewarddomain.StatusSubmitted, req.Status)
	assert.Equal(t, "tx-1", req.TxID)

	stored, err := f.activities.FindByID(ctx, f.db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusDispatched, stored.Status)

	// A redelivered message still carrying the scored snapshot must not mint again.
	again, err := f.svc.Dispatch(ctx, &stale)
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)

	// The current snapshot is no longer dispatchable.
	existing, err := f.svc.Dispatch(ctx, stored)
	assert.ErrorIs(t, err, rewarddomain.ErrNotDispatchable)
	require.NotNil(t, existing)
	assert.Equal(t, req.ID, existing.ID)

	assert.Equal(t, int64(1), f.countRequests(t))
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, rewarddomain.StatusSubmitted, f.publisher.events[0].Status)

	pending := f.hub.Pending("user-1")
	require.Len(t, pending, 1)
	assert.Equal(t, notification.KindRewardSubmitted, pending[0].Kind)
}

func TestDispatchRejectsFraudulentActivity(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.scoredActivity(t, 122)

	f.fraud.EXPECT().Check(gomock.Any(), gomock.Any()).
		Return(rewarddomain.FraudVerdict{Valid: false, Score: 95, Reason: "too fast"}, nil)
	f.mint.EXPECT().Mint(gomock.Any(), gomock.Any()).Times(0)

	req, err := f.svc.Dispatch(ctx, a)
	assert.Nil(t, req)
	assert.ErrorIs(t, err, rewarddomain.ErrFraudSuspected)

	stored, err := f.activities.FindByID(ctx, f.db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusRejected, stored.Status)
	assert.Equal(t, activitydomain.RejectFraudSuspected, stored.RejectReason)
	assert.Equal(t, int64(0), f.countRequests(t))

	pending := f.hub.Pending("user-1")
	require.Len(t, pending, 1)
	assert.Equal(t, notification.KindActivityRejected, pending[0].Kind)
}

func TestDispatchRecordsFailureAndRetrySucceeds(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.scoredActivity(t, 55)

	f.fraud.EXPECT().Check(gomock.Any(), gomock.Any()).Return(validVerdict(), nil)
	gomock.InOrder(
		f.mint.EXPECT().Mint(gomock.Any(), gomock.Any()).Return(rewarddomain.MintResult{}, errors.New("reward service: 503")),
		f.mint.EXPECT().Mint(gomock.Any(), gomock.Any()).Return(rewarddomain.MintResult{TransactionID: "tx-9", Status: "confirmed"}, nil),
	)

	req, err := f.svc.Dispatch(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, rewarddomain.StatusFailed, req.Status)
	assert.Contains(t, req.FailureReason, "503")

	stored, err := f.activities.FindByID(ctx, f.db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, activitydomain.StatusDispatched, stored.Status, "activity moves once the request row is durable")

	result, err := f.svc.Retry(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, rewarddomain.RetryResult{Scanned: 1, Submitted: 1}, result)

	final, err := f.repo.FindByKey(ctx, f.db, rewarddomain.IdempotencyKey(a.ID))
	require.NoError(t, err)
	assert.Equal(t, rewarddomain.StatusConfirmed, final.Status)
	assert.Equal(t, "tx-9", final.TxID)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, int64(1), f.countRequests(t))
}

func TestRetryPicksUpStalePendingRequest(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.scoredActivity(t, 55)

	now := f.clock.Now()
	inserted, err := f.repo.Insert(ctx, f.db, &rewarddomain.MintRequest{
		ID:             f.node.Generate(),
		IdempotencyKey: rewarddomain.IdempotencyKey(a.ID),
		UserID:         a.UserID,
		ActivityID:     a.ID,
		Amount:         5.5,
		Points:         55,
		Status:         rewarddomain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	result, err := f.svc.Retry(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned, "fresh pending requests belong to a live worker")

	f.clock.Advance(time.Hour)
	f.mint.EXPECT().Mint(gomock.Any(), gomock.Any()).Return(rewarddomain.MintResult{TransactionID: "tx-2"}, nil)

	result, err = f.svc.Retry(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Submitted)
}

func TestConcurrentDispatchCreatesSingleRequest(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.scoredActivity(t, 122)

	f.fraud.EXPECT().Check(gomock.Any(), gomock.Any()).Return(validVerdict(), nil).AnyTimes()
	f.mint.EXPECT().Mint(gomock.Any(), gomock.Any()).Return(rewarddomain.MintResult{TransactionID: "tx-1"}, nil).Times(1)

	var wg sync.WaitGroup
	results := make([]*rewarddomain.MintRequest, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot := *a
			req, err := f.svc.Dispatch(ctx, &snapshot)
			if err == nil {
				results[i] = req
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.countRequests(t))
	for _, r := range results {
		if r != nil {
			assert.Equal(t, rewarddomain.IdempotencyKey(a.ID), r.IdempotencyKey)
		}
	}
}
