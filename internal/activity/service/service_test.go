package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/movepoint/internal/activity/domain"
	"github.com/smallbiznis/movepoint/internal/activity/repository"
	"github.com/smallbiznis/movepoint/internal/activity/source"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/notification"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	"github.com/smallbiznis/movepoint/internal/queue"
	rewarddomain "github.com/smallbiznis/movepoint/internal/reward/domain"
	"github.com/smallbiznis/movepoint/internal/scoring"
	"github.com/smallbiznis/movepoint/internal/storetest"
	webhookdomain "github.com/smallbiznis/movepoint/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAthlete = int64(134815)
	testUser    = "user-1"
)

type fakeOwners struct {
	conns map[string]*oauthdomain.Connection
	err   error
}

func (f *fakeOwners) ResolveOwner(_ context.Context, athleteID string) (*oauthdomain.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	conn, ok := f.conns[athleteID]
	if !ok {
		return nil, oauthdomain.ErrNotFound
	}
	return conn, nil
}

type fetchResult struct {
	detail activitydomain.Detail
	err    error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string][]fetchResult
	calls   int
}

func (f *fakeFetcher) FetchActivity(_ context.Context, _ string, sourceID string) (activitydomain.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	queued := f.results[sourceID]
	if len(queued) == 0 {
		return activitydomain.Detail{}, errors.New("unexpected fetch")
	}
	next := queued[0]
	if len(queued) > 1 {
		f.results[sourceID] = queued[1:]
	}
	return next.detail, next.err
}

type recordingQueue struct {
	queue.Queue
	mu       sync.Mutex
	enqueued map[string][]any
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.enqueued == nil {
		q.enqueued = make(map[string][]any)
	}
	q.enqueued[name] = append(q.enqueued[name], payload)
	return nil
}

type ingestFixture struct {
	db       *gorm.DB
	repo     activitydomain.Repository
	fetcher  *fakeFetcher
	owners   *fakeOwners
	queue    *recordingQueue
	hub      *notification.Hub
	ingestor *Ingestor
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &ingestFixture{
		db:      storetest.Open(t),
		repo:    repository.Provide(),
		fetcher: &fakeFetcher{results: map[string][]fetchResult{}},
		owners: &fakeOwners{conns: map[string]*oauthdomain.Connection{
			"134815": {UserID: testUser, Provider: "strava", ExternalAthleteID: "134815", Status: oauthdomain.StatusActive},
		}},
		queue: &recordingQueue{},
		hub:   notification.NewHub(),
	}
	f.ingestor = NewIngestor(IngestorParams{
		DB:  f.db,
		Log: zap.NewNop(),
		Config: config.Config{
			Webhook:  config.WebhookConfig{IgnorePrivate: true},
			Queue:    config.QueueConfig{ScoredQueue: "activities:scored"},
			Activity: config.ActivityAPIConfig{SourcePlatform: "strava"},
		},
		Clock:      clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)),
		GenID:      node,
		Repo:       f.repo,
		Fetcher:    f.fetcher,
		Owners:     f.owners,
		Calculator: scoring.NewCalculator(config.NewStaticScoringConfigHolder(config.DefaultScoringConfig())),
		Queue:      f.queue,
		Notifier:   f.hub,
	})
	return f
}

func (f *ingestFixture) stub(sourceID string, results ...fetchResult) {
	f.fetcher.results[sourceID] = results
}

func delivery(t *testing.T, event webhookdomain.Event) *queue.Delivery {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return &queue.Delivery{Message: queue.Message{ID: "msg-1", Queue: "activities:events", Payload: raw}}
}

func createEvent(objectID int64) webhookdomain.Event {
	return webhookdomain.Event{
		ObjectType: webhookdomain.ObjectActivity,
		ObjectID:   objectID,
		AspectType: webhookdomain.AspectCreate,
		OwnerID:    testAthlete,
		EventTime:  1516126040,
	}
}

func morningRun() activitydomain.Detail {
	return activitydomain.Detail{Type: "run", Name: "Morning Run", DistanceMeters: 10000, MovingTimeSeconds: 3600, ElevationGainMeters: 50}
}

func (f *ingestFixture) stored(t *testing.T, sourceID string) *activitydomain.Activity {
	t.Helper()
	a, err := f.repo.FindBySource(context.Background(), f.db, "strava", sourceID)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func TestIngestScoresActivityAndHandsOff(t *testing.T) {
	f := newIngestFixture(t)
	f.stub("1001", fetchResult{detail: morningRun()})

	require.NoError(t, f.ingestor.Handle(context.Background(), delivery(t, createEvent(1001))))

	a := f.stored(t, "1001")
	assert.Equal(t, activitydomain.StatusScored, a.Status)
	assert.Equal(t, int64(122), a.ComputedPoints)
	assert.Equal(t, testUser, a.UserID)
	assert.Equal(t, "run", a.Type)
	assert.NotEmpty(t, a.SourceEvent)

	scored := f.queue.enqueued["activities:scored"]
	require.Len(t, scored, 1)
	assert.Equal(t, activitydomain.ScoredMessage{ActivityID: a.ID}, scored[0])
}

func TestIngestRedeliveryDoesNotRefetch(t *testing.T) {
	f := newIngestFixture(t)
	f.stub("1002", fetchResult{detail: morningRun()})
	d := delivery(t, createEvent(1002))

	require.NoError(t, f.ingestor.Handle(context.Background(), d))
	require.NoError(t, f.ingestor.Handle(context.Background(), d))

	assert.Equal(t, 1, f.fetcher.calls)
	// The scored hand-off is repeated so a crash between scoring and enqueue heals.
	assert.Len(t, f.queue.enqueued["activities:scored"], 2)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM activities`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIngestIgnoresNonCreateEvents(t *testing.T) {
	f := newIngestFixture(t)

	events := []webhookdomain.Event{
		{ObjectType: webhookdomain.ObjectActivity, ObjectID: 1, AspectType: webhookdomain.AspectUpdate, OwnerID: testAthlete},
		{ObjectType: webhookdomain.ObjectActivity, ObjectID: 1, AspectType: webhookdomain.AspectDelete, OwnerID: testAthlete},
		{ObjectType: webhookdomain.ObjectAthlete, ObjectID: testAthlete, AspectType: webhookdomain.AspectUpdate, OwnerID: testAthlete},
		{ObjectType: webhookdomain.ObjectUnknown, ObjectID: 1, AspectType: webhookdomain.AspectCreate, OwnerID: testAthlete},
	}
	for _, ev := range events {
		require.NoError(t, f.ingestor.Handle(context.Background(), delivery(t, ev)))
	}

	assert.Zero(t, f.fetcher.calls)
	assert.Empty(t, f.queue.enqueued)
}

func TestIngestUnknownOwnerIsPermanent(t *testing.T) {
	f := newIngestFixture(t)
	ev := createEvent(1003)
	ev.OwnerID = 999

	err := f.ingestor.Handle(context.Background(), delivery(t, ev))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, oauthdomain.ErrNotFound)
}

func TestIngestMalformedPayloadIsPermanent(t *testing.T) {
	f := newIngestFixture(t)
	d := &queue.Delivery{Message: queue.Message{ID: "bad", Payload: json.RawMessage(`"not an event"`)}}

	err := f.ingestor.Handle(context.Background(), d)
	assert.True(t, queue.IsPermanent(err))
}

func TestIngestTransientFetchFailureIsRetried(t *testing.T) {
	f := newIngestFixture(t)
	f.stub("1004",
		fetchResult{err: errors.New("activity api: 503")},
		fetchResult{detail: morningRun()},
	)
	d := delivery(t, createEvent(1004))

	err := f.ingestor.Handle(context.Background(), d)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, activitydomain.StatusPending, f.stored(t, "1004").Status)

	require.NoError(t, f.ingestor.Handle(context.Background(), d))
	assert.Equal(t, activitydomain.StatusScored, f.stored(t, "1004").Status)
}

func TestIngestRejections(t *testing.T) {
	cases := []struct {
		name     string
		result   fetchResult
		reason   string
		notifies bool
	}{
		{
			name:   "deleted at source",
			result: fetchResult{err: circuitbreaker.Permanent(&source.APIError{StatusCode: 404, Err: source.ErrNotFound})},
			reason: activitydomain.RejectNotFound,
		},
		{
			name:     "private activity",
			result:   fetchResult{detail: activitydomain.Detail{Type: "run", DistanceMeters: 5000, MovingTimeSeconds: 1500, Private: true}},
			reason:   activitydomain.RejectPrivate,
			notifies: true,
		},
		{
			name:     "too short to score",
			result:   fetchResult{detail: activitydomain.Detail{Type: "walk", DistanceMeters: 60, MovingTimeSeconds: 120}},
			reason:   activitydomain.RejectInvalid,
			notifies: true,
		},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newIngestFixture(t)
			objectID := int64(2000 + i)
			sourceID := createEvent(objectID).SourceID()
			f.stub(sourceID, tc.result)

			require.NoError(t, f.ingestor.Handle(context.Background(), delivery(t, createEvent(objectID))))

			a := f.stored(t, sourceID)
			assert.Equal(t, activitydomain.StatusRejected, a.Status)
			assert.Equal(t, tc.reason, a.RejectReason)
			assert.Empty(t, f.queue.enqueued["activities:scored"])

			pending := f.hub.Pending(testUser)
			if tc.notifies {
				require.Len(t, pending, 1)
				assert.Equal(t, notification.KindActivityRejected, pending[0].Kind)
			} else {
				assert.Empty(t, pending)
			}
		})
	}
}

func TestIngestOtherPermanentFetchFailureDeadLetters(t *testing.T) {
	f := newIngestFixture(t)
	f.stub("1005", fetchResult{err: circuitbreaker.Permanent(&source.AuthError{StatusCode: 401})})

	err := f.ingestor.Handle(context.Background(), delivery(t, createEvent(1005)))
	assert.True(t, queue.IsPermanent(err))
	assert.Equal(t, activitydomain.StatusPending, f.stored(t, "1005").Status)
}

type fakeDispatcher struct {
	calls []snowflake.ID
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, a *activitydomain.Activity) (*rewarddomain.MintRequest, error) {
	d.calls = append(d.calls, a.ID)
	if d.err != nil {
		return nil, d.err
	}
	return &rewarddomain.MintRequest{ActivityID: a.ID, Status: rewarddomain.StatusSubmitted}, nil
}

func (d *fakeDispatcher) Retry(context.Context, int) (rewarddomain.RetryResult, error) {
	return rewarddomain.RetryResult{}, nil
}

func scoredDelivery(t *testing.T, id snowflake.ID) *queue.Delivery {
	t.Helper()
	raw, err := json.Marshal(activitydomain.ScoredMessage{ActivityID: id})
	require.NoError(t, err)
	return &queue.Delivery{Message: queue.Message{ID: "scored-1", Queue: "activities:scored", Payload: raw}}
}

func TestSettlerDispatchesScoredActivity(t *testing.T) {
	f := newIngestFixture(t)
	f.stub("3001", fetchResult{detail: morningRun()})
	require.NoError(t, f.ingestor.Handle(context.Background(), delivery(t, createEvent(3001))))
	a := f.stored(t, "3001")

	cases := []struct {
		name      string
		err       error
		wantErr   bool
		permanent bool
	}{
		{name: "dispatched"},
		{name: "already settled", err: rewarddomain.ErrNotDispatchable},
		{name: "fraud rejected", err: rewarddomain.ErrFraudSuspected},
		{name: "store unavailable", err: errors.New("connection reset"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dispatcher := &fakeDispatcher{err: tc.err}
			settler := NewSettler(SettlerParams{DB: f.db, Log: zap.NewNop(), Repo: f.repo, Dispatcher: dispatcher})

			err := settler.Handle(context.Background(), scoredDelivery(t, a.ID))
			if tc.wantErr {
				require.Error(t, err)
				assert.False(t, queue.IsPermanent(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, []snowflake.ID{a.ID}, dispatcher.calls)
		})
	}
}

func TestSettlerMissingActivityIsPermanent(t *testing.T) {
	f := newIngestFixture(t)
	dispatcher := &fakeDispatcher{}
	settler := NewSettler(SettlerParams{DB: f.db, Log: zap.NewNop(), Repo: f.repo, Dispatcher: dispatcher})

	err := settler.Handle(context.Background(), scoredDelivery(t, snowflake.ID(42)))
	assert.True(t, queue.IsPermanent(err))
	assert.Empty(t, dispatcher.calls)
}
