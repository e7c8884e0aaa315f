package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	"github.com/smallbiznis/movepoint/internal/config"
	"github.com/smallbiznis/movepoint/internal/notification"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
	"github.com/smallbiznis/movepoint/internal/oauth/repository"
	"github.com/smallbiznis/movepoint/internal/storetest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeTokenClient struct {
	mu    sync.Mutex
	calls map[string]int
	resp  map[string]oauthdomain.TokenSet
	errs  map[string]error
}

func newFakeTokenClient() *fakeTokenClient {
	return &fakeTokenClient{
		calls: map[string]int{},
		resp:  map[string]oauthdomain.TokenSet{},
		errs:  map[string]error{},
	}
}

func (f *fakeTokenClient) Refresh(_ context.Context, refreshToken string) (oauthdomain.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[refreshToken]++
	if err := f.errs[refreshToken]; err != nil {
		return oauthdomain.TokenSet{}, err
	}
	return f.resp[refreshToken], nil
}

func (f *fakeTokenClient) callCount(refreshToken string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[refreshToken]
}

type fixture struct {
	db     *gorm.DB
	svc    *Service
	repo   oauthdomain.Repository
	client *fakeTokenClient
	hub    *notification.Hub
	clock  *clock.FakeClock
	node   *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := storetest.Open(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := notification.NewHub()
	client := newFakeTokenClient()
	repo := repository.Provide()

	cfg := config.Config{
		OAuth:     config.OAuthConfig{Provider: "strava"},
		Refresher: config.RefresherConfig{Margin: 2 * time.Hour, BatchSize: 2},
	}
	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.Config{RetryAttempts: 1, RetryBase: time.Millisecond, RetryMax: time.Millisecond},
		circuitbreaker.NewMemoryStore(), clk, zap.NewNop(), nil,
	)

	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Config:   cfg,
		Clock:    clk,
		Repo:     repo,
		Client:   client,
		Breakers: breakers,
		Notifier: hub,
	})
	return &fixture{db: db, svc: svc, repo: repo, client: client, hub: hub, clock: clk, node: node}
}

func (f *fixture) seed(t *testing.T, userID, athleteID, refresh string, expiresIn time.Duration) oauthdomain.Connection {
	t.Helper()
	now := f.clock.Now()
	conn := oauthdomain.Connection{
		ID:                f.node.Generate(),
		UserID:            userID,
		Provider:          "strava",
		ExternalAthleteID: athleteID,
		AccessToken:       "access-" + refresh,
		RefreshToken:      refresh,
		ExpiresAt:         now.Add(expiresIn),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := f.repo.Upsert(context.Background(), f.db, &conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return conn
}

func (f *fixture) load(t *testing.T, userID string) *oauthdomain.Connection {
	t.Helper()
	conn, err := f.repo.FindByUserID(context.Background(), f.db, userID, "strava")
	if err != nil || conn == nil {
		t.Fatalf("load connection %s: %v", userID, err)
	}
	return conn
}

func TestRunOnceRefreshesOnlyConnectionsInsideMargin(t *testing.T) {
	f := newFixture(t)
	soon := f.seed(t, "u-soon", "a1", "r-soon", time.Hour)
	later := f.seed(t, "u-later", "a2", "r-later", 3*time.Hour)

	newExpiry := f.clock.Now().Add(6 * time.Hour)
	f.client.resp["r-soon"] = oauthdomain.TokenSet{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresAt: newExpiry}

	result, err := f.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Scanned != 1 || result.Refreshed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	got := f.load(t, soon.UserID)
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" || !got.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("expected token triple overwritten, got %+v", got)
	}
	untouched := f.load(t, later.UserID)
	if untouched.AccessToken != later.AccessToken || !untouched.ExpiresAt.Equal(later.ExpiresAt) {
		t.Fatalf("expected connection outside margin untouched, got %+v", untouched)
	}
	if f.client.callCount("r-later") != 0 {
		t.Fatalf("expected no refresh call for connection outside margin")
	}
}

func TestRunOnceInvalidatesExpiredCredentialAndNotifies(t *testing.T) {
	f := newFixture(t)
	dead := f.seed(t, "u-dead", "a1", "r-dead", 30*time.Minute)
	f.client.errs["r-dead"] = circuitbreaker.Permanent(oauthdomain.ErrCredentialExpired)

	result, err := f.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Invalidated != 1 {
		t.Fatalf("expected one invalidation, got %+v", result)
	}

	got := f.load(t, dead.UserID)
	if got.Status != oauthdomain.StatusInvalid || got.InvalidatedAt == nil {
		t.Fatalf("expected invalid connection, got %+v", got)
	}
	pending := f.hub.Pending(dead.UserID)
	if len(pending) != 1 || pending[0].Kind != notification.KindCredentialExpired {
		t.Fatalf("expected credential_expired notification, got %+v", pending)
	}

	// Invalid connections are excluded from later passes.
	f.clock.Advance(time.Hour)
	result, err = f.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.Scanned != 0 || f.client.callCount("r-dead") != 1 {
		t.Fatalf("expected invalid connection skipped, result=%+v calls=%d", result, f.client.callCount("r-dead"))
	}

	states := f.svc.breakers.States()
	for _, s := range states {
		if s.ServiceName == circuitbreaker.ServiceOAuth && s.ConsecutiveFailures != 0 {
			t.Fatalf("credential expiry must not count against the breaker: %+v", s)
		}
	}
}

func TestRunOnceContinuesPastTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", "a1", "r1", 10*time.Minute)
	f.seed(t, "u2", "a2", "r2", 20*time.Minute)
	f.seed(t, "u3", "a3", "r3", 30*time.Minute)

	f.client.errs["r1"] = errors.New("upstream 502")
	f.client.resp["r2"] = oauthdomain.TokenSet{AccessToken: "a", RefreshToken: "b", ExpiresAt: f.clock.Now().Add(6 * time.Hour)}
	f.client.resp["r3"] = oauthdomain.TokenSet{AccessToken: "c", RefreshToken: "d", ExpiresAt: f.clock.Now().Add(6 * time.Hour)}

	result, err := f.svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Scanned != 3 || result.Refreshed != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := f.load(t, "u1"); got.Status != oauthdomain.StatusActive || got.AccessToken != "access-r1" {
		t.Fatalf("transient failure must leave the connection as is, got %+v", got)
	}
}

func TestAccessTokenRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", "a1", "r1", -time.Minute)
	f.seed(t, "u2", "a2", "r2", time.Hour)
	f.client.resp["r1"] = oauthdomain.TokenSet{AccessToken: "fresh", RefreshToken: "r1b", ExpiresAt: f.clock.Now().Add(6 * time.Hour)}

	token, err := f.svc.AccessToken(context.Background(), "u1")
	if err != nil || token != "fresh" {
		t.Fatalf("expected refreshed token, got %q err=%v", token, err)
	}
	token, err = f.svc.AccessToken(context.Background(), "u2")
	if err != nil || token != "access-r2" {
		t.Fatalf("expected stored token, got %q err=%v", token, err)
	}
	if _, err := f.svc.AccessToken(context.Background(), "missing"); !errors.Is(err, oauthdomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveOwner(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", "134815", "r1", time.Hour)

	conn, err := f.svc.ResolveOwner(context.Background(), "134815")
	if err != nil || conn.UserID != "u1" {
		t.Fatalf("expected owner u1, got %+v err=%v", conn, err)
	}
	if _, err := f.svc.ResolveOwner(context.Background(), "999"); !errors.Is(err, oauthdomain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleSnapshotDoesNotInvalidateRotatedConnection(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", "a1", "r-old", 10*time.Minute)
	first := f.load(t, "u1")
	stale := f.load(t, "u1")

	f.client.resp["r-old"] = oauthdomain.TokenSet{AccessToken: "access-new", RefreshToken: "r-new", ExpiresAt: f.clock.Now().Add(6 * time.Hour)}
	if err := f.svc.refreshConnection(context.Background(), first); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// The platform now rejects the consumed token.
	f.client.errs["r-old"] = circuitbreaker.Permanent(oauthdomain.ErrCredentialExpired)
	if err := f.svc.refreshConnection(context.Background(), stale); !errors.Is(err, errAlreadyRotated) {
		t.Fatalf("expected stale refresh to be skipped, got %v", err)
	}

	got := f.load(t, "u1")
	if got.Status != oauthdomain.StatusActive || got.RefreshToken != "r-new" || got.AccessToken != "access-new" {
		t.Fatalf("expected rotated connection kept active, got %+v", got)
	}
	if f.client.callCount("r-old") != 1 {
		t.Fatalf("expected the consumed token exchanged once, got %d", f.client.callCount("r-old"))
	}
	if pending := f.hub.Pending("u1"); len(pending) != 0 {
		t.Fatalf("expected no credential_expired notification, got %+v", pending)
	}
}

func TestRejectionOfReplacedTokenLeavesConnectionActive(t *testing.T) {
	f := newFixture(t)
	conn := f.seed(t, "u1", "a1", "r-old", 10*time.Minute)

	// Another process rotated the pair after this one re-read the row.
	changed, err := f.repo.MarkInvalid(context.Background(), f.db, conn.ID, "r-other", f.clock.Now())
	if err != nil || changed {
		t.Fatalf("expected mark invalid to be a no-op for a different token, changed=%v err=%v", changed, err)
	}
	err = f.repo.UpdateTokens(context.Background(), f.db, conn.ID, "r-other", oauthdomain.TokenSet{AccessToken: "x", RefreshToken: "y", ExpiresAt: f.clock.Now()}, f.clock.Now())
	if !errors.Is(err, oauthdomain.ErrTokenRotated) {
		t.Fatalf("expected ErrTokenRotated, got %v", err)
	}
	if got := f.load(t, "u1"); got.Status != oauthdomain.StatusActive || got.RefreshToken != "r-old" {
		t.Fatalf("expected connection untouched, got %+v", got)
	}
}
