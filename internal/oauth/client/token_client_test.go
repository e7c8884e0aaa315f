package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
	"github.com/smallbiznis/movepoint/internal/clock"
	oauthdomain "github.com/smallbiznis/movepoint/internal/oauth/domain"
)

func TestRefreshSendsRefreshGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "r1" {
			t.Fatalf("unexpected form %v", r.Form)
		}
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "secret" {
			t.Fatalf("missing client credentials: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_at":1767225600}`))
	}))
	defer srv.Close()

	tc := NewTokenClient(srv.URL, "cid", "secret")
	tokens, err := tc.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tokens.AccessToken != "a2" || tokens.RefreshToken != "r2" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if !tokens.ExpiresAt.Equal(time.Unix(1767225600, 0)) {
		t.Fatalf("unexpected expiry %s", tokens.ExpiresAt)
	}
}

func TestRefreshUsesExpiresInWhenNoAbsoluteExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_in":21600}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTokenClient(srv.URL, "cid", "secret", WithClock(clock.NewFakeClock(now)))
	tokens, err := tc.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !tokens.ExpiresAt.Equal(now.Add(6 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", tokens.ExpiresAt)
	}
}

func TestRefreshClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		expired   bool
		permanent bool
	}{
		{name: "invalid grant", status: http.StatusBadRequest, body: `{"error":"invalid_grant"}`, expired: true, permanent: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"message":"Authorization Error"}`, expired: true, permanent: true},
		{name: "bad client", status: http.StatusBadRequest, body: `{"error":"invalid_client"}`, permanent: true},
		{name: "server error", status: http.StatusBadGateway, body: `upstream`},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewTokenClient(srv.URL, "cid", "secret").Refresh(context.Background(), "r1")
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errors.Is(err, oauthdomain.ErrCredentialExpired); got != tc.expired {
				t.Fatalf("expired=%v, want %v (%v)", got, tc.expired, err)
			}
			if got := circuitbreaker.IsPermanent(err); got != tc.permanent {
				t.Fatalf("permanent=%v, want %v (%v)", got, tc.permanent, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tc.status {
				t.Fatalf("expected APIError with status %d, got %v", tc.status, err)
			}
		})
	}
}
