package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("activity_type", "run"),
		attribute.String("athlete_id", "456"),
		attribute.String("status", "submitted"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "athlete_id" {
			t.Fatalf("expected athlete_id to be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordWebhookEvent(ctx, "activity", "create")
	m.RecordRateLimitAllowed(ctx, "webhook")
	m.RecordRateLimitDenied(ctx, "webhook", "window_full")
	m.RecordPointsAwarded(ctx, "run", 55)
	m.RecordMintOutcome(ctx, "submitted")
	m.RecordTokenRefresh(ctx, "strava", "refreshed")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPointsAwarded(context.Background(), "run", 10)
}
