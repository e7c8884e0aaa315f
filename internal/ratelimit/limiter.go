package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/movepoint/internal/clock"
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second
)

var ErrEmptyIdentifier = errors.New("rate limiter identifier is empty")

// Limiter decides whether one more request from identifier fits in the window.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// SlidingWindow keeps the accepted request timestamps of every identifier in
// memory. Counts do not survive restarts.
type SlidingWindow struct {
	max    int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu      sync.Mutex
	hits    []time.Time
	evicted bool
}

func NewSlidingWindow(max int, window time.Duration, clk clock.Clock) *SlidingWindow {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &SlidingWindow{
		max:     max,
		window:  window,
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

func (s *SlidingWindow) Allow(_ context.Context, identifier string) (bool, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return false, ErrEmptyIdentifier
	}

	for {
		b := s.bucketFor(identifier)
		now := s.clock.Now()

		b.mu.Lock()
		if b.evicted {
			// Cleanup removed this bucket between lookup and lock.
			b.mu.Unlock()
			continue
		}
		b.purge(now.Add(-s.window))
		if len(b.hits) >= s.max {
			b.mu.Unlock()
			return false, nil
		}
		b.hits = append(b.hits, now)
		b.mu.Unlock()
		return true, nil
	}
}

// Cleanup drops identifiers that have no request inside the window.
func (s *SlidingWindow) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, b := range s.buckets {
		b.mu.Lock()
		b.purge(cutoff)
		if len(b.hits) == 0 {
			b.evicted = true
			delete(s.buckets, id)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(s.clock.Now())
		}
	}
}

// Tracked reports how many identifiers currently hold state.
func (s *SlidingWindow) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *SlidingWindow) bucketFor(identifier string) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[identifier]
	if !ok {
		b = &bucket{hits: make([]time.Time, 0, 8)}
		s.buckets[identifier] = b
	}
	return b
}

// purge drops hits at or before cutoff. Hits are appended in clock order so
// the first one still inside the window marks the split point.
func (b *bucket) purge(cutoff time.Time) {
	idx := 0
	for idx < len(b.hits) && !b.hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return
	}
	b.hits = append(b.hits[:0], b.hits[idx:]...)
}
