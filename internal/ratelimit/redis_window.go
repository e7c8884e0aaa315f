package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/movepoint/internal/clock"
)

const keyWebhookWindow = "ratelimit:webhook:%s"

// Same purge-then-count rule as SlidingWindow, applied to a sorted set of
// request timestamps so every api replica shares one count per identifier.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= max then
  return {0, count}
end

redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, count + 1}
`

type RedisSlidingWindow struct {
	client *redis.Client
	script *redis.Script
	max    int
	window time.Duration
	clock  clock.Clock
}

func NewRedisSlidingWindow(client *redis.Client, max int, window time.Duration, clk clock.Clock) *RedisSlidingWindow {
	if client == nil {
		return nil
	}
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &RedisSlidingWindow{
		client: client,
		script: redis.NewScript(slidingWindowScript),
		max:    max,
		window: window,
		clock:  clk,
	}
}

func (r *RedisSlidingWindow) Allow(ctx context.Context, identifier string) (bool, error) {
	if r == nil || r.client == nil {
		return false, errors.New("rate limiter not configured")
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return false, ErrEmptyIdentifier
	}

	nowMs := r.clock.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	res, err := r.script.Run(
		ctx,
		r.client,
		[]string{fmt.Sprintf(keyWebhookWindow, identifier)},
		nowMs,
		r.window.Milliseconds(),
		r.max,
		member,
	).Int64Slice()
	if err != nil {
		return false, err
	}
	if len(res) < 1 {
		return false, errors.New("invalid rate limit script response")
	}
	return res[0] == 1, nil
}
