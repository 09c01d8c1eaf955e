// Package ratelimit throttles the public anchor endpoint, sharing counters
// through Redis when it is available.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/chatdesk/chatdesk/internal/config"
)

const (
	defaultRatePerMinute = 30
	defaultBurst         = 10
	redisTimeout         = 250 * time.Millisecond
	keyPrefix            = "chatdesk:ratelimit:"
)

// slidingWindow admits a request when fewer than limit entries fall inside
// the window. Returns 1 when admitted.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call("zremrangebyscore", key, "-inf", window_start)
local current = redis.call("zcard", key)
if current < limit then
	redis.call("zadd", key, now, now .. "-" .. math.random())
	redis.call("pexpire", key, window_ms)
	return 1
end
return 0
`)

// RedisStore is a sliding window echo RateLimiterStore shared by all replicas.
type RedisStore struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore allows limit requests per window for each identifier.
func NewRedisStore(log *slog.Logger, client redis.UniversalClient, limit int64, window time.Duration) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{
		client: client,
		limit:  limit,
		window: window,
		logger: log.With(slog.String("service", "ratelimit")),
		now:    time.Now,
	}
}

// Allow implements middleware.RateLimiterStore. Redis failures admit the
// request so an outage does not take the widget down with it.
func (s *RedisStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	now := s.now()
	res, err := slidingWindow.Run(ctx, s.client, []string{keyPrefix + identifier},
		now.UnixMilli(),
		now.Add(-s.window).UnixMilli(),
		s.limit,
		s.window.Milliseconds(),
	).Int()
	if err != nil {
		s.logger.Warn("rate limit check failed, allowing", slog.String("identifier", identifier), slog.Any("error", err))
		return true, nil
	}
	return res == 1, nil
}

// NewStore picks the Redis store when a client is given, otherwise the
// in-process token bucket from echo.
func NewStore(log *slog.Logger, cfg config.AnchorConfig, client redis.UniversalClient) middleware.RateLimiterStore {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	if client != nil {
		return NewRedisStore(log, client, int64(perMinute), time.Minute)
	}
	return middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
}

// Middleware limits requests per anchor token and client IP.
func Middleware(store middleware.RateLimiterStore) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: Identifier,
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, map[string]string{"message": "unable to identify caller"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, map[string]string{"message": "rate limit exceeded"})
		},
	})
}

// Identifier keys the limit by anchor token and caller IP.
func Identifier(c echo.Context) (string, error) {
	ip := c.RealIP()
	if ip == "" {
		return "", fmt.Errorf("no remote address")
	}
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		return ip, nil
	}
	return token + ":" + ip, nil
}
