// Package dependencychecker probes backing services such as the database
// and Redis.
package dependencychecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatdesk/chatdesk/internal/healthcheck"
)

const (
	checkTypeDependency = "dependency"
	defaultTimeout      = 2 * time.Second
)

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

// Checker pings one named dependency.
type Checker struct {
	name    string
	ping    PingFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a dependency checker. A nil ping reports unknown.
func NewChecker(log *slog.Logger, name string, ping PingFunc) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		name:    name,
		ping:    ping,
		timeout: defaultTimeout,
		logger:  log.With(slog.String("checker", "healthcheck_dependency"), slog.String("dependency", name)),
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:      checkTypeDependency + "." + c.name,
		Type:    checkTypeDependency,
		Status:  healthcheck.StatusOK,
		Summary: c.name + " is reachable.",
	}
	if c.ping == nil {
		item.Status = healthcheck.StatusUnknown
		item.Summary = c.name + " is not configured."
		return []healthcheck.CheckResult{item}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	err := c.ping(ctx)
	item.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	if err != nil {
		c.logger.Warn("dependency ping failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = c.name + " is unreachable."
		item.Detail = err.Error()
	}
	return []healthcheck.CheckResult{item}
}
