package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tunaaoguzhann/sign-access/audit"
	"github.com/tunaaoguzhann/sign-access/metrics"
)

const (
	DefaultMaxAttempts = 10
	DefaultRateWindow  = time.Hour
)

type ThrottleConfig struct {
	Limiter     RateLimiter
	Audit       AuditSink
	Logger      *slog.Logger
	MaxAttempts int
	Window      time.Duration
	// Timeout bounds one backend call; past it the call counts as a store failure.
	Timeout time.Duration
	// FailClosed rejects requests while the backend is failing. The default
	// is fail-open: a store outage disables throttling rather than the
	// public signature flow.
	FailClosed bool
}

// Throttle is the request gate in front of the public endpoints. It never
// returns an error: backend faults collapse into the failure policy.
type Throttle struct {
	limiter     RateLimiter
	audit       AuditSink
	logger      *slog.Logger
	maxAttempts int
	window      time.Duration
	timeout     time.Duration
	failClosed  bool
}

func NewThrottle(cfg ThrottleConfig) (*Throttle, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	t := &Throttle{
		limiter:     cfg.Limiter,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.Window,
		timeout:     cfg.Timeout,
		failClosed:  cfg.FailClosed,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = DefaultMaxAttempts
	}
	if t.window <= 0 {
		t.window = DefaultRateWindow
	}
	if t.timeout <= 0 {
		t.timeout = DefaultRedisTimeout
	}
	return t, nil
}

// CheckAndRecord applies the configured limit to (client, endpoint).
func (t *Throttle) CheckAndRecord(ctx context.Context, client, endpoint string) Decision {
	return t.CheckAndRecordLimit(ctx, client, endpoint, t.maxAttempts, t.window)
}

func (t *Throttle) CheckAndRecordLimit(ctx context.Context, client, endpoint string, maxAttempts int, window time.Duration) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = t.degrade(client, endpoint, maxAttempts, fmt.Errorf("panic: %v", r))
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	d, err := t.limiter.CheckAndRecord(cctx, client, endpoint, maxAttempts, window)
	if err != nil {
		return t.degrade(client, endpoint, maxAttempts, err)
	}

	if !d.Allowed {
		metrics.RecordRateLimit(endpoint, metrics.RateLimitRejected)
		t.logger.Warn("rate limit exceeded",
			"ip", client,
			"endpoint", endpoint,
			"attempts", d.Count,
			"max_attempts", maxAttempts,
		)
		t.recordRejection(ctx, client, endpoint, d.Count)
		return d
	}

	metrics.RecordRateLimit(endpoint, metrics.RateLimitAllowed)
	t.logger.Debug("rate limit check passed",
		"ip", client,
		"endpoint", endpoint,
		"attempts", d.Count+1,
		"remaining", d.Remaining,
	)
	return d
}

func (t *Throttle) degrade(client, endpoint string, maxAttempts int, err error) Decision {
	if t.failClosed {
		metrics.RecordRateLimit(endpoint, metrics.RateLimitFailShut)
		t.logger.Error("rate limiting unavailable, rejecting request",
			"ip", client, "endpoint", endpoint, "err", err)
		return Decision{Allowed: false, Remaining: 0, Limit: maxAttempts, Degraded: true}
	}
	metrics.RecordRateLimit(endpoint, metrics.RateLimitFailOpen)
	t.logger.Warn("rate limiting unavailable, allowing request",
		"ip", client, "endpoint", endpoint, "err", err)
	return Decision{Allowed: true, Remaining: max(maxAttempts-1, 0), Limit: maxAttempts, Degraded: true}
}

func (t *Throttle) recordRejection(ctx context.Context, client, endpoint string, attempts int) {
	if t.audit == nil {
		return
	}
	t.audit.Record(ctx, audit.Event{
		Type:           audit.EventRateLimitExceeded,
		IPAddress:      client,
		ErrorMessage:   fmt.Sprintf("Rate limit exceeded on %s endpoint. Attempts: %d", endpoint, attempts),
		AdditionalInfo: fmt.Sprintf(`{"endpoint":%q,"attempts":%d}`, endpoint, attempts),
	})
}

// Window is the configured trailing window, for Retry-After hints.
func (t *Throttle) Window() time.Duration { return t.window }
