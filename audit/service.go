package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunaaoguzhann/sign-access/metrics"
)

// Repository is the persistence contract for audit events.
//
// Apart from DeleteBefore, which only serves the retention purge, it is
// append-only. No update method exists.
type Repository interface {
	Append(ctx context.Context, e Event) error
	CountSince(ctx context.Context, since time.Time, types ...EventType) (int, error)
	TopIPsSince(ctx context.Context, since time.Time, types []EventType, limit int) ([]IPCount, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Lister is the optional read side used by the staff event browser.
type Lister interface {
	List(ctx context.Context, eventType EventType, limit int) ([]Event, error)
}

const (
	DefaultRetentionDays = 730
	defaultWriteTimeout  = 2 * time.Second
	topOffenderLimit     = 10
)

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrInvalidDays  = errors.New("audit: days must be positive")
)

// Service records security events and answers read-side aggregates.
//
// Record is best-effort: callers on the public request path use it and a
// storage failure must never fail their request. Without WithAsync it
// writes inline and may hold the caller for up to the write timeout.
type Service struct {
	repo         Repository
	clock        func() time.Time
	logger       *slog.Logger
	writeTimeout time.Duration

	bufferSize int
	mu         sync.RWMutex
	closed     bool
	queue      chan Event
	done       chan struct{}
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) { s.writeTimeout = d }
}

// WithAsync hands Record events to a background writer through a queue of
// size events. Record then never waits on storage; when the queue is full
// the event is dropped and counted as a write failure.
func WithAsync(size int) Option {
	return func(s *Service) { s.bufferSize = size }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		clock:        time.Now,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bufferSize > 0 {
		s.queue = make(chan Event, s.bufferSize)
		s.done = make(chan struct{})
		go s.drain()
	}
	return s
}

func (s *Service) drain() {
	defer close(s.done)
	for e := range s.queue {
		s.write(context.Background(), e)
	}
}

// Close stops accepting queued events and waits until the background
// writer has flushed what it holds, or ctx ends. It is a no-op for a
// synchronous service.
func (s *Service) Close(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append validates and stores e, filling ID and CreatedAt when empty.
func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: event type %q", ErrInvalidEvent, e.Type)
	}

	e.TokenPrefix = TokenPrefix(e.TokenPrefix)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends e without ever failing the caller. The write runs on a
// context detached from the request and bounded by the write timeout.
func (s *Service) Record(ctx context.Context, e Event) {
	if s.queue == nil {
		s.write(ctx, e)
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped(e, "audit service closed")
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped(e, "audit queue full")
	}
}

func (s *Service) dropped(e Event, reason string) {
	metrics.RecordAuditFailure()
	s.logger.Error("audit record dropped",
		"event_type", e.Type,
		"ip", e.IPAddress,
		"reason", reason,
	)
}

func (s *Service) write(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordAuditFailure()
			s.logger.Error("audit record panicked", "event_type", e.Type, "panic", r)
		}
	}()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := s.Append(wctx, e); err != nil {
		metrics.RecordAuditFailure()
		s.logger.Error("audit record failed",
			"event_type", e.Type,
			"ip", e.IPAddress,
			"token_prefix", TokenPrefix(e.TokenPrefix),
			"err", err,
		)
	}
}

// Summarize aggregates the trailing days of events.
func (s *Service) Summarize(ctx context.Context, days int) (Summary, error) {
	if days <= 0 {
		return Summary{}, ErrInvalidDays
	}
	since := s.clock().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	total, err := s.repo.CountSince(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("count events: %w", err)
	}
	failed, err := s.repo.CountSince(ctx, since, FailedEventTypes...)
	if err != nil {
		return Summary{}, fmt.Errorf("count failed events: %w", err)
	}
	limited, err := s.repo.CountSince(ctx, since, EventRateLimitExceeded)
	if err != nil {
		return Summary{}, fmt.Errorf("count rate limited events: %w", err)
	}
	top, err := s.repo.TopIPsSince(ctx, since, OffenderEventTypes, topOffenderLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("rank offending ips: %w", err)
	}

	rate := 0.0
	if total > 0 {
		rate = float64(total-failed) / float64(total) * 100
		rate = math.Round(rate*100) / 100
	}
	if top == nil {
		top = []IPCount{}
	}
	return Summary{
		Days:               days,
		TotalAttempts:      total,
		FailedAttempts:     failed,
		SuccessRatePercent: rate,
		RateLimitedCount:   limited,
		TopOffendingIPs:    top,
	}, nil
}

// PurgeOlderThan deletes events older than retentionDays and returns how
// many were removed. Running it twice removes nothing the second time.
func (s *Service) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, ErrInvalidDays
	}
	cutoff := s.clock().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := s.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	s.logger.Info("purged audit events", "removed", n, "retention_days", retentionDays)
	return n, nil
}
