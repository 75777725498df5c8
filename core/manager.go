package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tunaaoguzhann/sign-access/audit"
	"github.com/tunaaoguzhann/sign-access/metrics"
)

// AuditSink receives security events. Implementations must not block the
// caller for long and must never panic back into it.
type AuditSink interface {
	Record(ctx context.Context, e audit.Event)
}

type Manager struct {
	secrets      SecretSource
	policy       ExpiryPolicy
	now          func() time.Time
	audit        AuditSink
	logger       *slog.Logger
	strictExpiry bool
}

type Config struct {
	Secrets SecretSource
	Expiry  ExpiryPolicy
	Now     func() time.Time
	Audit   AuditSink
	Logger  *slog.Logger
	// StrictExpiry additionally expires a token once its signed issuance
	// time plus the policy lifetime has passed, whatever the stored expiry says.
	StrictExpiry bool
}

func newManager(cfg Config) (*Manager, error) {
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("secret source is required")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	policy := cfg.Expiry
	if len(policy) == 0 {
		policy = DefaultExpiryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		secrets:      cfg.Secrets,
		policy:       policy,
		now:          nowFn,
		audit:        cfg.Audit,
		logger:       logger,
		strictExpiry: cfg.StrictExpiry,
	}, nil
}

// Issue mints a token using the policy lifetime for t.
func (m *Manager) Issue(ctx context.Context, resourceID int64, t TokenType) (Issued, error) {
	ttl, ok := m.policy.TTL(t)
	if !ok {
		return Issued{}, fmt.Errorf("%w: %q", ErrUnknownTokenType, t)
	}
	return m.IssueWithTTL(ctx, resourceID, t, ttl)
}

func (m *Manager) IssueWithTTL(ctx context.Context, resourceID int64, t TokenType, ttl time.Duration) (Issued, error) {
	if _, ok := m.policy.TTL(t); !ok {
		return Issued{}, fmt.Errorf("%w: %q", ErrUnknownTokenType, t)
	}
	secret, err := m.secrets.Secret(ctx)
	if err != nil {
		return Issued{}, err
	}
	issued, err := Issue(resourceID, t, secret, ttl, m.now())
	if err != nil {
		return Issued{}, err
	}
	metrics.RecordIssued(string(t))
	m.logger.Debug("issued signature token",
		"resource_id", resourceID,
		"type", t,
		"expires_at", issued.ExpiresAt,
	)
	return issued, nil
}

// Classify runs the ordered checks of Classify and records tampering in the
// audit trail before returning. The error is reserved for operational
// faults such as missing key material; a panic anywhere in the checks
// degrades to ResultInvalid.
func (m *Manager) Classify(ctx context.Context, c Check) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("token classification panicked",
				"resource_id", c.ResourceID,
				"type", c.Type,
				"panic", r,
			)
			result, err = ResultInvalid, nil
		}
	}()

	if _, ok := m.policy.TTL(c.Type); !ok {
		m.observe(c, unknownTypeLabel, ResultInvalid)
		return ResultInvalid, nil
	}
	secret, err := m.secrets.Secret(ctx)
	if err != nil {
		m.logger.Error("token classification without key material", "err", err)
		return ResultInvalid, err
	}

	now := m.now()
	result, err = Classify(c.Presented, c.Stored, c.ResourceID, c.Type, secret, now)
	if err != nil {
		return ResultInvalid, err
	}
	if result == ResultValid && m.strictExpiry && m.signedLifetimeOver(c, now) {
		result = ResultExpired
	}

	m.observe(c, string(c.Type), result)
	if result == ResultTampered {
		m.recordTampered(ctx, c)
	}
	return result, nil
}

func (m *Manager) signedLifetimeOver(c Check, now time.Time) bool {
	at, ok := issuedAt(c.Presented)
	if !ok {
		return false
	}
	ttl, _ := m.policy.TTL(c.Type)
	return !now.Before(at.Add(ttl))
}

// unknownTypeLabel stands in for any presented type outside the policy, so
// anonymous callers cannot mint new metric series.
const unknownTypeLabel = "unknown"

func (m *Manager) observe(c Check, typeLabel string, r Result) {
	metrics.RecordClassification(typeLabel, string(r))
	attrs := []any{
		"resource_id", c.ResourceID,
		"type", c.Type,
		"result", r,
		"ip", c.ClientIP,
	}
	switch r {
	case ResultValid:
		m.logger.Debug("token classified", attrs...)
	case ResultTampered:
		m.logger.Error("token tampering detected", attrs...)
	default:
		m.logger.Warn("token rejected", attrs...)
	}
}

func (m *Manager) recordTampered(ctx context.Context, c Check) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, EventFor(c, ResultTampered))
}

// EventFor builds the audit event describing result r for check c.
func EventFor(c Check, r Result) audit.Event {
	e := audit.Event{
		Type:          EventTypeFor(r),
		SignatureType: audit.SignatureType(c.Type),
		IPAddress:     c.ClientIP,
		UserAgent:     c.UserAgent,
		TokenPrefix:   audit.TokenPrefix(c.Presented),
		RelatedModel:  c.RelatedModel,
	}
	if c.ResourceID >= 0 {
		id := c.ResourceID
		e.RelatedID = &id
	}
	if r != ResultValid {
		e.ErrorMessage = fmt.Sprintf("token %s for %s signature", r, c.Type)
	}
	return e
}

func EventTypeFor(r Result) audit.EventType {
	switch r {
	case ResultValid:
		return audit.EventSignatureSuccess
	case ResultUsed:
		return audit.EventTokenUsed
	case ResultExpired:
		return audit.EventTokenExpired
	case ResultTampered:
		return audit.EventTokenTampered
	default:
		return audit.EventTokenInvalid
	}
}
