package audit

import "time"

// Event is an immutable, append-only security audit record.
//
// Invariants:
// - Events are never updated; the only deletion is the retention purge.
// - TokenPrefix holds at most 8 characters of a token, never the full value.
type Event struct {
	ID            string        `json:"id" db:"id"`
	Type          EventType     `json:"event_type" db:"event_type"`
	SignatureType SignatureType `json:"signature_type,omitempty" db:"signature_type"`

	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   string `json:"user_agent,omitempty" db:"user_agent"`
	TokenPrefix string `json:"token_prefix,omitempty" db:"token_prefix"`

	RelatedModel string `json:"related_model,omitempty" db:"related_model"`
	RelatedID    *int64 `json:"related_id,omitempty" db:"related_id"`

	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
	// AdditionalInfo is optional JSON for free-form context.
	AdditionalInfo string `json:"additional_info,omitempty" db:"additional_info"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventSignatureSuccess  EventType = "signature_success"
	EventSignatureFailed   EventType = "signature_failed"
	EventTokenInvalid      EventType = "token_invalid"
	EventTokenExpired      EventType = "token_expired"
	EventTokenUsed         EventType = "token_used"
	EventTokenTampered     EventType = "token_tampered"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventValidationFailed  EventType = "validation_failed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventSignatureSuccess, EventSignatureFailed, EventTokenInvalid, EventTokenExpired,
		EventTokenUsed, EventTokenTampered, EventRateLimitExceeded, EventValidationFailed:
		return true
	}
	return false
}

// SignatureType mirrors the token type of the flow the event belongs to.
type SignatureType string

// FailedEventTypes count as failed attempts in a Summary.
var FailedEventTypes = []EventType{
	EventSignatureFailed,
	EventTokenInvalid,
	EventTokenExpired,
	EventTokenTampered,
}

// OffenderEventTypes attribute an IP to the top-offender list.
var OffenderEventTypes = []EventType{
	EventSignatureFailed,
	EventTokenInvalid,
	EventTokenTampered,
}

// IPCount is one row of the offender ranking.
type IPCount struct {
	IPAddress string `json:"ip_address"`
	Count     int    `json:"count"`
}

type Summary struct {
	Days               int       `json:"days"`
	TotalAttempts      int       `json:"total_attempts"`
	FailedAttempts     int       `json:"failed_attempts"`
	SuccessRatePercent float64   `json:"success_rate_percent"`
	RateLimitedCount   int       `json:"rate_limited_count"`
	TopOffendingIPs    []IPCount `json:"top_offending_ips"`
}

const tokenPrefixLen = 8

// TokenPrefix keeps only the first 8 characters of a token.
func TokenPrefix(token string) string {
	if len(token) <= tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}
