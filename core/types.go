package core

import (
	"errors"
	"time"
)

// TokenType names the workflow a token authorizes. It is embedded in the
// signed message, so it must never contain the "|" or "." separators.
type TokenType string

const (
	TokenCheckout        TokenType = "checkout"
	TokenDamage          TokenType = "damage"
	TokenApproval        TokenType = "approval"
	TokenTeacherCheckout TokenType = "teacher_checkout"
	TokenTeacherDamage   TokenType = "teacher_damage"
	TokenInspection      TokenType = "inspection"
)

// Valid reports whether t is well formed: lowercase letters and underscores only.
func (t TokenType) Valid() bool {
	if t == "" {
		return false
	}
	for _, r := range t {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

// Result is the classification of a presented token.
type Result string

const (
	ResultValid    Result = "valid"
	ResultInvalid  Result = "invalid"
	ResultUsed     Result = "used"
	ResultExpired  Result = "expired"
	ResultTampered Result = "tampered"
)

// Public messages shown to anonymous callers. Nothing more specific may leak.
const (
	MessageInvalid         = "This signature link is not valid."
	MessageUsed            = "This document has already been signed."
	MessageExpired         = "This signature link has expired."
	MessageTampered        = "This signature link has been tampered with."
	MessageTooManyAttempts = "Too many attempts. Please try again later."
	MessageGenericError    = "An error occurred while processing your request."
)

// PublicMessage returns the generic, non-revealing message for r.
func (r Result) PublicMessage() string {
	switch r {
	case ResultValid:
		return ""
	case ResultUsed:
		return MessageUsed
	case ResultExpired:
		return MessageExpired
	case ResultTampered:
		return MessageTampered
	default:
		return MessageInvalid
	}
}

// Issued is what Issue hands back to the caller for persistence.
type Issued struct {
	Token      string    `json:"token"`
	ResourceID int64     `json:"resource_id"`
	Type       TokenType `json:"type"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Stored is the caller-owned persisted state for one token slot.
// A zero ExpiresAt means no expiry was recorded.
type Stored struct {
	Token     string
	Used      bool
	ExpiresAt time.Time
}

// Check bundles everything Manager.Classify needs. ClientIP, UserAgent and
// RelatedModel only feed the audit trail.
type Check struct {
	Presented    string
	Stored       Stored
	ResourceID   int64
	Type         TokenType
	ClientIP     string
	UserAgent    string
	RelatedModel string
}

var (
	ErrSecretMissing     = errors.New("signature secret is not available")
	ErrUnknownTokenType  = errors.New("unknown token type")
	ErrInvalidResource   = errors.New("resource id must be non-negative")
	ErrInvalidTTL        = errors.New("ttl must be positive")
	ErrNotFound          = errors.New("signature request not found")
	ErrUsed              = errors.New("signature request already completed")
	ErrInvalidTransition = errors.New("invalid signature request transition")
)
