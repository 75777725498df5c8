package core

import (
	"context"
	"time"
)

// RequestStatus is the lifecycle of one signature request slot.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusSigned   RequestStatus = "signed"
	StatusDeclined RequestStatus = "declined"
)

// transitions lists every allowed status change. Re-issuing a token is not a
// transition: Save always starts a fresh pending request.
var transitions = map[RequestStatus][]RequestStatus{
	StatusPending: {StatusSigned, StatusDeclined},
}

func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SignatureRequest is the persisted token slot for one (resource, type).
// It is the caller-side state Classify reads: token, expiry and used flag.
type SignatureRequest struct {
	ResourceID  int64         `json:"resource_id"`
	Type        TokenType     `json:"type"`
	Token       string        `json:"token"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Used reports whether the request left the pending state.
func (r SignatureRequest) Used() bool {
	return r.Status != StatusPending
}

func (r SignatureRequest) Stored() Stored {
	return Stored{Token: r.Token, Used: r.Used(), ExpiresAt: r.ExpiresAt}
}

func NewSignatureRequest(issued Issued, now time.Time) SignatureRequest {
	return SignatureRequest{
		ResourceID: issued.ResourceID,
		Type:       issued.Type,
		Token:      issued.Token,
		ExpiresAt:  issued.ExpiresAt,
		Status:     StatusPending,
		CreatedAt:  now,
	}
}

type Store interface {
	// Save replaces any request for the same (resource, type).
	Save(ctx context.Context, r SignatureRequest, ttl time.Duration) error
	Get(ctx context.Context, resourceID int64, t TokenType) (*SignatureRequest, error)
	// Complete moves a pending request holding token to status. It fails
	// with ErrUsed when the request already left pending and ErrNotFound
	// when no request holds that token.
	Complete(ctx context.Context, resourceID int64, t TokenType, token string, to RequestStatus, at time.Time) error
}
