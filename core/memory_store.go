package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"
)

type requestKey struct {
	resourceID int64
	tokenType  TokenType
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[requestKey]SignatureRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[requestKey]SignatureRequest),
	}
}

func (s *MemoryStore) Save(_ context.Context, r SignatureRequest, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[requestKey{r.ResourceID, r.Type}] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, resourceID int64, t TokenType) (*SignatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[requestKey{resourceID, t}]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Complete(_ context.Context, resourceID int64, t TokenType, token string, to RequestStatus, at time.Time) error {
	if !CanTransition(StatusPending, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StatusPending, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := requestKey{resourceID, t}
	r, ok := s.data[key]
	if !ok || subtle.ConstantTimeCompare([]byte(r.Token), []byte(token)) != 1 {
		return ErrNotFound
	}
	if !CanTransition(r.Status, to) {
		return ErrUsed
	}
	r.Status = to
	r.CompletedAt = &at
	s.data[key] = r
	return nil
}
