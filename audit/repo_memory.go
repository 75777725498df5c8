package audit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository for tests and single-process runs.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) CountSince(ctx context.Context, since time.Time, types ...EventType) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if matches(e, since, types) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) TopIPsSince(ctx context.Context, since time.Time, types []EventType, limit int) ([]IPCount, error) {
	r.mu.Lock()
	counts := make(map[string]int)
	for _, e := range r.events {
		if e.IPAddress != "" && matches(e, since, types) {
			counts[e.IPAddress]++
		}
	}
	r.mu.Unlock()

	out := make([]IPCount, 0, len(counts))
	for ip, n := range counts {
		out = append(out, IPCount{IPAddress: ip, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	var removed int64
	for _, e := range r.events {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return removed, nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func matches(e Event, since time.Time, types []EventType) bool {
	if e.CreatedAt.Before(since) {
		return false
	}
	return len(types) == 0 || slices.Contains(types, e.Type)
}

// List returns the newest events first, optionally filtered by type.
func (r *MemoryRepo) List(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if eventType == "" || r.events[i].Type == eventType {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}
