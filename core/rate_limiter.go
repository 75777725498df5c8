package core

import (
	"context"
	"strings"
	"time"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	// Count is the number of accepted attempts in the window before this call.
	Count int `json:"count"`
	// Degraded is set when the backend failed and the Throttle fell back
	// to its failure policy.
	Degraded bool `json:"degraded,omitempty"`
}

// RateLimiter is a sliding-window log keyed by (client, endpoint). Purging,
// counting and conditionally recording must happen as one atomic step for
// every caller sharing the key.
type RateLimiter interface {
	CheckAndRecord(ctx context.Context, client, endpoint string, maxAttempts int, window time.Duration) (Decision, error)
}

// rateKey builds "{prefix}:{client}:{endpoint}" with ":" in the client
// rewritten so IPv6 addresses keep the key unambiguous.
func rateKey(prefix, client, endpoint string) string {
	return prefix + ":" + strings.ReplaceAll(client, ":", "_") + ":" + endpoint
}

func admitted(count, maxAttempts int) Decision {
	return Decision{Allowed: true, Remaining: maxAttempts - count - 1, Limit: maxAttempts, Count: count}
}

func rejected(count, maxAttempts int) Decision {
	return Decision{Allowed: false, Remaining: 0, Limit: maxAttempts, Count: count}
}
