package core

import "time"

const (
	day                = 24 * time.Hour
	DefaultTokenExpiry = 7 * day
	ShortTokenExpiry   = 3 * day
)

// ExpiryPolicy maps each accepted token type to its lifetime. A type that is
// not in the policy cannot be issued or verified through a Manager.
type ExpiryPolicy map[TokenType]time.Duration

func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{
		TokenCheckout:        DefaultTokenExpiry,
		TokenApproval:        DefaultTokenExpiry,
		TokenTeacherCheckout: DefaultTokenExpiry,
		TokenDamage:          ShortTokenExpiry,
		TokenTeacherDamage:   ShortTokenExpiry,
		TokenInspection:      ShortTokenExpiry,
	}
}

// TTL returns the lifetime for t and whether t is known.
func (p ExpiryPolicy) TTL(t TokenType) (time.Duration, bool) {
	ttl, ok := p[t]
	return ttl, ok && ttl > 0
}

// WithDays overrides lifetimes in whole days; non-positive values are ignored.
func (p ExpiryPolicy) WithDays(days map[TokenType]int) ExpiryPolicy {
	out := make(ExpiryPolicy, len(p)+len(days))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range days {
		if v > 0 && k.Valid() {
			out[k] = time.Duration(v) * day
		}
	}
	return out
}
