package core

import (
	"crypto/subtle"
	"fmt"
	"time"
)

// Issue mints a token for (resourceID, t). It has no side effects: the
// caller persists the token and expiry and starts the used flag at false.
func Issue(resourceID int64, t TokenType, secret []byte, ttl time.Duration, now time.Time) (Issued, error) {
	if len(secret) == 0 {
		return Issued{}, ErrSecretMissing
	}
	if resourceID < 0 {
		return Issued{}, ErrInvalidResource
	}
	if !t.Valid() {
		return Issued{}, fmt.Errorf("%w: %q", ErrUnknownTokenType, t)
	}
	if ttl <= 0 {
		return Issued{}, ErrInvalidTTL
	}

	salt, err := newSalt()
	if err != nil {
		return Issued{}, fmt.Errorf("generate salt: %w", err)
	}
	issuedAt := now.Unix()
	message := canonicalMessage(resourceID, issuedAt, salt, t)
	signature := NewSigner(secret).Sign(message)

	return Issued{
		Token:      EncodePayload(message, signature),
		ResourceID: resourceID,
		Type:       t,
		IssuedAt:   time.Unix(issuedAt, 0).UTC(),
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Classify compares a presented token against the stored slot. The checks
// run in a fixed order: the cheap lifecycle checks come first so that
// tampered is only reported for a token that matches storage and is still
// live. Malformed input is never an error; only missing key material is.
func Classify(presented string, stored Stored, resourceID int64, t TokenType, secret []byte, now time.Time) (Result, error) {
	if len(secret) == 0 {
		return ResultInvalid, ErrSecretMissing
	}

	if stored.Token == "" || subtle.ConstantTimeCompare([]byte(stored.Token), []byte(presented)) != 1 {
		return ResultInvalid, nil
	}
	if stored.Used {
		return ResultUsed, nil
	}
	// expiry is exclusive of now
	if !stored.ExpiresAt.IsZero() && !now.Before(stored.ExpiresAt) {
		return ResultExpired, nil
	}

	p, message, ok := DecodePayload(presented)
	if !ok {
		return ResultInvalid, nil
	}
	if p.ResourceID != resourceID || p.Type != t {
		return ResultInvalid, nil
	}
	if !NewSigner(secret).Verify(message, p.Signature) {
		return ResultTampered, nil
	}
	return ResultValid, nil
}

// issuedAt returns the signed issuance time of a token. Only meaningful for
// tokens that already classified as valid.
func issuedAt(token string) (time.Time, bool) {
	p, _, ok := DecodePayload(token)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(p.IssuedAt, 0), true
}
