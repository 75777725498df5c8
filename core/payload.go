package core

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	fieldSep     = "|"
	signatureSep = "."
	saltBytes    = 16
)

// payload is the parsed wire form
// "{resourceId}|{issuedAtUnixSeconds}|{salt}|{tokenType}.{hexSignature}".
type payload struct {
	ResourceID int64
	IssuedAt   int64
	Salt       string
	Type       TokenType
	Signature  string
}

func canonicalMessage(resourceID, issuedAt int64, salt string, t TokenType) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(resourceID, 10))
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatInt(issuedAt, 10))
	b.WriteString(fieldSep)
	b.WriteString(salt)
	b.WriteString(fieldSep)
	b.WriteString(string(t))
	return b.String()
}

func EncodePayload(message, signature string) string {
	return message + signatureSep + signature
}

// DecodePayload splits a token on its last "." and the message on "|".
// The raw message is returned alongside so the signature is always
// checked against the exact bytes that were presented.
func DecodePayload(token string) (payload, string, bool) {
	var p payload
	idx := strings.LastIndex(token, signatureSep)
	if idx < 0 {
		return p, "", false
	}
	message, sig := token[:idx], token[idx+1:]

	parts := strings.Split(message, fieldSep)
	if len(parts) != 4 {
		return p, "", false
	}
	resourceID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return p, "", false
	}
	issuedAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return p, "", false
	}

	p = payload{
		ResourceID: resourceID,
		IssuedAt:   issuedAt,
		Salt:       parts[2],
		Type:       TokenType(parts[3]),
		Signature:  sig,
	}
	return p, message, true
}

// PeekTarget extracts the unverified resource id and token type so a caller
// can look up the stored slot. Nothing returned here is trusted.
func PeekTarget(token string) (int64, TokenType, bool) {
	p, _, ok := DecodePayload(token)
	if !ok || !p.Type.Valid() || p.ResourceID < 0 {
		return 0, "", false
	}
	return p.ResourceID, p.Type, true
}

func newSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
