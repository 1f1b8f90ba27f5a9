// Package qr encodes the payload embedded in a class QR code: a JSON
// object carrying the class id and a fixed validity window. Signing is
// optional; the historical payloads were unsigned, and a deployment opts
// in by configuring a signing key.
package qr

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidFormat = errors.New("invalid_qr_format")
	ErrBadSignature  = errors.New("invalid_qr_signature")
)

type Payload struct {
	ClassID     string    `json:"classId"`
	GeneratedAt time.Time `json:"generatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Signature   string    `json:"sig,omitempty"`
}

type Codec struct {
	signingKey []byte
	window     time.Duration
}

// NewCodec builds a codec with the configured validity window. An empty
// signing key keeps payloads unsigned.
func NewCodec(signingKey string, window time.Duration) *Codec {
	var key []byte
	if signingKey != "" {
		key = []byte(signingKey)
	}
	return &Codec{signingKey: key, window: window}
}

// Generate produces the payload text for a class at the given instant. The
// expiry is fixed here and never extended; a regenerated code is a new
// payload.
func (c *Codec) Generate(classID string, now time.Time) (string, Payload, error) {
	payload := Payload{
		ClassID:     classID,
		GeneratedAt: now.UTC().Truncate(time.Second),
		ExpiresAt:   now.UTC().Add(c.window).Truncate(time.Second),
	}
	if c.signingKey != nil {
		payload.Signature = c.signature(payload)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", Payload{}, err
	}
	return string(encoded), payload, nil
}

// Decode parses a scanned payload. When a signing key is configured the
// signature must verify; unsigned payloads are rejected in that mode.
func (c *Codec) Decode(raw string) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Payload{}, ErrInvalidFormat
	}
	if payload.ClassID == "" || payload.GeneratedAt.IsZero() || payload.ExpiresAt.IsZero() {
		return Payload{}, ErrInvalidFormat
	}
	if c.signingKey != nil {
		expected := c.signature(payload)
		if subtle.ConstantTimeCompare([]byte(payload.Signature), []byte(expected)) != 1 {
			return Payload{}, ErrBadSignature
		}
	}
	return payload, nil
}

func (c *Codec) signature(payload Payload) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(payload.ClassID + "|" + payload.GeneratedAt.UTC().Format(time.RFC3339) + "|" + payload.ExpiresAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(mac.Sum(nil))
}
