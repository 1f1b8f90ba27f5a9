// Package token signs and verifies the short-lived proximity tokens a
// session broadcasts. The wire form is base64("sessionId|issuedAt|hexSig")
// with an HMAC-SHA256 signature over "sessionId|issuedAt".
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed    = errors.New("malformed")
	ErrExpired      = errors.New("expired")
	ErrBadSignature = errors.New("bad_sig")
)

type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// NewCodecAt pins the clock, for tests exercising the freshness window.
func NewCodecAt(secret string, ttl time.Duration, now func() time.Time) *Codec {
	return &Codec{secret: []byte(secret), ttl: ttl, now: now}
}

func (c *Codec) Sign(sessionID string, issuedAt time.Time) string {
	payload := sessionID + "|" + strconv.FormatInt(issuedAt.Unix(), 10)
	signed := payload + "|" + c.signature(payload)
	return base64.StdEncoding.EncodeToString([]byte(signed))
}

// Verify checks a broadcast token and returns the embedded session id and
// issue time. Failures are ErrMalformed, ErrExpired or ErrBadSignature,
// judged in that order.
func (c *Codec) Verify(payload string) (string, time.Time, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", time.Time{}, ErrMalformed
	}
	parts := strings.Split(string(decoded), "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", time.Time{}, ErrMalformed
	}
	issuedAtUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, ErrMalformed
	}
	issuedAt := time.Unix(issuedAtUnix, 0).UTC()

	delta := c.now().UTC().Sub(issuedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > c.ttl {
		return "", time.Time{}, ErrExpired
	}

	expected := c.signature(parts[0] + "|" + parts[1])
	if subtle.ConstantTimeCompare([]byte(parts[2]), []byte(expected)) != 1 {
		return "", time.Time{}, ErrBadSignature
	}
	return parts[0], issuedAt, nil
}

func (c *Codec) signature(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
