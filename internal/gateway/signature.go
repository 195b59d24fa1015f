package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Signed callback headers.
const (
	HeaderTimestamp = "X-Gateway-Timestamp"
	HeaderSignature = "X-Gateway-Signature"
)

// DefaultTolerance bounds how old a signed callback may be.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("gateway: missing signature")
	ErrBadSignature     = errors.New("gateway: signature mismatch")
	ErrStaleTimestamp   = errors.New("gateway: timestamp outside tolerance")
)

// Sign returns the hex HMAC-SHA256 of "<unix ts>.<body>" under secret.
func Sign(body []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback's timestamp and signature headers.
func VerifySignature(body []byte, secret, timestamp, signature string, now time.Time, tolerance time.Duration) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	ts := time.Unix(unix, 0)
	if d := now.Sub(ts); d > tolerance || d < -tolerance {
		return ErrStaleTimestamp
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	got, _ := hex.DecodeString(Sign(body, secret, ts))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
