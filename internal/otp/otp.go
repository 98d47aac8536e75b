// Package otp implements the time-windowed one-time codes that authenticate
// online attendance submissions. Codes rotate every window and are derived
// from a per-session secret seed, so nothing beyond the seed is persisted.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// DefaultWindow is the code rotation period.
const DefaultWindow = 30 * time.Second

// NewSeed returns a fresh 32-byte hex-encoded secret from the system CSPRNG.
// Seeds are generated at session creation and never reused across sessions.
func NewSeed() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate otp seed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Generate derives the 6-digit code for the window containing now.
//
// window = floor(unix / width); code = first 4 bytes of
// HMAC-SHA256(key=seed, msg=seed+":"+window) as big-endian mod 1e6.
func Generate(seed string, now time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultWindow
	}
	bucket := now.Unix() / int64(window/time.Second)
	return codeFor(seed, bucket)
}

// TimeRemaining returns the time until the current code rotates.
func TimeRemaining(now time.Time, window time.Duration) time.Duration {
	if window <= 0 {
		window = DefaultWindow
	}
	width := int64(window / time.Second)
	return time.Duration(width-now.Unix()%width) * time.Second
}

// Validate reports whether code matches the current window or the
// immediately previous one. The one-window grace tolerates submissions typed
// just before a rotation boundary; anything older is rejected.
func Validate(seed, code string, now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultWindow
	}
	bucket := now.Unix() / int64(window/time.Second)
	return hmac.Equal([]byte(code), []byte(codeFor(seed, bucket))) ||
		hmac.Equal([]byte(code), []byte(codeFor(seed, bucket-1)))
}

func codeFor(seed string, bucket int64) string {
	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte(seed))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(bucket, 10)))
	digest := mac.Sum(nil)
	n := binary.BigEndian.Uint32(digest[:4]) % 1_000_000
	return fmt.Sprintf("%06d", n)
}
