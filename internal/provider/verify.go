package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerifyHMACSHA512 checks a hex HMAC-SHA512 of the exact raw body.
func VerifyHMACSHA512(secret string, body []byte, sigHex string) error {
	if secret == "" {
		return ErrNotConfigured
	}
	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil || len(sig) == 0 {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyTimestampedHMAC checks a hex HMAC-SHA256 over ts + "\n" + body, keyed
// with SHA256(token), and rejects timestamps more than window away from now.
// The freshness check runs first so replays are reported as stale.
func VerifyTimestampedHMAC(token, tsHeader string, body []byte, sigHex string, now time.Time, window time.Duration) error {
	if token == "" {
		return ErrNotConfigured
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(tsHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp header", ErrSignatureInvalid)
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(window/time.Second) {
		return ErrStaleTimestamp
	}

	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil || len(sig) == 0 {
		return ErrSignatureInvalid
	}
	key := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(strings.TrimSpace(tsHeader)))
	mac.Write([]byte("\n"))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifySharedSecret compares a static secret header in constant time.
func VerifySharedSecret(secret, header string) error {
	if secret == "" {
		return ErrNotConfigured
	}
	if header == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(header)) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

// SignHMACSHA512 returns the hex signature VerifyHMACSHA512 accepts.
func SignHMACSHA512(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTimestampedHMAC returns the hex signature VerifyTimestampedHMAC accepts.
func SignTimestampedHMAC(token, ts string, body []byte) string {
	key := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(ts))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
