// Package signature authenticates webhook deliveries signed with HMAC-SHA256.
//
// Senders compute HMAC-SHA256 over the exact request body and send it as
// "sha256=<hex>". The body must be verified as received: re-serialising JSON
// before verification changes the bytes and breaks the signature.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Prefix is the algorithm prefix of the signature header value.
const Prefix = "sha256="

// DefaultTolerance bounds the accepted clock skew for payload timestamps.
const DefaultTolerance = 300 * time.Second

// Failure reasons carried by AuthError. They are safe to log.
const (
	ReasonMissing   = "missing_signature"
	ReasonMalformed = "malformed_signature"
	ReasonMismatch  = "signature_mismatch"
	ReasonStale     = "stale_timestamp"
)

// ErrAuth matches every AuthError via errors.Is.
var ErrAuth = errors.New("webhook authentication failed")

// AuthError reports why a delivery was rejected. It never carries the secret,
// the received signature or the computed digest.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAuth.Error(), e.Reason)
}

// Is makes errors.Is(err, ErrAuth) true for any AuthError.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// Verified is the result of a successful verification.
type Verified struct {
	// Payload is the body exactly as received.
	Payload []byte
	// Signature is the header value that matched. Stored as provenance on the event.
	Signature string
	// Timestamp is the payload timestamp when one was found, zero otherwise.
	Timestamp time.Time
	// Rotated is true when the secondary secret matched.
	Rotated bool
}

// Verifier checks webhook signatures against a primary and optional secondary
// secret, which allows rotating secrets without rejecting in-flight deliveries.
type Verifier struct {
	secrets        [][]byte
	tolerance      time.Duration
	timestampField string
	now            func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithSecondarySecret accepts a second secret during rotation. Empty is ignored.
func WithSecondarySecret(secret string) Option {
	return func(v *Verifier) {
		if secret != "" {
			v.secrets = append(v.secrets, []byte(secret))
		}
	}
}

// WithTolerance sets the freshness window. Zero or negative disables the check.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

// WithTimestampField names the top-level payload field holding the send time.
func WithTimestampField(field string) Option {
	return func(v *Verifier) { v.timestampField = field }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier. The primary secret is required.
func NewVerifier(primary string, opts ...Option) (*Verifier, error) {
	if primary == "" {
		return nil, fmt.Errorf("primary webhook secret is required")
	}
	v := &Verifier{
		secrets:        [][]byte{[]byte(primary)},
		tolerance:      DefaultTolerance,
		timestampField: "timestamp",
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify authenticates raw against the signature header value.
func (v *Verifier) Verify(raw []byte, header string) (*Verified, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, &AuthError{Reason: ReasonMissing}
	}
	if !strings.HasPrefix(header, Prefix) {
		return nil, &AuthError{Reason: ReasonMalformed}
	}
	received, err := hex.DecodeString(header[len(Prefix):])
	if err != nil || len(received) != sha256.Size {
		return nil, &AuthError{Reason: ReasonMalformed}
	}

	// Every secret is checked so the time taken does not reveal which one matched.
	matched := -1
	for i, secret := range v.secrets {
		if hmac.Equal(compute(raw, secret), received) && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return nil, &AuthError{Reason: ReasonMismatch}
	}

	out := &Verified{Payload: raw, Signature: header, Rotated: matched > 0}

	if v.tolerance > 0 && v.timestampField != "" {
		if ts, ok := payloadTimestamp(raw, v.timestampField); ok {
			out.Timestamp = ts
			skew := v.now().Sub(ts)
			if skew < 0 {
				skew = -skew
			}
			if skew > v.tolerance {
				return nil, &AuthError{Reason: ReasonStale}
			}
		}
	}

	return out, nil
}

// Sign returns the header value a sender would attach for payload.
func Sign(payload []byte, secret string) string {
	return Prefix + hex.EncodeToString(compute(payload, []byte(secret)))
}

func compute(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// payloadTimestamp reads a top-level field as RFC 3339 text or unix seconds.
// Bodies that are not JSON objects simply carry no timestamp.
func payloadTimestamp(raw []byte, field string) (time.Time, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return time.Time{}, false
	}
	val, ok := doc[field]
	if !ok {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0), true
		}
		return time.Time{}, false
	}

	var f float64
	if err := json.Unmarshal(val, &f); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	}
	return time.Time{}, false
}
