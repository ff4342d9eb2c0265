package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMismatch signals the digest does not match the signed message.
	ErrMismatch = errors.New("signature: digest mismatch")
	// ErrMalformed signals the provided signature is not a valid hex digest.
	ErrMalformed = errors.New("signature: malformed digest")
	// ErrTimestampSkew signals the signed timestamp is outside the allowed window.
	ErrTimestampSkew = errors.New("signature: timestamp outside allowed skew")
	// ErrBadTimestamp signals the timestamp is not unix milliseconds.
	ErrBadTimestamp = errors.New("signature: invalid timestamp")
)

// Timestamp renders t as the unix-millisecond string both sides sign over.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Sign computes the lowercase hex HMAC-SHA256 digest of message||timestamp.
// Signer and verifier must present byte-identical messages; the raw request
// body is the canonical form, never a re-serialized copy.
func Sign(message []byte, timestamp string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks inbound signatures against a shared secret with replay
// protection via a bounded clock skew.
type Verifier struct {
	secret  string
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	return &Verifier{
		secret:  secret,
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify reports whether provided is a fresh, well-formed digest of message
// and timestamp. All failures come back as wrapped sentinel errors; Verify
// never panics on malformed input.
func (v *Verifier) Verify(message []byte, timestamp, provided string) error {
	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadTimestamp, timestamp)
	}

	signedAt := time.UnixMilli(millis)
	skew := v.now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fmt.Errorf("%w: signed at %s", ErrTimestampSkew, signedAt.UTC().Format(time.RFC3339))
	}

	decoded, err := hex.DecodeString(provided)
	if err != nil || len(decoded) != sha256.Size {
		return ErrMalformed
	}

	expected := Sign(message, timestamp, v.secret)
	expectedRaw, _ := hex.DecodeString(expected)
	if !hmac.Equal(decoded, expectedRaw) {
		return ErrMismatch
	}

	return nil
}
