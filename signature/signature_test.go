package signature

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSignVerify_RoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	message := []byte(`{"orderNo":"ORD-100","iccid":""}`)
	ts := Timestamp(now)

	sig := Sign(message, ts, "top-secret")

	v := NewVerifier("top-secret", 5*time.Minute).WithClock(fixedClock(now))
	if err := v.Verify(message, ts, sig); err != nil {
		t.Fatalf("expected fresh signature to verify, got %v", err)
	}
}

func TestVerify_TamperedMessage(t *testing.T) {
	now := time.Now()
	message := []byte(`{"orderNo":"ORD-100"}`)
	ts := Timestamp(now)
	sig := Sign(message, ts, "top-secret")

	v := NewVerifier("top-secret", 5*time.Minute).WithClock(fixedClock(now))

	tampered := []byte(`{"orderNo":"ORD-101"}`)
	if err := v.Verify(tampered, ts, sig); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for altered message, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	now := time.Now()
	message := []byte("payload")
	ts := Timestamp(now)
	sig := Sign(message, ts, "secret-a")

	v := NewVerifier("secret-b", 5*time.Minute).WithClock(fixedClock(now))
	if err := v.Verify(message, ts, sig); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for wrong secret, got %v", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	signedAt := time.Now().Add(-30 * time.Minute)
	message := []byte("payload")
	ts := Timestamp(signedAt)
	sig := Sign(message, ts, "top-secret")

	v := NewVerifier("top-secret", 5*time.Minute)
	if err := v.Verify(message, ts, sig); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew, got %v", err)
	}
}

func TestVerify_FutureTimestamp(t *testing.T) {
	signedAt := time.Now().Add(30 * time.Minute)
	message := []byte("payload")
	ts := Timestamp(signedAt)
	sig := Sign(message, ts, "top-secret")

	v := NewVerifier("top-secret", 5*time.Minute)
	if err := v.Verify(message, ts, sig); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("expected ErrTimestampSkew for future timestamp, got %v", err)
	}
}

func TestVerify_MalformedDigest(t *testing.T) {
	now := time.Now()
	v := NewVerifier("top-secret", 5*time.Minute).WithClock(fixedClock(now))
	ts := Timestamp(now)

	cases := []string{
		"not-hex",
		"abcd",
		strings.Repeat("zz", 32),
		"",
	}
	for _, provided := range cases {
		if err := v.Verify([]byte("payload"), ts, provided); !errors.Is(err, ErrMalformed) {
			t.Errorf("provided=%q: expected ErrMalformed, got %v", provided, err)
		}
	}
}

func TestVerify_BadTimestamp(t *testing.T) {
	v := NewVerifier("top-secret", 5*time.Minute)
	sig := Sign([]byte("payload"), "soon", "top-secret")
	if err := v.Verify([]byte("payload"), "soon", sig); !errors.Is(err, ErrBadTimestamp) {
		t.Fatalf("expected ErrBadTimestamp, got %v", err)
	}
}
