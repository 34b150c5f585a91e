package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T) (*Codec, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c, err := NewCodec("test-secret", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c, clock
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	c, _ := newTestCodec(t)

	tok, err := c.Issue("default", 100)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := c.Verify(tok, "default", 100); err != nil {
		t.Fatalf("verify fresh token: %v", err)
	}
}

func TestVerifyRejectsOtherUserOrQueue(t *testing.T) {
	c, _ := newTestCodec(t)
	tok, err := c.Issue("default", 100)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := c.Verify(tok, "default", 101); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("other user: expected mismatch, got %v", err)
	}
	if err := c.Verify(tok, "Default", 100); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("other queue: expected invalid token, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	c, clock := newTestCodec(t)
	tok, err := c.Issue("default", 100)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.t = clock.t.Add(DefaultTTL - time.Second)
	if err := c.Verify(tok, "default", 100); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}

	clock.t = clock.t.Add(2 * time.Second)
	err = c.Verify(tok, "default", 100)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatal("expired token should also be an invalid token")
	}
}

func TestVerifyRejectsTamperedAndForeignTokens(t *testing.T) {
	c, clock := newTestCodec(t)
	tok, err := c.Issue("default", 100)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape %q", tok)
	}
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	if err := c.Verify(tampered, "default", 100); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered: expected invalid token, got %v", err)
	}

	other, err := NewCodec("another-secret", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	foreign, err := other.Issue("default", 100)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := c.Verify(foreign, "default", 100); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign: expected invalid token, got %v", err)
	}

	for _, bad := range []string{"", "garbage", "a.b.c"} {
		if err := c.Verify(bad, "default", 100); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%q: expected invalid token, got %v", bad, err)
		}
	}
}

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestWithTTL(t *testing.T) {
	c, clock := newTestCodec(t)
	c2, err := NewCodec("test-secret", WithClock(clock.Now), WithTTL(10*time.Second))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if c2.TTL() != 10*time.Second || c.TTL() != DefaultTTL {
		t.Fatalf("unexpected ttls %v %v", c2.TTL(), c.TTL())
	}

	tok, _ := c2.Issue("default", 1)
	clock.t = clock.t.Add(11 * time.Second)
	if err := c2.Verify(tok, "default", 1); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiry after custom ttl, got %v", err)
	}
}
