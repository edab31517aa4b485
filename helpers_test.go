package authstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Unix(1_700_000_000, 0).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func devToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	token, err := DevToken(claims)
	if err != nil {
		t.Fatalf("DevToken: %v", err)
	}
	return token
}

func newTestValidator(t *testing.T, cfg Config) *Validator {
	t.Helper()
	v, err := NewValidator(cfg)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func newTestSession(t *testing.T, v *Validator, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(v, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if e.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, e.Code, err)
	}
	return e
}

// failingStore rejects every write and remembers the keys.
type failingStore struct {
	mu   sync.Mutex
	keys []string
}

func (f *failingStore) Store(_ context.Context, key string, _ any) error {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return errors.New("store offline")
}
