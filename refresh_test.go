package authstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNeedsRefresh_NoExpiryAlwaysStale(t *testing.T) {
	clock := newFakeClock(baseTime)
	v := newTestValidator(t, Config{Clock: clock})
	s := newTestSession(t, v)

	if !s.NeedsRefresh() {
		t.Fatal("unauthenticated session should report stale")
	}
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), ""); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	for _, offset := range []time.Duration{0, -365 * 24 * time.Hour, 365 * 24 * time.Hour} {
		clock.Set(baseTime.Add(offset))
		if !s.NeedsRefresh() {
			t.Fatalf("offset %v: expected stale without exp", offset)
		}
	}
}

func TestNeedsRefresh_BufferBoundary(t *testing.T) {
	cases := []struct {
		name   string
		expiry time.Duration
		want   bool
	}{
		{"outside buffer", 301 * time.Second, false},
		{"inside buffer", 299 * time.Second, true},
		{"exactly at buffer", 300 * time.Second, false},
		{"far future", time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestValidator(t, Config{ExpiryBuffer: 300000 * time.Millisecond, Clock: newFakeClock(baseTime)})
			s := newTestSession(t, v)
			token := devToken(t, map[string]any{"exp": baseTime.Add(tc.expiry).Unix()})
			if _, err := s.SetToken(context.Background(), token, ""); err != nil {
				t.Fatalf("SetToken: %v", err)
			}
			if got := s.NeedsRefresh(); got != tc.want {
				t.Fatalf("NeedsRefresh = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNeedsRefresh_NoExpiryBuffer(t *testing.T) {
	clock := newFakeClock(baseTime)
	v := newTestValidator(t, Config{ExpiryBuffer: NoExpiryBuffer, Clock: clock})
	if got := v.Config().ExpiryBuffer; got != 0 {
		t.Fatalf("expected zero buffer, got %v", got)
	}
	s := newTestSession(t, v)
	token := devToken(t, map[string]any{"exp": baseTime.Add(time.Second).Unix()})
	if _, err := s.SetToken(context.Background(), token, ""); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if s.NeedsRefresh() {
		t.Fatal("expected no refresh before expiry")
	}
	clock.Advance(time.Second)
	if s.NeedsRefresh() {
		t.Fatal("expected no refresh at the expiry instant")
	}
	clock.Advance(time.Millisecond)
	if !s.NeedsRefresh() {
		t.Fatal("expected refresh once expired")
	}
}

func TestRefreshAuthToken_NoRefreshToken(t *testing.T) {
	var calls int32
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		atomic.AddInt32(&calls, 1)
		return Grant{}, errors.New("unexpected")
	})
	v := newTestValidator(t, Config{})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), ""); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	err := s.RefreshAuthToken(context.Background())
	e := requireCode(t, err, ErrCodeNoRefreshToken)
	if e.Error() != "No refresh token" || !e.Terminal() {
		t.Fatalf("unexpected error: %v terminal=%v", e, e.Terminal())
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("exchanger must not be called without a refresh token")
	}
}

func TestRefreshAuthToken_ReusesRefreshToken(t *testing.T) {
	clock := newFakeClock(baseTime)
	fresh := devToken(t, map[string]any{"exp": baseTime.Add(time.Hour).Unix(), "role": "admin"})

	var seen string
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		seen = refreshToken
		return Grant{AccessToken: fresh}, nil
	})
	v := newTestValidator(t, Config{Clock: clock})
	s := newTestSession(t, v, WithExchanger(exchanger))

	stale := devToken(t, map[string]any{"exp": baseTime.Add(time.Minute).Unix()})
	if _, err := s.SetToken(context.Background(), stale, "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	if err := s.RefreshAuthToken(context.Background()); err != nil {
		t.Fatalf("RefreshAuthToken: %v", err)
	}
	if seen != "refresh-1" {
		t.Fatalf("exchanger got refresh token %q", seen)
	}
	snap := snapshot(s)
	if snap.token != fresh || snap.refreshToken != "refresh-1" || snap.claimsRole != "admin" {
		t.Fatalf("unexpected state after refresh: %+v", snap)
	}
	if s.NeedsRefresh() {
		t.Fatal("fresh token should not need refresh")
	}
}

func TestRefreshAuthToken_AdoptsRotatedRefreshToken(t *testing.T) {
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		return Grant{AccessToken: devToken(t, map[string]any{"sub": "u"}), RefreshToken: "refresh-2"}, nil
	})
	v := newTestValidator(t, Config{})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := s.RefreshAuthToken(context.Background()); err != nil {
		t.Fatalf("RefreshAuthToken: %v", err)
	}
	if got := snapshot(s).refreshToken; got != "refresh-2" {
		t.Fatalf("expected rotated refresh token, got %q", got)
	}
}

func TestRefreshAuthToken_PropagatesRejectionReason(t *testing.T) {
	clock := newFakeClock(baseTime)
	expired := devToken(t, map[string]any{"exp": baseTime.Add(-time.Hour).Unix()})
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		return Grant{AccessToken: expired}, nil
	})
	store := NewMemoryStore()
	v := newTestValidator(t, Config{Clock: clock})
	s := newTestSession(t, v, WithExchanger(exchanger), WithStore(store))

	current := devToken(t, map[string]any{"exp": baseTime.Add(time.Minute).Unix()})
	if _, err := s.SetToken(context.Background(), current, "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	err := s.RefreshAuthToken(context.Background())
	if Reason(err) != "Token expired" {
		t.Fatalf("expected verbatim rejection reason, got %q", Reason(err))
	}
	if snapshot(s).token != current {
		t.Fatal("rejected refresh must not replace the current token")
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var reason string
	if found, _ := store.Load(context.Background(), KeyAuthError, &reason); !found || reason != "Token expired" {
		t.Fatalf("expected auth error persisted, got %q", reason)
	}
}

func TestRefreshAuthToken_ExchangeFailure(t *testing.T) {
	cause := errors.New("connection refused")
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		return Grant{}, cause
	})
	v := newTestValidator(t, Config{})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	err := s.RefreshAuthToken(context.Background())
	e := requireCode(t, err, ErrCodeRefreshFailed)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be wrapped: %v", err)
	}
	if e.Terminal() {
		t.Fatal("exchange failures are retryable")
	}
	if e.Error() != "Refresh failed: connection refused" {
		t.Fatalf("unexpected message: %q", e.Error())
	}
}

func TestRefreshAuthToken_EmptyGrant(t *testing.T) {
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		return Grant{}, nil
	})
	v := newTestValidator(t, Config{})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	requireCode(t, s.RefreshAuthToken(context.Background()), ErrCodeRefreshFailed)
}

func TestRefreshAuthToken_NoExchanger(t *testing.T) {
	v := newTestValidator(t, Config{})
	s := newTestSession(t, v)
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	requireCode(t, s.RefreshAuthToken(context.Background()), ErrCodeRefreshFailed)
}

func TestRefreshAuthToken_Timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores ctx entirely; the session must still give up.
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		<-release
		return Grant{}, errors.New("too late")
	})
	v := newTestValidator(t, Config{RefreshTimeout: 50 * time.Millisecond})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	start := time.Now()
	err := s.RefreshAuthToken(context.Background())
	e := requireCode(t, err, ErrCodeRefreshTimeout)
	if Reason(e) != "refresh timed out" {
		t.Fatalf("unexpected reason: %q", Reason(e))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("refresh not bounded: %v", elapsed)
	}
}

func TestRefreshAuthToken_CallerDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		<-release
		return Grant{}, errors.New("too late")
	})
	v := newTestValidator(t, Config{RefreshTimeout: 5 * time.Second})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.RefreshAuthToken(ctx)
	if Reason(requireCode(t, err, ErrCodeRefreshTimeout)) != "refresh timed out" {
		t.Fatalf("unexpected reason: %v", err)
	}
}

func TestRefreshAuthToken_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Grant{AccessToken: devToken(t, map[string]any{"sub": "renewed"})}, nil
	})
	v := newTestValidator(t, Config{RefreshTimeout: 5 * time.Second})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.RefreshAuthToken(ctx) }()

	// A second caller joins the same exchange with its own context.
	joined := make(chan error, 1)
	go func() {
		for atomic.LoadInt32(&calls) == 0 {
			time.Sleep(time.Millisecond)
		}
		joined <- s.RefreshAuthToken(context.Background())
	}()

	for atomic.LoadInt32(&calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	requireCode(t, <-errCh, ErrCodeRefreshFailed)

	close(release)
	if err := <-joined; err != nil {
		t.Fatalf("joined caller should see the shared result: %v", err)
	}
	if got := s.Claims().Subject; got != "renewed" {
		t.Fatalf("expected renewed token, got subject %q", got)
	}
}

func TestRefreshAuthToken_SingleFlight(t *testing.T) {
	clock := newFakeClock(baseTime)
	release := make(chan struct{})
	var calls int32
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Grant{AccessToken: devToken(t, map[string]any{"exp": baseTime.Add(time.Hour).Unix()})}, nil
	})
	v := newTestValidator(t, Config{Clock: clock})
	s := newTestSession(t, v, WithExchanger(exchanger))
	stale := devToken(t, map[string]any{"exp": baseTime.Add(time.Minute).Unix()})
	if _, err := s.SetToken(context.Background(), stale, "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	headers := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			headers[i], errs[i] = s.PrepareAPICall(context.Background())
		}(i)
	}

	for atomic.LoadInt32(&calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	// Give the remaining callers time to pile onto the in-flight exchange.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	want, _ := s.AuthHeader()
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if headers[i] != want {
			t.Fatalf("caller %d got %q, want %q", i, headers[i], want)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected a single exchange, got %d", n)
	}
}

func TestRefreshAuthToken_DiscardedAfterLogout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		close(started)
		<-release
		return Grant{AccessToken: devToken(t, map[string]any{"sub": "renewed"})}, nil
	})
	v := newTestValidator(t, Config{})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "u"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.RefreshAuthToken(context.Background()) }()
	<-started
	s.Logout()
	close(release)

	requireCode(t, <-errCh, ErrCodeNotAuthenticated)
	if s.IsAuthenticated() {
		t.Fatal("refresh must not resurrect a logged-out session")
	}
}

func TestRefreshAuthToken_DiscardedAfterNewerSetToken(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exchanger := ExchangerFunc(func(ctx context.Context, refreshToken string) (Grant, error) {
		close(started)
		<-release
		return Grant{AccessToken: devToken(t, map[string]any{"sub": "from-refresh"})}, nil
	})
	v := newTestValidator(t, Config{})
	s := newTestSession(t, v, WithExchanger(exchanger))
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "old"}), "refresh-1"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.RefreshAuthToken(context.Background()) }()
	<-started
	if _, err := s.SetToken(context.Background(), devToken(t, map[string]any{"sub": "login"}), "refresh-9"); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	close(release)

	if err := <-errCh; err != nil {
		t.Fatalf("RefreshAuthToken: %v", err)
	}
	if got := s.Claims().Subject; got != "login" {
		t.Fatalf("newer token overwritten by refresh, subject %q", got)
	}
}
