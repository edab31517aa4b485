package authstate

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Session holds the authentication state of one signed-in context: the
// access token, the refresh token and the claims of the access token.
// The three are always replaced together.
//
// A Session is safe for concurrent use. Call Close when done with it.
type Session struct {
	id        string
	validator *Validator
	exchanger Exchanger
	store     Store
	logger    *zap.Logger
	persist   *persister
	flight    singleflight.Group

	mu           sync.RWMutex
	token        string
	refreshToken string
	claims       *Claims
	// generation changes on every SetToken and Logout.
	generation uint64
}

type sessionOptions struct {
	id             string
	exchanger      Exchanger
	store          Store
	logger         *zap.Logger
	onPersistError func(key string, err error)
}

// SessionOption customizes a Session.
type SessionOption func(*sessionOptions)

// WithExchanger sets the collaborator used to renew the access token.
func WithExchanger(exchanger Exchanger) SessionOption {
	return func(o *sessionOptions) {
		o.exchanger = exchanger
	}
}

// WithStore sets the persistence collaborator.
func WithStore(store Store) SessionOption {
	return func(o *sessionOptions) {
		o.store = store
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithPersistErrorHandler registers a callback for failed store writes.
// Failures are always logged; they never reach SetToken or Logout callers.
func WithPersistErrorHandler(fn func(key string, err error)) SessionOption {
	return func(o *sessionOptions) {
		o.onPersistError = fn
	}
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) SessionOption {
	return func(o *sessionOptions) {
		o.id = id
	}
}

// NewSession returns an unauthenticated session.
func NewSession(validator *Validator, opts ...SessionOption) (*Session, error) {
	if validator == nil {
		return nil, errors.New("validator is required")
	}
	o := sessionOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	logger := o.logger.With(zap.String("session_id", o.id))

	s := &Session{
		id:        o.id,
		validator: validator,
		exchanger: o.exchanger,
		store:     o.store,
		logger:    logger,
	}
	if o.store != nil {
		s.persist = newPersister(o.store, logger, o.onPersistError)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// SetToken validates token and, when valid, makes it the current access
// token together with refreshToken ("" when none was issued). On failure
// the rejection reason is persisted and the session is left untouched.
func (s *Session) SetToken(ctx context.Context, token, refreshToken string) (*Claims, error) {
	claims, _, err := s.setToken(ctx, token, refreshToken, nil)
	return claims, err
}

// setToken commits only while the generation still equals expect, when
// expect is non-nil. committed is false when the session moved on.
func (s *Session) setToken(ctx context.Context, token, refreshToken string, expect *uint64) (claims *Claims, committed bool, err error) {
	claims, err = s.validator.Validate(ctx, token)
	if err != nil {
		s.logger.Info("token rejected",
			zap.String("reason", Reason(err)),
			zap.String("token", redactToken(token)),
		)
		s.persist.enqueue(0, persistWrite{key: KeyAuthError, value: Reason(err)})
		return nil, false, err
	}

	s.mu.Lock()
	if expect != nil && s.generation != *expect {
		s.mu.Unlock()
		return nil, false, nil
	}
	s.token = token
	s.refreshToken = refreshToken
	s.claims = claims
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.persist.enqueue(gen,
		persistWrite{key: KeyToken, value: token},
		persistWrite{key: KeyUserClaims, value: cloneMap(claims.Raw)},
	)

	s.logger.Info("token accepted",
		zap.String("subject", claims.Subject),
		zap.String("role", claims.RoleOrDefault()),
		zap.Bool("has_refresh_token", refreshToken != ""),
	)
	return claims.clone(), true, nil
}

// Logout clears the session. It always succeeds and may be called
// repeatedly.
func (s *Session) Logout() {
	s.mu.Lock()
	s.token = ""
	s.refreshToken = ""
	s.claims = nil
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.persist.enqueue(gen,
		persistWrite{key: KeyToken, value: ""},
		persistWrite{key: KeyUserClaims, value: map[string]any{}},
	)

	s.logger.Info("session cleared")
}

// IsAuthenticated reports whether an access token is held.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Claims returns a copy of the current claims, or nil when unauthenticated.
func (s *Session) Claims() *Claims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.clone()
}

// UserRole returns the role claim, defaulting to DefaultRole.
func (s *Session) UserRole() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.RoleOrDefault()
}

// HasPermission reports whether permission is granted by the current claims.
func (s *Session) HasPermission(permission string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.HasPermission(permission)
}

// AuthHeader returns the Authorization header value for the current token.
// Prefer PrepareAPICall, which renews stale tokens first.
func (s *Session) AuthHeader() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", false
	}
	return "Bearer " + s.token, true
}

// Restore reloads a persisted access token when the store can read values
// back. It reports whether a token was restored. Refresh tokens are never
// persisted, so a restored session has none.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	loader, ok := s.store.(Loader)
	if !ok {
		return false, nil
	}
	var token string
	found, err := loader.Load(ctx, KeyToken, &token)
	if err != nil {
		return false, err
	}
	if !found || token == "" {
		return false, nil
	}
	if _, err := s.SetToken(ctx, token, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Close waits for pending store writes, bounded by ctx. State is kept;
// writes issued afterwards are dropped.
func (s *Session) Close(ctx context.Context) error {
	return s.persist.close(ctx)
}

func redactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
