package authstate

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const refreshFlightKey = "refresh"

// NeedsRefresh reports whether the current claims lack exp or expire within
// the configured buffer.
func (s *Session) NeedsRefresh() bool {
	s.mu.RLock()
	claims := s.claims
	s.mu.RUnlock()
	return s.validator.needsRefresh(claims)
}

// RefreshAuthToken exchanges the held refresh token for a new access token
// and installs it through the same validation as SetToken. Concurrent calls
// share a single exchange. ctx only bounds how long this caller waits; the
// exchange itself is bounded by Config.RefreshTimeout. Either deadline
// expiring reports ErrCodeRefreshTimeout.
func (s *Session) RefreshAuthToken(ctx context.Context) error {
	ch := s.flight.DoChan(refreshFlightKey, func() (any, error) {
		return nil, s.refresh(persistentContext(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return newError(ErrCodeRefreshTimeout, ctx.Err())
		}
		return newError(ErrCodeRefreshFailed, ctx.Err())
	}
}

func (s *Session) refresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.refreshToken
	generation := s.generation
	s.mu.RUnlock()

	if refreshToken == "" {
		return newError(ErrCodeNoRefreshToken, nil)
	}
	if s.exchanger == nil {
		return newError(ErrCodeRefreshFailed, errors.New("no token exchanger configured"))
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.validator.cfg.RefreshTimeout)
	defer cancel()

	s.logger.Debug("refreshing access token")
	grant, err := s.exchange(exchangeCtx, refreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed", zap.String("reason", Reason(err)), zap.Error(err))
		return err
	}

	next := grant.RefreshToken
	if next == "" {
		next = refreshToken
	}
	_, committed, err := s.setToken(exchangeCtx, grant.AccessToken, next, &generation)
	if err != nil {
		return err
	}
	if !committed {
		s.logger.Info("refresh result discarded; session changed during exchange")
		if !s.IsAuthenticated() {
			return newError(ErrCodeNotAuthenticated, nil)
		}
	}
	return nil
}

// exchange runs the exchanger but returns once ctx expires even if the
// exchanger ignores ctx.
func (s *Session) exchange(ctx context.Context, refreshToken string) (Grant, error) {
	type result struct {
		grant Grant
		err   error
	}
	done := make(chan result, 1)
	go func() {
		grant, err := s.exchanger.Exchange(ctx, refreshToken)
		done <- result{grant: grant, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
				return Grant{}, newError(ErrCodeRefreshTimeout, r.err)
			}
			return Grant{}, newError(ErrCodeRefreshFailed, r.err)
		}
		if r.grant.AccessToken == "" {
			return Grant{}, newError(ErrCodeRefreshFailed, errors.New("empty access token returned"))
		}
		return r.grant, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Grant{}, newError(ErrCodeRefreshTimeout, ctx.Err())
		}
		return Grant{}, newError(ErrCodeRefreshFailed, ctx.Err())
	}
}
