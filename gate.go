package authstate

import "context"

// PrepareAPICall returns the Authorization header to attach to an
// authenticated request, renewing the token first when it is stale.
// Callers must not send the request when an error is returned.
func (s *Session) PrepareAPICall(ctx context.Context) (string, error) {
	if !s.IsAuthenticated() {
		return "", newError(ErrCodeNotAuthenticated, nil)
	}

	if s.NeedsRefresh() {
		if err := s.RefreshAuthToken(ctx); err != nil {
			return "", err
		}
	}

	header, ok := s.AuthHeader()
	if !ok {
		// Logged out while refreshing.
		return "", newError(ErrCodeNotAuthenticated, nil)
	}
	return header, nil
}
