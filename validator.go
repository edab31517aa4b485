package authstate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// Validator applies expiry and issuer checks to decoded tokens.
type Validator struct {
	cfg   Config
	clock Clock
	cache *jwk.Cache
}

// NewValidator builds a validator from the given configuration.
func NewValidator(cfg Config) (*Validator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	v := &Validator{cfg: cfg, clock: cfg.Clock}
	if vc := cfg.Verification; vc != nil {
		cache := jwk.NewCache(context.Background())
		httpClient := &http.Client{
			Timeout: vc.HTTPTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}
		if err := cache.Register(
			vc.JWKSURL,
			jwk.WithMinRefreshInterval(vc.MinRefresh),
			jwk.WithHTTPClient(httpClient),
		); err != nil {
			return nil, fmt.Errorf("register jwks: %w", err)
		}
		v.cache = cache
	}
	return v, nil
}

// Config returns the normalized configuration.
func (v *Validator) Config() Config {
	return v.cfg
}

// Warmup fetches the verification key set ahead of the first validation.
// It is a no-op when verification is disabled.
func (v *Validator) Warmup(ctx context.Context) error {
	if v.cache == nil {
		return nil
	}
	refreshCtx, cancel := context.WithTimeout(ctx, v.cfg.Verification.HTTPTimeout)
	defer cancel()
	if _, err := v.cache.Refresh(refreshCtx, v.cfg.Verification.JWKSURL); err != nil {
		return newError(ErrCodeJWKSUnavailable, err)
	}
	return nil
}

// Validate decodes the token and checks, in order, its format, signature
// (when enabled), expiry and issuer. The first failing check wins.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	claims := Decode(token)
	if claims == nil {
		return nil, newError(ErrCodeMalformedToken, nil)
	}

	if v.cache != nil {
		if err := v.verify(ctx, token); err != nil {
			return nil, err
		}
	}

	now := v.clock.Now().Unix()
	if claims.Expiry != nil && *claims.Expiry < float64(now) {
		return nil, newError(ErrCodeExpired, nil)
	}

	if claims.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return nil, newError(ErrCodeInvalidIssuer, nil)
	}

	return claims, nil
}

func (v *Validator) verify(ctx context.Context, token string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, v.cfg.Verification.HTTPTimeout)
	defer cancel()
	keySet, err := v.cache.Get(fetchCtx, v.cfg.Verification.JWKSURL)
	if err != nil {
		return newError(ErrCodeJWKSUnavailable, err)
	}
	if _, err := jws.Verify([]byte(token), jws.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true))); err != nil {
		return newError(ErrCodeInvalidSignature, err)
	}
	return nil
}

// needsRefresh reports whether claims are inside the expiry buffer. Claims
// without exp are always due.
func (v *Validator) needsRefresh(claims *Claims) bool {
	if claims == nil || claims.Expiry == nil {
		return true
	}
	expiryMillis := *claims.Expiry * 1000
	nowMillis := float64(v.clock.Now().UnixMilli())
	return expiryMillis-nowMillis < float64(v.cfg.ExpiryBuffer/time.Millisecond)
}
