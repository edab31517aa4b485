package authstate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/impersonate"
)

// Grant is the result of a refresh exchange. RefreshToken is empty when the
// issuer did not rotate it.
type Grant struct {
	AccessToken  string
	RefreshToken string
}

// Exchanger trades a refresh token for a new access token.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (Grant, error)
}

// ExchangerFunc adapts a function to the Exchanger interface.
type ExchangerFunc func(ctx context.Context, refreshToken string) (Grant, error)

// Exchange implements Exchanger.
func (f ExchangerFunc) Exchange(ctx context.Context, refreshToken string) (Grant, error) {
	return f(ctx, refreshToken)
}

// TokenFactory builds the token source used for one exchange.
type TokenFactory func(ctx context.Context, refreshToken string) (oauth2.TokenSource, error)

// ProviderConfig defines how refresh exchanges are performed.
type ProviderConfig struct {
	// OAuth2 enables the refresh_token grant against OAuth2.Endpoint.TokenURL.
	// Ignored when TokenFactory is set.
	OAuth2       *oauth2.Config
	TokenFactory TokenFactory
	// PreferIDToken returns the id_token of the response, when present,
	// instead of the access token.
	PreferIDToken bool
}

// Provider is an Exchanger backed by oauth2 token sources.
type Provider struct {
	factory       TokenFactory
	preferIDToken bool
}

// NewProvider constructs a Provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	factory := cfg.TokenFactory
	if factory == nil {
		if cfg.OAuth2 == nil {
			return nil, errors.New("either OAuth2 or TokenFactory is required")
		}
		if cfg.OAuth2.Endpoint.TokenURL == "" {
			return nil, errors.New("oauth2 token url is required")
		}
		factory = OAuth2Factory(cfg.OAuth2)
	}
	return &Provider{factory: factory, preferIDToken: cfg.PreferIDToken}, nil
}

// Exchange implements Exchanger.
func (p *Provider) Exchange(ctx context.Context, refreshToken string) (Grant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Grant{}, errors.New("refresh token is required")
	}
	ts, err := p.factory(ctx, refreshToken)
	if err != nil {
		return Grant{}, err
	}
	tok, err := ts.Token()
	if err != nil {
		return Grant{}, fmt.Errorf("fetch token: %w", err)
	}

	access := tok.AccessToken
	if p.preferIDToken {
		if id, ok := tok.Extra("id_token").(string); ok && id != "" {
			access = id
		}
	}
	if access == "" {
		return Grant{}, errors.New("empty access token returned")
	}

	grant := Grant{AccessToken: access}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		grant.RefreshToken = tok.RefreshToken
	}
	return grant, nil
}

// OAuth2Factory performs a refresh_token grant with cfg for every exchange.
func OAuth2Factory(cfg *oauth2.Config) TokenFactory {
	return func(ctx context.Context, refreshToken string) (oauth2.TokenSource, error) {
		// A token without an access token forces the source to hit the endpoint.
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}), nil
	}
}

// GoogleParams selects how Google identity tokens are minted.
type GoogleParams struct {
	ServiceAccount string
	IncludeEmail   bool
	Delegates      []string
}

// GoogleOption customizes GoogleIdentityFactory.
type GoogleOption func(*GoogleParams)

// WithServiceAccount impersonates the given service account.
func WithServiceAccount(email string) GoogleOption {
	return func(p *GoogleParams) {
		p.ServiceAccount = email
	}
}

// WithIncludeEmail controls whether the resulting token contains the email claim.
func WithIncludeEmail(include bool) GoogleOption {
	return func(p *GoogleParams) {
		p.IncludeEmail = include
	}
}

// WithDelegates sets the impersonation delegation chain.
func WithDelegates(delegates ...string) GoogleOption {
	return func(p *GoogleParams) {
		p.Delegates = append([]string(nil), delegates...)
	}
}

var (
	newIDTokenSource     = idtoken.NewTokenSource
	newImpersonateSource = impersonate.IDTokenSource
)

// GoogleIdentityFactory mints Google identity tokens for audience using
// application default credentials, or impersonation when a service account
// is set. The refresh token only gates the exchange; Google credentials
// come from the environment.
func GoogleIdentityFactory(audience string, opts ...GoogleOption) TokenFactory {
	var params GoogleParams
	for _, opt := range opts {
		opt(&params)
	}
	return func(ctx context.Context, _ string) (oauth2.TokenSource, error) {
		if strings.TrimSpace(audience) == "" {
			return nil, errors.New("audience is required")
		}
		if params.ServiceAccount != "" {
			return newImpersonateSource(ctx, impersonate.IDTokenConfig{
				Audience:        audience,
				TargetPrincipal: params.ServiceAccount,
				IncludeEmail:    params.IncludeEmail,
				Delegates:       params.Delegates,
			})
		}
		return newIDTokenSource(ctx, audience)
	}
}
