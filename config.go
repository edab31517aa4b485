package authstate

import (
	"errors"
	"net/url"
	"time"
)

// Defaults applied by Config.normalize.
const (
	DefaultExpiryBuffer   = 5 * time.Minute
	DefaultRefreshTimeout = 10 * time.Second
	DefaultMinRefresh     = 5 * time.Minute
	DefaultHTTPTimeout    = 5 * time.Second
)

// NoExpiryBuffer as Config.ExpiryBuffer defers refreshes until the token
// has actually expired. A plain zero selects DefaultExpiryBuffer.
const NoExpiryBuffer time.Duration = -1

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Config describes how tokens are validated and when they are renewed.
type Config struct {
	// Issuer is compared against the iss claim. When empty, every token
	// that carries an iss claim is rejected.
	Issuer string
	// Audience is carried for parity with issuer configuration but is not
	// checked against the token.
	Audience string
	// ExpiryBuffer is how long before exp a refresh is triggered. Use
	// NoExpiryBuffer for none.
	ExpiryBuffer time.Duration
	// RefreshTimeout bounds a single refresh exchange.
	RefreshTimeout time.Duration
	// Verification enables signature checks against a JWKS. Nil keeps the
	// decode-only behaviour.
	Verification *VerificationConfig
	Clock        Clock
}

// VerificationConfig points the validator at a JWKS endpoint.
type VerificationConfig struct {
	JWKSURL     string
	MinRefresh  time.Duration
	HTTPTimeout time.Duration
}

// normalize sets default values for optional fields.
func (c *Config) normalize() {
	switch {
	case c.ExpiryBuffer == NoExpiryBuffer:
		c.ExpiryBuffer = 0
	case c.ExpiryBuffer <= 0:
		c.ExpiryBuffer = DefaultExpiryBuffer
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Verification != nil {
		v := *c.Verification
		if v.MinRefresh <= 0 {
			v.MinRefresh = DefaultMinRefresh
		}
		if v.HTTPTimeout <= 0 {
			v.HTTPTimeout = DefaultHTTPTimeout
		}
		c.Verification = &v
	}
}

// validate ensures the configuration is usable.
func (c Config) validate() error {
	if c.ExpiryBuffer < 0 && c.ExpiryBuffer != NoExpiryBuffer {
		return errors.New("expiry buffer must not be negative")
	}
	if c.RefreshTimeout < 0 {
		return errors.New("refresh timeout must not be negative")
	}
	if c.Verification != nil {
		if c.Verification.JWKSURL == "" {
			return errors.New("jwks url is required when verification is enabled")
		}
		if _, err := url.ParseRequestURI(c.Verification.JWKSURL); err != nil {
			return errors.New("jwks url is not a valid url")
		}
	}
	return nil
}
