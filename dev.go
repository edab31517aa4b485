package authstate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

var devHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

// DevClaims holds attributes for unsigned tokens used in local development.
type DevClaims struct {
	Subject     string
	Issuer      string
	Role        string
	Permissions []string
	// TTL sets exp relative to now; zero omits exp.
	TTL time.Duration
	// Extra claims are merged last and win over the fields above.
	Extra map[string]any
}

// DevToken encodes claims as an unsigned three-segment token. It is only
// accepted by validators without signature verification.
func DevToken(claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode dev claims: %w", err)
	}
	return devHeader + "." + base64.RawURLEncoding.EncodeToString(payload) + ".dev", nil
}

// Token builds a dev token from d, computing exp against now.
func (d DevClaims) Token(now time.Time) (string, error) {
	claims := map[string]any{}
	if d.Subject != "" {
		claims["sub"] = d.Subject
	}
	if d.Issuer != "" {
		claims["iss"] = d.Issuer
	}
	if d.Role != "" {
		claims["role"] = d.Role
	}
	if len(d.Permissions) > 0 {
		claims["permissions"] = d.Permissions
	}
	if d.TTL != 0 {
		claims["exp"] = now.Add(d.TTL).Unix()
	}
	for k, v := range d.Extra {
		claims[k] = v
	}
	return DevToken(claims)
}

// DefaultDevClaims returns a baseline identity suitable for local development.
func DefaultDevClaims(issuer string) DevClaims {
	return DevClaims{
		Subject: "dev-user",
		Issuer:  issuer,
		Role:    DefaultRole,
		TTL:     time.Hour,
	}
}
