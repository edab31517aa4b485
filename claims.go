package authstate

import (
	"slices"
	"time"
)

// DefaultRole is reported when the claim set carries no role.
const DefaultRole = "user"

// Claims is the decoded body of a bearer token.
//
// Expiry and Issuer are optional: a nil Expiry means the token carries no
// usable exp claim, an empty Issuer means no iss claim.
type Claims struct {
	Subject     string
	Issuer      string
	Expiry      *float64
	Role        string
	Permissions []string

	// Raw holds every decoded claim, including the ones mapped above.
	Raw map[string]any
}

// ExpiresAt returns the expiry instant when the token declares one.
func (c *Claims) ExpiresAt() (time.Time, bool) {
	if c == nil || c.Expiry == nil {
		return time.Time{}, false
	}
	sec := *c.Expiry
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*float64(time.Second))).UTC(), true
}

// RoleOrDefault returns the role claim, or DefaultRole when absent.
func (c *Claims) RoleOrDefault() string {
	if c == nil || c.Role == "" {
		return DefaultRole
	}
	return c.Role
}

// HasPermission reports whether permission is listed in the permissions claim.
func (c *Claims) HasPermission(permission string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Permissions, permission)
}

func (c *Claims) clone() *Claims {
	if c == nil {
		return nil
	}
	out := *c
	if c.Expiry != nil {
		exp := *c.Expiry
		out.Expiry = &exp
	}
	out.Permissions = append([]string(nil), c.Permissions...)
	out.Raw = cloneMap(c.Raw)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the containers produced by encoding/json.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
