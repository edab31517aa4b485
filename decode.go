package authstate

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Decode parses the payload segment of a compact token into Claims.
//
// Decode does NOT verify the signature; a forged but well-formed token
// decodes successfully. It returns nil for anything that is not three
// dot-separated segments whose middle segment is base64url-encoded JSON
// object text, or whose well-known claims carry the wrong JSON type.
func Decode(token string) *Claims {
	raw := decodePayload(token)
	if raw == nil {
		return nil
	}
	claims, ok := claimsFromMap(raw)
	if !ok {
		return nil
	}
	return claims
}

func decodePayload(token string) map[string]any {
	if token == "" {
		return nil
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	segment := strings.NewReplacer("-", "+", "_", "/").Replace(parts[1])
	segment = strings.TrimRight(segment, "=")
	data, err := base64.RawStdEncoding.DecodeString(segment)
	if err != nil {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	// "null" unmarshals without error into a nil map.
	if payload == nil {
		return nil
	}
	return payload
}

// claimsFromMap maps well-known claims. Zero exp and empty iss count as
// absent, matching how the checks downstream treat them.
func claimsFromMap(raw map[string]any) (*Claims, bool) {
	claims := &Claims{Raw: raw}

	switch v := raw["exp"].(type) {
	case nil:
	case float64:
		if v != 0 {
			exp := v
			claims.Expiry = &exp
		}
	default:
		return nil, false
	}

	var ok bool
	if claims.Issuer, ok = optionalString(raw, "iss"); !ok {
		return nil, false
	}
	if sub, isString := raw["sub"].(string); isString {
		claims.Subject = sub
	}
	if claims.Role, ok = optionalString(raw, "role"); !ok {
		return nil, false
	}

	switch v := raw["permissions"].(type) {
	case nil:
	case []any:
		perms := make([]string, 0, len(v))
		for _, item := range v {
			s, isString := item.(string)
			if !isString {
				return nil, false
			}
			perms = append(perms, s)
		}
		claims.Permissions = perms
	default:
		return nil, false
	}

	return claims, true
}

func optionalString(raw map[string]any, key string) (string, bool) {
	switch v := raw[key].(type) {
	case nil:
		return "", true
	case string:
		return v, true
	default:
		return "", false
	}
}
