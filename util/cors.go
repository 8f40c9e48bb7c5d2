package util

import "strings"

// MakeAllowedOriginValidator returns a matcher for browser origins. Entries
// may be "*", an exact origin, a bare host, or a single-wildcard pattern such
// as "https://*.example.com".
func MakeAllowedOriginValidator(allowedOrigins []string) func(origin string) bool {
	allowed := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(string) bool { return true }
		}
		if o != "" {
			allowed = append(allowed, o)
		}
	}

	return func(origin string) bool {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			return false
		}
		host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")

		for _, a := range allowed {
			if a == origin || a == host {
				return true
			}
			if prefix, suffix, ok := strings.Cut(a, "*"); ok &&
				strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}
}
