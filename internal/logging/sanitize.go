package logging

import (
	"net/url"
	"strings"
)

// SanitizeURL removes userinfo and query params for logging to avoid leaking secrets.
// Returns the URL without userinfo and query, preserving scheme, host, and path.
func SanitizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// RedactToken keeps only a short prefix of a credential so log lines can be
// correlated without exposing the secret.
func RedactToken(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return "***"
	}
	return tok[:4] + "…(" + "redacted" + ")"
}
