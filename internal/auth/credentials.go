package auth

import (
	"net/http"
	"strings"
)

// CredentialSource records where a credential was found on the request.
type CredentialSource string

const (
	SourceBearer CredentialSource = "bearer"
	SourceCookie CredentialSource = "cookie"
	SourceAPIKey CredentialSource = "api_key"
	SourceQuery  CredentialSource = "query"
)

// Credential is a raw bearer secret extracted from a request.
type Credential struct {
	Token  string
	Source CredentialSource
}

// ExtractOptions controls credential lookup.
type ExtractOptions struct {
	// CookieName is the session cookie holding the token. Defaults to "token".
	CookieName string
	// AllowQuery enables the ?token= fallback used by older browser clients.
	AllowQuery bool
}

// ExtractCredential finds a credential on the request, checking the
// Authorization header, then the session cookie, then the API key headers,
// then (if allowed) the query string.
func ExtractCredential(r *http.Request, opts ExtractOptions) (Credential, bool) {
	if r == nil {
		return Credential{}, false
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return Credential{Token: token, Source: SourceBearer}, true
	}

	cookieName := strings.TrimSpace(opts.CookieName)
	if cookieName == "" {
		cookieName = "token"
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return Credential{Token: value, Source: SourceCookie}, true
		}
	}

	for _, header := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return Credential{Token: value, Source: SourceAPIKey}, true
		}
	}

	if opts.AllowQuery && r.URL != nil {
		if value := strings.TrimSpace(r.URL.Query().Get("token")); value != "" {
			return Credential{Token: value, Source: SourceQuery}, true
		}
	}
	return Credential{}, false
}

func bearerToken(header string) string {
	if len(header) < len("bearer ") {
		return ""
	}
	if !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}
