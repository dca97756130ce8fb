package config

import "strings"

type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret"`
	APIKeys   []APIKeyConfig `yaml:"api_keys"`

	// CookieName is the cookie checked after the Authorization header.
	CookieName string `yaml:"cookie_name"`

	// AllowQueryToken accepts ?token= on the upgrade request. Query strings
	// end up in access logs, so this is off unless a client cannot set headers.
	AllowQueryToken bool `yaml:"allow_query_token"`

	// RequireActive re-reads the user record on every connect and rejects
	// users whose status is not active. Defaults to true.
	RequireActive *bool `yaml:"require_active"`
}

// APIKeyConfig declares a static API key for service callers.
type APIKeyConfig struct {
	Key            string `yaml:"key"`
	UserID         string `yaml:"user_id"`
	Name           string `yaml:"name"`
	Role           string `yaml:"role"`
	Plan           string `yaml:"plan"`
	OrganizationID string `yaml:"organization_id"`
}

// RequireActiveUsers resolves the RequireActive default.
func (a AuthConfig) RequireActiveUsers() bool {
	return a.RequireActive == nil || *a.RequireActive
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.CookieName == "" {
		cfg.CookieName = "token"
	}
}

func validateAuth(cfg *AuthConfig) []string {
	var issues []string
	if strings.TrimSpace(cfg.JWTSecret) == "" && len(cfg.APIKeys) == 0 {
		issues = append(issues, "auth requires jwt_secret or at least one api key")
	}
	for i, key := range cfg.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			issues = append(issues, "auth.api_keys["+itoa(i)+"].key is required")
		}
	}
	return issues
}
