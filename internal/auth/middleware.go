package auth

import (
	"log/slog"
	"net/http"
)

// Middleware verifies the request credential and attaches the user to the
// request context. Requests without a valid credential get 401.
func Middleware(service *Service, opts ExtractOptions, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := ExtractCredential(r, opts)
			if !ok {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			user, err := service.Verify(r.Context(), cred)
			if err != nil {
				if IsAuthError(err) {
					logger.Warn("credential rejected", "source", cred.Source, "error", err)
					http.Error(w, "invalid credentials", http.StatusUnauthorized)
					return
				}
				logger.Error("credential verification failed", "error", err)
				http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin rejects requests whose verified user is not an administrator.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		if !user.IsAdmin() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
