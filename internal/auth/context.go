package auth

import (
	"context"

	"github.com/mewayz/fabric/pkg/models"
)

type userContextKey struct{}

// WithUser attaches a verified user to the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the verified user, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok && user != nil
}
