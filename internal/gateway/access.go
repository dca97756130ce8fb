package gateway

import (
	"strings"

	"github.com/mewayz/fabric/pkg/models"
)

// Reserved room prefixes.
const (
	PrefixOrganization = "org_"
	PrefixUser         = "user_"
	PrefixAnalytics    = "analytics_"
	PrefixAdmin        = "admin_"
)

func OrganizationRoom(orgID string) string   { return PrefixOrganization + orgID }
func UserRoom(userID string) string          { return PrefixUser + userID }
func AnalyticsRoom(dashboardID string) string { return PrefixAnalytics + dashboardID }

// AccessPolicy decides whether a user may join a room.
type AccessPolicy interface {
	CanJoin(user *models.User, room string) bool
}

// AccessPolicyFunc adapts a function to AccessPolicy.
type AccessPolicyFunc func(user *models.User, room string) bool

func (f AccessPolicyFunc) CanJoin(user *models.User, room string) bool { return f(user, room) }

// DefaultAccessPolicy applies the reserved-prefix rules:
//
//	org_<id>        members of the organization, or administrators
//	user_<id>       that user, or administrators
//	admin_<*>       administrators
//	analytics_<id>  paid plans, or administrators
//	anything else   any authenticated user
type DefaultAccessPolicy struct{}

func (DefaultAccessPolicy) CanJoin(user *models.User, room string) bool {
	if user == nil || strings.TrimSpace(room) == "" {
		return false
	}
	switch {
	case strings.HasPrefix(room, PrefixOrganization):
		orgID := strings.TrimPrefix(room, PrefixOrganization)
		if orgID == "" {
			return false
		}
		return user.OrganizationID == orgID || user.IsAdmin()
	case strings.HasPrefix(room, PrefixUser):
		userID := strings.TrimPrefix(room, PrefixUser)
		if userID == "" {
			return false
		}
		return user.ID == userID || user.IsAdmin()
	case strings.HasPrefix(room, PrefixAdmin):
		return user.IsAdmin()
	case strings.HasPrefix(room, PrefixAnalytics):
		return strings.TrimPrefix(room, PrefixAnalytics) != "" && CanViewAnalytics(user)
	default:
		return true
	}
}

// CanViewAnalytics reports whether the user may subscribe to dashboards.
func CanViewAnalytics(user *models.User) bool {
	return user != nil && (!user.Plan.IsFree() || user.IsAdmin())
}
