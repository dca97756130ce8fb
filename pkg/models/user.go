package models

import (
	"strings"
	"time"
)

// Role identifies a user's authorization level inside an organization.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// IsAdmin reports whether the role grants administrative access.
func (r Role) IsAdmin() bool {
	switch Role(strings.ToLower(string(r))) {
	case RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// Plan is the billing tier of a user.
type Plan string

const (
	PlanFree       Plan = "Free"
	PlanPro        Plan = "Pro"
	PlanEnterprise Plan = "Enterprise"
)

// IsFree reports whether the plan is the free tier. An empty plan counts as free.
func (p Plan) IsFree() bool {
	trimmed := strings.TrimSpace(string(p))
	return trimmed == "" || strings.EqualFold(trimmed, string(PlanFree))
}

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusInactive  UserStatus = "inactive"
	UserStatusSuspended UserStatus = "suspended"
)

// User is an authenticated platform identity as seen by the fabric.
type User struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name,omitempty"`
	Email          string                  `json:"email,omitempty"`
	Phone          string                  `json:"phone,omitempty"`
	Role           Role                    `json:"role,omitempty"`
	Plan           Plan                    `json:"plan,omitempty"`
	OrganizationID string                  `json:"organizationId,omitempty"`
	Status         UserStatus              `json:"status,omitempty"`
	Preferences    NotificationPreferences `json:"notificationPreferences,omitempty"`
	DeviceTokens   []string                `json:"deviceTokens,omitempty"`
	Presence       *Presence               `json:"presence,omitempty"`
	CreatedAt      time.Time               `json:"createdAt,omitempty"`
	UpdatedAt      time.Time               `json:"updatedAt,omitempty"`
}

// Active reports whether the user may open connections. Users without an
// explicit status are treated as active.
func (u *User) Active() bool {
	if u == nil {
		return false
	}
	return u.Status == "" || u.Status == UserStatusActive
}

// IsAdmin reports whether the user holds an administrative role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role.IsAdmin()
}

// PublicUser is the subset of a user that is safe to echo to clients.
type PublicUser struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Role           Role   `json:"role,omitempty"`
	Plan           Plan   `json:"plan,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// Public returns the client-facing view of the user.
func (u *User) Public() PublicUser {
	if u == nil {
		return PublicUser{}
	}
	return PublicUser{
		ID:             u.ID,
		Name:           u.Name,
		Role:           u.Role,
		Plan:           u.Plan,
		OrganizationID: u.OrganizationID,
	}
}

// Presence is the last reported availability of a user.
type Presence struct {
	Status   string    `json:"status"`
	Activity string    `json:"activity,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// NotificationPreferences holds per-type and per-type-per-channel opt-outs.
// Keys are either "<type>" or "<type>_<channel>"; a false value disables
// delivery. Missing keys mean enabled.
type NotificationPreferences map[string]bool

// TypeDisabled reports whether the user turned off a notification type entirely.
func (p NotificationPreferences) TypeDisabled(kind NotificationType) bool {
	if p == nil {
		return false
	}
	enabled, ok := p[string(kind)]
	return ok && !enabled
}

// ChannelDisabled reports whether the user turned off one channel for a type.
// The legacy "websocket" channel name is honoured for realtime.
func (p NotificationPreferences) ChannelDisabled(kind NotificationType, channel Channel) bool {
	if p == nil {
		return false
	}
	keys := []string{string(kind) + "_" + string(channel)}
	if channel == ChannelRealtime {
		keys = append(keys, string(kind)+"_websocket")
	}
	for _, key := range keys {
		if enabled, ok := p[key]; ok && !enabled {
			return true
		}
	}
	return false
}
