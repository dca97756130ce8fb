package models

import (
	"fmt"
	"strings"
	"time"
)

// Channel is a notification delivery mechanism.
type Channel string

const (
	ChannelRealtime Channel = "realtime"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelInApp    Channel = "inapp"
)

// AllChannels lists every supported channel in delivery order.
var AllChannels = []Channel{ChannelRealtime, ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

// DefaultChannels are used when a request names none.
var DefaultChannels = []Channel{ChannelRealtime, ChannelInApp}

// ParseChannel normalizes a channel name. "websocket" is accepted as an alias
// for realtime.
func ParseChannel(name string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "realtime", "websocket":
		return ChannelRealtime, nil
	case "email":
		return ChannelEmail, nil
	case "sms":
		return ChannelSMS, nil
	case "push":
		return ChannelPush, nil
	case "inapp", "in_app":
		return ChannelInApp, nil
	default:
		return "", fmt.Errorf("unknown channel %q", name)
	}
}

// UnmarshalText lets channels decode from JSON and YAML with alias support.
func (c *Channel) UnmarshalText(text []byte) error {
	parsed, err := ParseChannel(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Priority orders notifications by urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// NotificationType is the business event kind behind a notification.
type NotificationType string

const (
	TypeSystemMaintenance    NotificationType = "system_maintenance"
	TypeSystemUpdate         NotificationType = "system_update"
	TypeSecurityAlert        NotificationType = "security_alert"
	TypeWelcome              NotificationType = "welcome"
	TypeEmailVerified        NotificationType = "email_verified"
	TypePasswordChanged      NotificationType = "password_changed"
	TypePlanUpgraded         NotificationType = "plan_upgraded"
	TypePlanDowngraded       NotificationType = "plan_downgraded"
	TypeContentPublished     NotificationType = "content_published"
	TypeContentScheduled     NotificationType = "content_scheduled"
	TypeContentFailed        NotificationType = "content_failed"
	TypePlatformConnected    NotificationType = "platform_connected"
	TypePlatformDisconnected NotificationType = "platform_disconnected"
	TypePostPublished        NotificationType = "post_published"
	TypeAnalyticsReport      NotificationType = "analytics_report"
	TypeNewOrder             NotificationType = "new_order"
	TypeOrderCompleted       NotificationType = "order_completed"
	TypePaymentReceived      NotificationType = "payment_received"
	TypeInvoiceGenerated     NotificationType = "invoice_generated"
	TypeTeamInvite           NotificationType = "team_invite"
	TypeRoleChanged          NotificationType = "role_changed"
	TypeProjectAssigned      NotificationType = "project_assigned"
	TypeMention              NotificationType = "mention"
	TypeComplianceAlert      NotificationType = "compliance_alert"
	TypeAuditComplete        NotificationType = "audit_complete"
	TypeBackupComplete       NotificationType = "backup_complete"
)

// NotificationRequest is what business logic submits to the dispatcher.
type NotificationRequest struct {
	TargetUserID         string           `json:"targetUserId" yaml:"target_user_id"`
	TargetOrganizationID string           `json:"targetOrganizationId,omitempty" yaml:"target_organization_id"`
	Type                 NotificationType `json:"type" yaml:"type"`
	Title                string           `json:"title" yaml:"title"`
	Message              string           `json:"message" yaml:"message"`
	Payload              map[string]any   `json:"payload,omitempty" yaml:"payload"`
	Channels             []Channel        `json:"channels,omitempty" yaml:"channels"`
	Priority             Priority         `json:"priority,omitempty" yaml:"priority"`
	ScheduledAt          *time.Time       `json:"scheduledAt,omitempty" yaml:"scheduled_at"`
	ExpiresAt            *time.Time       `json:"expiresAt,omitempty" yaml:"expires_at"`
}

// Notification is a request that has been accepted for delivery.
type Notification struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	OrganizationID string           `json:"organizationId,omitempty"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Payload        map[string]any   `json:"payload,omitempty"`
	Priority       Priority         `json:"priority"`
	Channels       []Channel        `json:"channels"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"`
}

// DeliveryStatus describes what happened on one channel.
type DeliveryStatus string

const (
	DeliveryDelivered      DeliveryStatus = "delivered"
	DeliveryFailed         DeliveryStatus = "failed"
	DeliveryDroppedExpired DeliveryStatus = "dropped_expired"
)

// ChannelOutcome is the per-channel delivery record.
type ChannelOutcome struct {
	Channel    Channel        `json:"channel"`
	Success    bool           `json:"success"`
	Status     DeliveryStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Recipients int            `json:"recipients,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// InboxItem is a stored in-app notification.
type InboxItem struct {
	Notification
	ReadAt *time.Time `json:"readAt,omitempty"`
}
