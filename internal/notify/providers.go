package notify

import (
	"context"
	"time"

	"github.com/mewayz/fabric/pkg/models"
)

// EmailMessage is one rendered email.
type EmailMessage struct {
	To       string
	ToName   string
	Subject  string
	HTML     string
	Text     string
	Metadata map[string]string
}

type EmailProvider interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type SMSProvider interface {
	Send(ctx context.Context, to, text string) error
}

type PushProvider interface {
	Send(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}

// RealtimePublisher fans a frame out to a gateway room and reports how many
// connections it was queued for.
type RealtimePublisher interface {
	PublishToRoom(room string, frame any) int
}

// Realtime frame types.
const (
	FrameNotification     = "notification"
	FrameNotificationRead = "notification_read"
)

// NotificationBody is the client view of a notification.
type NotificationBody struct {
	ID        string                  `json:"id"`
	Type      models.NotificationType `json:"type"`
	Title     string                  `json:"title"`
	Message   string                  `json:"message"`
	Data      map[string]any          `json:"data,omitempty"`
	Priority  models.Priority         `json:"priority"`
	CreatedAt time.Time               `json:"createdAt"`
}

type NotificationFrame struct {
	Type         string           `json:"type"`
	Notification NotificationBody `json:"notification"`
	Timestamp    time.Time        `json:"timestamp"`
}

func (f NotificationFrame) FrameType() string { return f.Type }

type NotificationReadFrame struct {
	Type           string    `json:"type"`
	NotificationID string    `json:"notificationId"`
	ReadAt         time.Time `json:"readAt"`
	Timestamp      time.Time `json:"timestamp"`
}

func (f NotificationReadFrame) FrameType() string { return f.Type }

func notificationFrame(n *models.Notification, now time.Time) NotificationFrame {
	return NotificationFrame{
		Type: FrameNotification,
		Notification: NotificationBody{
			ID:        n.ID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			Data:      n.Payload,
			Priority:  n.Priority,
			CreatedAt: n.CreatedAt.UTC(),
		},
		Timestamp: now.UTC(),
	}
}
