package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mewayz/fabric/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// UserDirectory is the read side of the platform's user records.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	// ListByOrganization returns the active members of an organization.
	ListByOrganization(ctx context.Context, organizationID string) ([]*models.User, error)
	// ListByRole returns active users holding role. An empty organizationID
	// searches across all organizations.
	ListByRole(ctx context.Context, role models.Role, organizationID string) ([]*models.User, error)
}

// PresenceStore records the last reported presence of a user.
type PresenceStore interface {
	UpdatePresence(ctx context.Context, userID string, presence models.Presence) error
}

// ListOptions filters inbox listings.
type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
	Type       models.NotificationType
}

// DefaultListLimit is used when ListOptions.Limit is not positive.
const DefaultListLimit = 50

// Normalized applies the default limit and clamps a negative offset.
func (o ListOptions) Normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// InboxStore persists in-app notifications.
type InboxStore interface {
	Store(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context, userID string, opts ListOptions) ([]*models.InboxItem, int, error)
	MarkRead(ctx context.Context, notificationID, userID string, at time.Time) (*models.InboxItem, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Users    UserDirectory
	Presence PresenceStore
	Inbox    InboxStore
	closers  []func() error
}

// WithPresence returns a copy of the set whose presence writes go to store.
// closer, if non-nil, is run by Close.
func (s StoreSet) WithPresence(store PresenceStore, closer func() error) StoreSet {
	s.Presence = store
	if closer != nil {
		s.closers = append(append([]func() error(nil), s.closers...), closer)
	}
	return s
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	var errs []error
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
