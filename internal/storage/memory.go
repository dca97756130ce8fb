package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mewayz/fabric/pkg/models"
)

// NewMemoryStores returns a StoreSet backed by process memory, seeded with
// users. The directory also serves as the presence store.
func NewMemoryStores(users ...*models.User) StoreSet {
	directory := NewMemoryUserDirectory(users...)
	return StoreSet{
		Users:    directory,
		Presence: directory,
		Inbox:    NewMemoryInboxStore(),
	}
}

// MemoryUserDirectory provides an in-memory UserDirectory and PresenceStore.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserDirectory creates a directory holding users.
func NewMemoryUserDirectory(users ...*models.User) *MemoryUserDirectory {
	d := &MemoryUserDirectory{users: make(map[string]*models.User)}
	for _, user := range users {
		_ = d.Put(user)
	}
	return d
}

// Put inserts or replaces a user record.
func (d *MemoryUserDirectory) Put(user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user is required")
	}
	copied := cloneUser(user)
	d.mu.Lock()
	d.users[user.ID] = copied
	d.mu.Unlock()
	return nil
}

func (d *MemoryUserDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(user), nil
}

func (d *MemoryUserDirectory) ListByOrganization(ctx context.Context, organizationID string) ([]*models.User, error) {
	if organizationID == "" {
		return nil, nil
	}
	return d.filter(func(u *models.User) bool {
		return u.OrganizationID == organizationID
	}), nil
}

func (d *MemoryUserDirectory) ListByRole(ctx context.Context, role models.Role, organizationID string) ([]*models.User, error) {
	return d.filter(func(u *models.User) bool {
		if !strings.EqualFold(string(u.Role), string(role)) {
			return false
		}
		return organizationID == "" || u.OrganizationID == organizationID
	}), nil
}

func (d *MemoryUserDirectory) filter(match func(*models.User) bool) []*models.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*models.User
	for _, user := range d.users {
		if user.Active() && match(user) {
			out = append(out, cloneUser(user))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdatePresence stores presence on the user record.
func (d *MemoryUserDirectory) UpdatePresence(ctx context.Context, userID string, presence models.Presence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[userID]
	if !ok {
		return ErrNotFound
	}
	p := presence
	user.Presence = &p
	user.UpdatedAt = presence.LastSeen
	return nil
}

func cloneUser(user *models.User) *models.User {
	copied := *user
	if user.Preferences != nil {
		copied.Preferences = make(models.NotificationPreferences, len(user.Preferences))
		for k, v := range user.Preferences {
			copied.Preferences[k] = v
		}
	}
	if user.DeviceTokens != nil {
		copied.DeviceTokens = append([]string(nil), user.DeviceTokens...)
	}
	if user.Presence != nil {
		p := *user.Presence
		copied.Presence = &p
	}
	return &copied
}

// MemoryInboxStore provides an in-memory InboxStore.
type MemoryInboxStore struct {
	mu    sync.RWMutex
	items map[string]*models.InboxItem
}

// NewMemoryInboxStore creates an in-memory inbox.
func NewMemoryInboxStore() *MemoryInboxStore {
	return &MemoryInboxStore{items: make(map[string]*models.InboxItem)}
}

func (s *MemoryInboxStore) Store(ctx context.Context, notification *models.Notification) error {
	if notification == nil || notification.ID == "" {
		return fmt.Errorf("notification is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[notification.ID]; exists {
		return ErrAlreadyExists
	}
	s.items[notification.ID] = &models.InboxItem{Notification: *notification}
	return nil
}

func (s *MemoryInboxStore) List(ctx context.Context, userID string, opts ListOptions) ([]*models.InboxItem, int, error) {
	opts = opts.Normalized()
	s.mu.RLock()
	items := make([]*models.InboxItem, 0)
	for _, item := range s.items {
		if item.UserID != userID {
			continue
		}
		if opts.UnreadOnly && item.ReadAt != nil {
			continue
		}
		if opts.Type != "" && item.Type != opts.Type {
			continue
		}
		copied := *item
		items = append(items, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	total := len(items)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := total
	if start+opts.Limit < end {
		end = start + opts.Limit
	}
	return items[start:end], total, nil
}

func (s *MemoryInboxStore) MarkRead(ctx context.Context, notificationID, userID string, at time.Time) (*models.InboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[notificationID]
	if !ok || item.UserID != userID {
		return nil, ErrNotFound
	}
	if item.ReadAt == nil {
		readAt := at
		item.ReadAt = &readAt
	}
	copied := *item
	return &copied, nil
}
