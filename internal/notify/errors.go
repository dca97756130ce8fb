package notify

import (
	"errors"
	"strings"
)

var (
	// ErrUserNotFound is returned when the target user is not in the directory.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotificationNotFound is returned by MarkAsRead for unknown ids.
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrInboxUnavailable is returned when no inbox store is configured.
	ErrInboxUnavailable = errors.New("inbox store not configured")
	// ErrProviderUnavailable is recorded when a channel has no provider.
	ErrProviderUnavailable = errors.New("provider not configured")
	// ErrNoAddress is recorded when the user lacks an address for a channel.
	ErrNoAddress = errors.New("user has no address for channel")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// ValidationError lists what is wrong with a request. Nothing is delivered.
type ValidationError struct {
	Missing  []string
	Problems []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Problems...)
	return "invalid notification request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) empty() bool {
	return len(e.Missing) == 0 && len(e.Problems) == 0
}
