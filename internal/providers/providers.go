// Package providers holds the shared pieces of the channel provider adapters.
// Each adapter lives in its own subpackage and satisfies one of the notify
// provider interfaces.
package providers

import (
	"fmt"
	"net/http"

	"github.com/mewayz/fabric/internal/backoff"
)

// StatusError is a non-success response from a provider API.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s API error %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func Retryable(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// CheckStatus returns nil for 2xx responses. Other statuses become a
// StatusError, marked permanent unless Retryable.
func CheckStatus(provider string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if len(body) > 512 {
		body = body[:512]
	}
	err := &StatusError{Provider: provider, Status: status, Body: body}
	if Retryable(status) {
		return err
	}
	return backoff.Permanent(err)
}
