package fcm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/mewayz/fabric/internal/backoff"
)

type recorder struct {
	mu       sync.Mutex
	auth     []string
	paths    []string
	messages []sendRequest
	status   map[string]int
}

func (r *recorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload sendRequest
		_ = json.NewDecoder(req.Body).Decode(&payload)
		r.mu.Lock()
		r.auth = append(r.auth, req.Header.Get("Authorization"))
		r.paths = append(r.paths, req.URL.Path)
		r.messages = append(r.messages, payload)
		status := r.status[payload.Message.Token]
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"name":"projects/demo/messages/1"}`))
	})
}

func newTestProvider(t *testing.T, rec *recorder) *Provider {
	t.Helper()
	server := httptest.NewServer(rec.handler())
	t.Cleanup(server.Close)
	provider, err := New(Config{ProjectID: "demo", Endpoint: server.URL},
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "push-token", TokenType: "Bearer"}), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return provider
}

func TestSendEachToken(t *testing.T) {
	rec := &recorder{}
	provider := newTestProvider(t, rec)

	err := provider.Send(context.Background(), []string{"a", "b"}, "Order shipped", "Track it now", map[string]string{"orderId": "7"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(rec.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(rec.messages))
	}
	for i, token := range []string{"a", "b"} {
		msg := rec.messages[i].Message
		if msg.Token != token || msg.Notification.Title != "Order shipped" || msg.Data["orderId"] != "7" {
			t.Errorf("message %d = %+v", i, msg)
		}
		if rec.auth[i] != "Bearer push-token" {
			t.Errorf("Authorization = %q", rec.auth[i])
		}
		if rec.paths[i] != "/v1/projects/demo/messages:send" {
			t.Errorf("path = %q", rec.paths[i])
		}
	}
}

func TestSendPartialFailureSucceeds(t *testing.T) {
	rec := &recorder{status: map[string]int{"stale": http.StatusNotFound}}
	provider := newTestProvider(t, rec)
	if err := provider.Send(context.Background(), []string{"stale", "fresh"}, "t", "b", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestSendAllFailed(t *testing.T) {
	tests := []struct {
		name      string
		status    map[string]int
		permanent bool
	}{
		{"all unregistered", map[string]int{"a": 404, "b": 400}, true},
		{"one unavailable", map[string]int{"a": 404, "b": 503}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newTestProvider(t, &recorder{status: tt.status})
			err := provider.Send(context.Background(), []string{"a", "b"}, "t", "b", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := backoff.IsPermanent(err); got != tt.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", got, tt.permanent, err)
			}
		})
	}
}

func TestSendRetriesWhenAnyTokenIsTransient(t *testing.T) {
	rec := &recorder{status: map[string]int{"stale": http.StatusNotFound, "busy": http.StatusServiceUnavailable}}
	provider := newTestProvider(t, rec)
	retrier := backoff.Retrier{MaxAttempts: 3, Policy: backoff.Policy{}}
	attempts, err := retrier.Do(context.Background(), func(ctx context.Context, _ int) error {
		return provider.Send(ctx, []string{"stale", "busy"}, "t", "b", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 6 {
		t.Fatalf("requests = %d, want 6", len(rec.messages))
	}
}

func TestSendWithoutTokens(t *testing.T) {
	provider := newTestProvider(t, &recorder{})
	if err := provider.Send(context.Background(), nil, "t", "b", nil); !backoff.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	if _, err := New(Config{}, ts, nil); err == nil {
		t.Fatal("expected error without project id")
	}
	if _, err := New(Config{ProjectID: "demo"}, nil, nil); err == nil {
		t.Fatal("expected error without token source")
	}
}

func TestNewFromCredentialsFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFromCredentialsFile(context.Background(), Config{}, filepath.Join(dir, "missing.json"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFromCredentialsFile(context.Background(), Config{}, bad, nil); err == nil {
		t.Fatal("expected error for malformed credentials")
	}
}
