package sendgrid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mewayz/fabric/internal/backoff"
	"github.com/mewayz/fabric/internal/notify"
)

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{FromAddress: "noreply@example.com"}, nil); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := New(Config{APIKey: "key"}, nil); err == nil {
		t.Fatal("expected error without from address")
	}
}

func TestSendPostsMessage(t *testing.T) {
	var (
		gotAuth string
		gotPath string
		body    map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider, err := New(Config{APIKey: "sg-key", FromName: "Mewayz", FromAddress: "noreply@example.com", Host: server.URL}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = provider.Send(context.Background(), notify.EmailMessage{
		To:       "ada@example.com",
		ToName:   "Ada",
		Subject:  "Welcome",
		HTML:     "<p>Hello</p>",
		Text:     "Hello",
		Metadata: map[string]string{"notificationId": "n-1"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotAuth != "Bearer sg-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != sendPath {
		t.Errorf("path = %q", gotPath)
	}
	if body["subject"] != "Welcome" {
		t.Errorf("subject = %v", body["subject"])
	}
	from, _ := body["from"].(map[string]any)
	if from["email"] != "noreply@example.com" || from["name"] != "Mewayz" {
		t.Errorf("from = %v", from)
	}
	personalizations, _ := body["personalizations"].([]any)
	if len(personalizations) != 1 {
		t.Fatalf("personalizations = %v", body["personalizations"])
	}
	first, _ := personalizations[0].(map[string]any)
	args, _ := first["custom_args"].(map[string]any)
	if args["notificationId"] != "n-1" {
		t.Errorf("custom_args = %v", first["custom_args"])
	}
	content, _ := body["content"].([]any)
	if len(content) != 2 {
		t.Errorf("content parts = %d, want 2", len(content))
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
		}))
		provider, err := New(Config{APIKey: "k", FromAddress: "noreply@example.com", Host: server.URL}, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		err = provider.Send(context.Background(), notify.EmailMessage{To: "x@example.com", Subject: "s", Text: "t"})
		server.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := backoff.IsPermanent(err); got != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, got, tt.permanent)
		}
	}
}
