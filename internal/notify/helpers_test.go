package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mewayz/fabric/internal/backoff"
	"github.com/mewayz/fabric/internal/observability"
	"github.com/mewayz/fabric/internal/storage"
	"github.com/mewayz/fabric/pkg/models"
)

var (
	proUser = &models.User{
		ID:             "u-pro",
		Name:           "Ada",
		Email:          "ada@example.com",
		Phone:          "+14155550100",
		Role:           models.RoleAdmin,
		Plan:           models.PlanPro,
		OrganizationID: "org-1",
		DeviceTokens:   []string{"tok-1", "tok-2"},
	}
	freeUser = &models.User{
		ID:             "u-free",
		Name:           "Bo",
		Email:          "bo@example.com",
		Phone:          "+14155550101",
		Role:           models.RoleUser,
		Plan:           models.PlanFree,
		OrganizationID: "org-1",
		DeviceTokens:   []string{"tok-3"},
	}
	quietUser = &models.User{
		ID:             "u-quiet",
		Name:           "Cy",
		Email:          "cy@example.com",
		Role:           models.RoleUser,
		Plan:           models.PlanEnterprise,
		OrganizationID: "org-2",
		Preferences: models.NotificationPreferences{
			string(models.TypeSystemUpdate):         false,
			string(models.TypeTeamInvite) + "_email": false,
		},
	}
	inactiveUser = &models.User{
		ID:             "u-gone",
		Role:           models.RoleUser,
		OrganizationID: "org-1",
		Status:         models.UserStatusInactive,
	}
)

type published struct {
	room  string
	frame any
}

type fakeRealtime struct {
	mu     sync.Mutex
	frames []published
}

func (f *fakeRealtime) PublishToRoom(room string, frame any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, published{room: room, frame: frame})
	return 1
}

func (f *fakeRealtime) rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, p := range f.frames {
		out = append(out, p.room)
	}
	return out
}

func (f *fakeRealtime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeEmail struct {
	mu       sync.Mutex
	sent     []EmailMessage
	failures int
	err      error
}

func (f *fakeEmail) Send(ctx context.Context, msg EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp unavailable")
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEmail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSMS struct {
	mu   sync.Mutex
	sent map[string]string
}

func (f *fakeSMS) Send(ctx context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	f.sent[to] = text
	return nil
}

type fakePush struct {
	mu     sync.Mutex
	tokens []string
	data   map[string]string
}

func (f *fakePush) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tokens...)
	f.data = data
	return nil
}

type harness struct {
	dispatcher *Dispatcher
	realtime   *fakeRealtime
	email      *fakeEmail
	sms        *fakeSMS
	push       *fakePush
	inbox      *storage.MemoryInboxStore
	directory  *storage.MemoryUserDirectory
	metrics    *observability.Metrics
	clock      *clock.Mock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		realtime:  &fakeRealtime{},
		email:     &fakeEmail{},
		sms:       &fakeSMS{},
		push:      &fakePush{},
		inbox:     storage.NewMemoryInboxStore(),
		directory: storage.NewMemoryUserDirectory(proUser, freeUser, quietUser, inactiveUser),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		clock:     clock.NewMock(),
	}
	h.clock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	}
	d, err := New(cfg, Deps{
		Directory: h.directory,
		Inbox:     h.inbox,
		Realtime:  h.realtime,
		Email:     h.email,
		SMS:       h.sms,
		Push:      h.push,
		Renderer:  NewRenderer("Mewayz", "https://app.example.com"),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   h.metrics,
		Clock:     h.clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	h.dispatcher = d
	return h
}

func request(userID string, channels ...models.Channel) models.NotificationRequest {
	return models.NotificationRequest{
		TargetUserID: userID,
		Type:         models.TypeSystemUpdate,
		Title:        "Release 2.4",
		Message:      "New dashboards are live",
		Channels:     channels,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
