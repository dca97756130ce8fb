package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mewayz/fabric/pkg/models"
)

type recordingPresence struct {
	mu      sync.Mutex
	updates map[string]models.Presence
	err     error
}

func (p *recordingPresence) UpdatePresence(_ context.Context, userID string, presence models.Presence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.updates == nil {
		p.updates = make(map[string]models.Presence)
	}
	p.updates[userID] = presence
	return nil
}

type routerFixture struct {
	registry *Registry
	router   *Router
	presence *recordingPresence
	clock    *clock.Mock
}

func newRouterFixture(t *testing.T, cfg RegistryConfig) *routerFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	registry := newTestRegistry(t, cfg, WithClock(mock))
	presence := &recordingPresence{}
	router := NewRouter(registry, RouterConfig{Presence: presence, Clock: mock})
	return &routerFixture{registry: registry, router: router, presence: presence, clock: mock}
}

func (f *routerFixture) handle(conn *Connection, raw string) {
	f.router.Handle(context.Background(), conn, []byte(raw))
}

func TestRouterPing(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{})
	conn, transport := accept(t, f.registry, "alice")
	f.handle(conn, `{"type":"ping"}`)
	frame := transport.last(t)
	if frame["type"] != FramePong || frame["timestamp"] != "2026-05-04T10:00:00Z" {
		t.Fatalf("unexpected pong %v", frame)
	}
}

func TestRouterErrors(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{})
	conn, transport := accept(t, f.registry, "carol")
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{name: "unparseable", raw: `not json`, code: CodeInvalidFrame},
		{name: "missing type", raw: `{"room":"x"}`, code: CodeInvalidFrame},
		{name: "unknown type", raw: `{"type":"teleport"}`, code: CodeUnknownType},
		{name: "foreign org", raw: `{"type":"join_room","room":"org_acme"}`, code: CodeAccessDenied},
		{name: "admin room", raw: `{"type":"join_room","room":"admin_ops"}`, code: CodeAccessDenied},
		{name: "not a member", raw: `{"type":"send_message","room":"lobby","message":"hi"}`, code: CodeNotMember},
		{name: "free analytics", raw: `{"type":"subscribe_analytics","dashboardId":"d1"}`, code: CodeAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport.reset()
			f.handle(conn, tt.raw)
			frame := transport.last(t)
			if frame["type"] != FrameError || frame["code"] != tt.code {
				t.Fatalf("frame = %v, want error %s", frame, tt.code)
			}
			if _, ok := f.registry.Get(conn.ID); !ok {
				t.Fatalf("connection removed after protocol error")
			}
		})
	}
}

func TestRouterJoinSendLeave(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{})
	alice, ta := accept(t, f.registry, "alice")
	bob, tb := accept(t, f.registry, "bob")
	carol, tc := accept(t, f.registry, "carol")

	for _, conn := range []*Connection{alice, bob, carol} {
		f.handle(conn, `{"type":"join_room","room":"lobby"}`)
	}
	joined := ta.framesOfType(t, FrameRoomJoined)
	if len(joined) != 1 || joined[0]["room"] != "lobby" {
		t.Fatalf("unexpected room_joined frames %v", joined)
	}

	f.handle(alice, `{"type":"send_message","room":"lobby","message":{"text":"hello"}}`)
	if got := ta.framesOfType(t, FrameRoomMessage); len(got) != 0 {
		t.Fatalf("sender received own message")
	}
	for name, transport := range map[string]*fakeTransport{"bob": tb, "carol": tc} {
		got := transport.framesOfType(t, FrameRoomMessage)
		if len(got) != 1 {
			t.Fatalf("%s got %d room messages", name, len(got))
		}
		msg := got[0]
		if msg["messageType"] != DefaultMessageType || msg["room"] != "lobby" {
			t.Fatalf("%s unexpected message %v", name, msg)
		}
		sender, _ := msg["sender"].(map[string]any)
		if sender["id"] != "alice" || sender["name"] != "Alice" || sender["role"] != "user" {
			t.Fatalf("%s unexpected sender %v", name, sender)
		}
		body, _ := msg["message"].(map[string]any)
		if body["text"] != "hello" {
			t.Fatalf("%s unexpected body %v", name, msg["message"])
		}
	}

	f.handle(bob, `{"type":"leave_room","room":"lobby"}`)
	if left := tb.framesOfType(t, FrameRoomLeft); len(left) != 1 {
		t.Fatalf("expected room_left, got %v", left)
	}
	if members := f.registry.Rooms().Members("lobby"); len(members) != 2 {
		t.Fatalf("expected two members after leave, got %v", members)
	}
}

func TestRouterSubscribeAnalytics(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{})
	alice, ta := accept(t, f.registry, "alice")
	accept(t, f.registry, "bob")

	f.handle(alice, `{"type":"subscribe_analytics","dashboardId":"d1","metrics":["views"]}`)
	frame := ta.last(t)
	if frame["type"] != FrameAnalyticsData || frame["dashboardId"] != "d1" {
		t.Fatalf("unexpected frame %v", frame)
	}
	metrics, _ := frame["metrics"].(map[string]any)
	if metrics["activeUsers"] != float64(2) || metrics["timestamp"] == nil {
		t.Fatalf("unexpected metrics %v", metrics)
	}
	if !f.registry.Rooms().IsMember(alice, "analytics_d1") {
		t.Fatalf("subscriber not in analytics room")
	}
}

func TestRouterAnalyticsSourceFailure(t *testing.T) {
	mock := clock.NewMock()
	registry := newTestRegistry(t, RegistryConfig{}, WithClock(mock))
	router := NewRouter(registry, RouterConfig{
		Clock: mock,
		Analytics: AnalyticsSourceFunc(func(context.Context, string, []string) (map[string]any, error) {
			return nil, errors.New("warehouse offline")
		}),
	})
	conn, transport := accept(t, registry, "alice")
	router.Handle(context.Background(), conn, []byte(`{"type":"subscribe_analytics","dashboardId":"d1"}`))
	frame := transport.last(t)
	if frame["type"] != FrameError || frame["code"] != CodeServerError {
		t.Fatalf("unexpected frame %v", frame)
	}
}

func TestRouterAnalyticsLeavesSourceMapUntouched(t *testing.T) {
	mock := clock.NewMock()
	registry := newTestRegistry(t, RegistryConfig{}, WithClock(mock))
	cached := map[string]any{"views": 10}
	router := NewRouter(registry, RouterConfig{
		Clock: mock,
		Analytics: AnalyticsSourceFunc(func(context.Context, string, []string) (map[string]any, error) {
			return cached, nil
		}),
	})
	conn, transport := accept(t, registry, "alice")
	router.Handle(context.Background(), conn, []byte(`{"type":"subscribe_analytics","dashboardId":"d1"}`))
	frame := transport.last(t)
	metrics, _ := frame["metrics"].(map[string]any)
	if metrics["views"] != float64(10) || metrics["timestamp"] == nil {
		t.Fatalf("unexpected metrics %v", metrics)
	}
	if _, ok := cached["timestamp"]; ok || len(cached) != 1 {
		t.Fatalf("source map mutated: %v", cached)
	}
}

func TestRouterUpdatePresence(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{})
	alice, ta := accept(t, f.registry, "alice")
	_, tb := accept(t, f.registry, "bob")
	_, tc := accept(t, f.registry, "carol")

	f.handle(alice, `{"type":"update_presence","status":"away","activity":"lunch"}`)

	stored, ok := f.presence.updates["alice"]
	if !ok || stored.Status != "away" || stored.Activity != "lunch" || !stored.LastSeen.Equal(f.clock.Now()) {
		t.Fatalf("unexpected stored presence %+v", stored)
	}
	// bob shares org_acme with alice, carol shares nothing.
	got := tb.framesOfType(t, FramePresenceUpdate)
	if len(got) != 1 {
		t.Fatalf("bob got %d presence updates", len(got))
	}
	user, _ := got[0]["user"].(map[string]any)
	presence, _ := got[0]["presence"].(map[string]any)
	if user["id"] != "alice" || presence["status"] != "away" || presence["activity"] != "lunch" {
		t.Fatalf("unexpected presence frame %v", got[0])
	}
	if len(tc.framesOfType(t, FramePresenceUpdate)) != 0 {
		t.Fatalf("carol should not see alice's presence")
	}
	if len(ta.framesOfType(t, FramePresenceUpdate)) != 0 {
		t.Fatalf("alice should not receive her own presence update")
	}
}

func TestRouterPresenceStoreFailureSkipsBroadcast(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{})
	f.presence.err = errors.New("store down")
	alice, ta := accept(t, f.registry, "alice")
	_, tb := accept(t, f.registry, "bob")

	f.handle(alice, `{"type":"update_presence","status":"online"}`)
	if frame := ta.last(t); frame["type"] != FrameError {
		t.Fatalf("expected error frame, got %v", frame)
	}
	if len(tb.framesOfType(t, FramePresenceUpdate)) != 0 {
		t.Fatalf("presence broadcast despite store failure")
	}
}

func TestRouterRateLimit(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{RatePerSecond: 0.001, RateBurst: 2})
	conn, transport := accept(t, f.registry, "alice")
	for i := 0; i < 3; i++ {
		f.handle(conn, `{"type":"ping"}`)
	}
	if pongs := transport.framesOfType(t, FramePong); len(pongs) != 2 {
		t.Fatalf("expected 2 pongs within burst, got %d", len(pongs))
	}
	errs := transport.framesOfType(t, FrameError)
	if len(errs) != 1 || errs[0]["code"] != CodeRateLimited {
		t.Fatalf("expected one rate_limited error, got %v", errs)
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	mock := clock.NewMock()
	registry := newTestRegistry(t, RegistryConfig{}, WithClock(mock))
	router := NewRouter(registry, RouterConfig{
		Clock: mock,
		Analytics: AnalyticsSourceFunc(func(context.Context, string, []string) (map[string]any, error) {
			panic("boom")
		}),
	})
	conn, transport := accept(t, registry, "alice")
	router.Handle(context.Background(), conn, []byte(`{"type":"subscribe_analytics","dashboardId":"d1"}`))
	frame := transport.last(t)
	if frame["type"] != FrameError || frame["code"] != CodeServerError {
		t.Fatalf("unexpected frame %v", frame)
	}
}

func TestRouterTouchesActivity(t *testing.T) {
	f := newRouterFixture(t, RegistryConfig{})
	conn, _ := accept(t, f.registry, "alice")
	f.clock.Add(5 * time.Second)
	f.handle(conn, `{"type":"ping"}`)
	if !conn.LastActivity().Equal(f.clock.Now()) {
		t.Fatalf("LastActivity() = %v, want %v", conn.LastActivity(), f.clock.Now())
	}
}
