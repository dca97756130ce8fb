package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mewayz/fabric/internal/auth"
	"github.com/mewayz/fabric/pkg/models"
)

type fakeTransport struct {
	mu          sync.Mutex
	sent        [][]byte
	sendErr     error
	closeCode   int
	closeReason string
	terminated  bool
	pings       int
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return ErrNotWritable
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	f.closeReason = reason
	f.terminated = true
	return nil
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeTransport) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.terminated
}

func (f *fakeTransport) frames(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("sent frame is not JSON: %v", err)
		}
		out = append(out, frame)
	}
	return out
}

func (f *fakeTransport) framesOfType(t *testing.T, kind string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range f.frames(t) {
		if frame["type"] == kind {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeTransport) last(t *testing.T) map[string]any {
	t.Helper()
	frames := f.frames(t)
	if len(frames) == 0 {
		t.Fatalf("no frames sent")
	}
	return frames[len(frames)-1]
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type stubVerifier struct {
	users map[string]*models.User
	err   error
	calls atomic.Int32
}

func (s *stubVerifier) Verify(_ context.Context, cred auth.Credential) (*models.User, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if cred.Token == "" {
		return nil, auth.ErrMissingCredential
	}
	user, ok := s.users[cred.Token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return user, nil
}

var (
	userAlice = &models.User{ID: "alice", Name: "Alice", Role: models.RoleUser, Plan: models.PlanPro, OrganizationID: "acme"}
	userBob   = &models.User{ID: "bob", Name: "Bob", Role: models.RoleUser, Plan: models.PlanFree, OrganizationID: "acme"}
	userCarol = &models.User{ID: "carol", Name: "Carol", Role: models.RoleUser, Plan: models.PlanFree, OrganizationID: "globex"}
	userAdmin = &models.User{ID: "root", Name: "Root", Role: models.RoleAdmin, Plan: models.PlanFree, OrganizationID: "globex"}
)

func newStubVerifier() *stubVerifier {
	return &stubVerifier{users: map[string]*models.User{
		"alice": userAlice,
		"bob":   userBob,
		"carol": userCarol,
		"root":  userAdmin,
	}}
}

func newTestRegistry(t *testing.T, cfg RegistryConfig, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(cfg, newStubVerifier(), opts...)
}

func accept(t *testing.T, r *Registry, token string) (*Connection, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	conn, err := r.Accept(context.Background(), transport, auth.Credential{Token: token, Source: auth.SourceBearer}, Metadata{RemoteAddr: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("Accept(%q) error = %v", token, err)
	}
	return conn, transport
}
