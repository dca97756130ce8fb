package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mewayz/fabric/internal/auth"
	"github.com/mewayz/fabric/internal/observability"
	"github.com/mewayz/fabric/pkg/models"
)

// Verifier turns a raw credential into a user.
type Verifier interface {
	Verify(ctx context.Context, cred auth.Credential) (*models.User, error)
}

// DropReason explains why an outbound frame was not queued.
type DropReason string

const (
	DropNotFound    DropReason = "not_found"
	DropNotWritable DropReason = "not_writable"
	DropTooLarge    DropReason = "too_large"
	DropBufferFull  DropReason = "buffer_full"
	DropEncodeError DropReason = "encode_error"
)

// DropEvent describes one dropped outbound frame.
type DropEvent struct {
	ConnectionID string
	FrameType    string
	Reason       DropReason
	Room         string
}

// RegistryConfig bounds the connection registry.
type RegistryConfig struct {
	// MaxConnections caps live connections. Zero means unlimited.
	MaxConnections int
	// MaxFrameBytes caps encoded outbound frames. Zero means unlimited.
	MaxFrameBytes int
	// AuthTimeout bounds credential verification. Defaults to 10s.
	AuthTimeout time.Duration
	// RatePerSecond and RateBurst configure the per-connection inbound limiter.
	// A non-positive rate disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Option customizes a Registry.
type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = metrics }
}

func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		if clk != nil {
			r.clock = clk
		}
	}
}

func WithAccessPolicy(policy AccessPolicy) Option {
	return func(r *Registry) { r.policy = policy }
}

// WithDropHook registers a callback invoked for every dropped frame.
func WithDropHook(hook func(DropEvent)) Option {
	return func(r *Registry) { r.onDrop = hook }
}

// Registry owns the live connections and their room memberships.
type Registry struct {
	cfg      RegistryConfig
	verifier Verifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clock.Clock
	policy   AccessPolicy
	onDrop   func(DropEvent)
	rooms    *RoomRegistry

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates a connection registry backed by verifier.
func NewRegistry(cfg RegistryConfig, verifier Verifier, opts ...Option) *Registry {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	r := &Registry{
		cfg:      cfg,
		verifier: verifier,
		logger:   slog.Default(),
		clock:    clock.New(),
		conns:    make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "gateway")
	r.rooms = newRoomRegistry(r.policy, r, r.logger, r.metrics)
	return r
}

// Rooms returns the room registry.
func (r *Registry) Rooms() *RoomRegistry {
	return r.rooms
}

// Accept authenticates a new transport and registers it. On rejection the
// transport is closed with the matching close code.
func (r *Registry) Accept(ctx context.Context, transport Transport, cred auth.Credential, meta Metadata) (*Connection, error) {
	if r.atCapacity() {
		r.reject(transport, CloseCapacity, "Server capacity reached", "rejected_capacity")
		return nil, ErrCapacity
	}

	verifyCtx, cancel := context.WithTimeout(ctx, r.cfg.AuthTimeout)
	user, err := r.verifier.Verify(verifyCtx, cred)
	cancel()
	if err != nil {
		if auth.IsAuthError(err) {
			r.logger.Info("connection rejected", "reason", err.Error(), "remote_addr", meta.RemoteAddr)
			r.reject(transport, CloseAuthentication, "Authentication required", "rejected_auth")
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		r.logger.Error("credential verification failed", "error", err, "remote_addr", meta.RemoteAddr)
		r.reject(transport, CloseServerError, "Server error", "server_error")
		return nil, fmt.Errorf("%w: %w", ErrServerFault, err)
	}
	if user == nil {
		r.reject(transport, CloseAuthentication, "Authentication required", "rejected_auth")
		return nil, ErrAuthentication
	}

	var limiter *rate.Limiter
	if r.cfg.RatePerSecond > 0 {
		burst := r.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), burst)
	}
	now := r.clock.Now()
	conn := newConnection(uuid.NewString(), user, meta, transport, limiter, now)

	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.reject(transport, CloseCapacity, "Server capacity reached", "rejected_capacity")
		return nil, ErrCapacity
	}
	r.conns[conn.ID] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.ConnectionAttempt("accepted")
	r.metrics.SetConnections(count)

	entitled := []string{UserRoom(user.ID)}
	if user.OrganizationID != "" {
		entitled = append(entitled, OrganizationRoom(user.OrganizationID))
	}
	for _, room := range entitled {
		if err := r.rooms.join(conn, room); err != nil {
			// Removed concurrently, e.g. by Shutdown.
			r.Remove(conn.ID)
			return nil, err
		}
	}

	r.Send(conn.ID, ConnectionEstablishedFrame{
		Envelope:     envelope(FrameConnectionEstablished, now),
		ConnectionID: conn.ID,
		User:         user.Public(),
		ServerTime:   now.UTC(),
	})
	r.logger.Info("connection accepted",
		"connection_id", conn.ID,
		"user_id", user.ID,
		"organization_id", user.OrganizationID,
		"remote_addr", meta.RemoteAddr,
	)
	return conn, nil
}

func (r *Registry) atCapacity() bool {
	if r.cfg.MaxConnections <= 0 {
		return false
	}
	return r.Count() >= r.cfg.MaxConnections
}

func (r *Registry) reject(transport Transport, code int, reason, outcome string) {
	r.metrics.ConnectionAttempt(outcome)
	if transport == nil {
		return
	}
	if err := transport.Close(code, reason); err != nil {
		r.logger.Debug("close rejected transport", "error", err)
	}
}

// Remove unregisters a connection and leaves all its rooms. It reports
// whether the connection was registered; repeated calls are no-ops.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	count := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return false
	}

	rooms := r.rooms.LeaveAll(conn)
	r.metrics.SetConnections(count)
	r.logger.Info("connection removed",
		"connection_id", id,
		"user_id", conn.User.ID,
		"rooms", len(rooms),
		"duration", r.clock.Since(conn.ConnectedAt).String(),
	)
	return true
}

// Get returns a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// MarkAlive records a heartbeat response.
func (r *Registry) MarkAlive(id string) {
	if conn, ok := r.Get(id); ok {
		conn.alive.Store(true)
		conn.touch(r.clock.Now())
	}
}

// Touch records inbound activity.
func (r *Registry) Touch(id string) {
	if conn, ok := r.Get(id); ok {
		conn.touch(r.clock.Now())
	}
}

// Snapshot returns a view of every connection, ordered by connect time.
func (r *Registry) Snapshot() []ConnectionInfo {
	conns := r.connections()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, ConnectionInfo{
			ID:             conn.ID,
			UserID:         conn.User.ID,
			OrganizationID: conn.User.OrganizationID,
			Rooms:          r.rooms.RoomsOf(conn),
			Alive:          conn.Alive(),
			RemoteAddr:     conn.Metadata.RemoteAddr,
			UserAgent:      conn.Metadata.UserAgent,
			ConnectedAt:    conn.ConnectedAt,
			LastActivity:   conn.LastActivity(),
		})
	}
	return infos
}

func (r *Registry) connections() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	return conns
}

// Send encodes frame and queues it on connection id. Failures are recorded
// as drops; the caller is never blocked or handed an error. It reports
// whether the frame was queued.
func (r *Registry) Send(id string, frame any) bool {
	kind := frameKind(frame)
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("encode frame", "connection_id", id, "type", kind, "error", err)
		r.dropped(DropEvent{ConnectionID: id, FrameType: kind, Reason: DropEncodeError})
		return false
	}
	return r.deliver(id, data, kind)
}

// PublishToRoom broadcasts frame to every member of room and returns the
// number of connections it was queued for.
func (r *Registry) PublishToRoom(room string, frame any) int {
	return r.rooms.Broadcast(room, frame, "")
}

func (r *Registry) deliver(id string, data []byte, kind string) bool {
	conn, _ := r.Get(id)
	reason := dropReason(conn, len(data), r.cfg.MaxFrameBytes)
	if reason == "" {
		if err := conn.transport.Send(data); err != nil {
			reason = sendErrorReason(err)
		}
	}
	if reason != "" {
		r.dropped(DropEvent{ConnectionID: id, FrameType: kind, Reason: reason})
		return false
	}
	return true
}

// dropReason decides, before touching the transport, whether a frame of
// size bytes must be dropped for conn. An empty result means send.
func dropReason(conn *Connection, size, limit int) DropReason {
	switch {
	case conn == nil:
		return DropNotFound
	case conn.transport == nil || !conn.transport.Writable():
		return DropNotWritable
	case limit > 0 && size > limit:
		return DropTooLarge
	default:
		return ""
	}
}

func sendErrorReason(err error) DropReason {
	switch {
	case errors.Is(err, ErrBufferFull):
		return DropBufferFull
	case errors.Is(err, ErrFrameTooLarge):
		return DropTooLarge
	default:
		return DropNotWritable
	}
}

func (r *Registry) dropped(event DropEvent) {
	r.metrics.FrameDropped(string(event.Reason))
	r.logger.Warn("frame dropped",
		"connection_id", event.ConnectionID,
		"type", event.FrameType,
		"reason", string(event.Reason),
	)
	if r.onDrop != nil {
		r.onDrop(event)
	}
}

// Shutdown closes every connection with a going-away code and clears all
// rooms. Once ctx is done the remaining transports are terminated without a
// close frame.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	r.metrics.SetConnections(0)
	for _, conn := range conns {
		r.rooms.LeaveAll(conn)
		if ctx.Err() != nil {
			_ = conn.transport.Terminate()
			continue
		}
		if err := conn.transport.Close(CloseServerShutdown, "Server shutdown"); err != nil {
			r.logger.Debug("close on shutdown", "connection_id", conn.ID, "error", err)
		}
	}
	r.logger.Info("gateway connections closed", "count", len(conns))
	return ctx.Err()
}
