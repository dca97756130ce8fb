package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/benbjohnson/clock"

	"github.com/mewayz/fabric/internal/observability"
	"github.com/mewayz/fabric/internal/storage"
	"github.com/mewayz/fabric/pkg/models"
)

// AnalyticsSource produces dashboard metrics for subscribe_analytics.
type AnalyticsSource interface {
	Metrics(ctx context.Context, dashboardID string, requested []string) (map[string]any, error)
}

// AnalyticsSourceFunc adapts a function to AnalyticsSource.
type AnalyticsSourceFunc func(ctx context.Context, dashboardID string, requested []string) (map[string]any, error)

func (f AnalyticsSourceFunc) Metrics(ctx context.Context, dashboardID string, requested []string) (map[string]any, error) {
	return f(ctx, dashboardID, requested)
}

// LiveAnalytics reports the number of connected users.
func LiveAnalytics(registry *Registry) AnalyticsSource {
	return AnalyticsSourceFunc(func(context.Context, string, []string) (map[string]any, error) {
		return map[string]any{"activeUsers": registry.Count()}, nil
	})
}

// RouterConfig wires the router's collaborators. Presence and Analytics are
// optional; without Presence, updates are broadcast but not stored.
type RouterConfig struct {
	Presence  storage.PresenceStore
	Analytics AnalyticsSource
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Clock     clock.Clock
}

// Router handles inbound frames for registered connections.
type Router struct {
	registry  *Registry
	rooms     *RoomRegistry
	presence  storage.PresenceStore
	analytics AnalyticsSource
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clock.Clock
}

func NewRouter(registry *Registry, cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	analytics := cfg.Analytics
	if analytics == nil {
		analytics = LiveAnalytics(registry)
	}
	return &Router{
		registry:  registry,
		rooms:     registry.Rooms(),
		presence:  cfg.Presence,
		analytics: analytics,
		logger:    logger.With("component", "router"),
		metrics:   cfg.Metrics,
		clock:     clk,
	}
}

// Handle processes one raw frame from conn. Errors are reported to the client
// as error frames; the connection is never closed here.
func (rt *Router) Handle(ctx context.Context, conn *Connection, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("frame handler panic",
				"connection_id", conn.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			rt.sendError(conn, protocolError(CodeServerError, "Internal error", nil))
		}
	}()

	rt.registry.Touch(conn.ID)
	if !conn.allow() {
		rt.sendError(conn, protocolError(CodeRateLimited, "Too many messages", nil))
		return
	}

	frame, err := DecodeFrame(raw)
	if err != nil {
		rt.metrics.FrameReceived("invalid")
		rt.fail(conn, err)
		return
	}
	rt.metrics.FrameReceived(metricKind(frame))

	if err := rt.dispatch(ctx, conn, frame); err != nil {
		rt.fail(conn, err)
	}
}

func metricKind(frame InboundFrame) string {
	if _, ok := frame.(UnknownFrame); ok {
		return "unknown"
	}
	return frame.Kind()
}

func (rt *Router) dispatch(ctx context.Context, conn *Connection, frame InboundFrame) error {
	switch f := frame.(type) {
	case PingFrame:
		rt.registry.Send(conn.ID, PongFrame{Envelope: rt.envelope(FramePong)})
		return nil
	case JoinRoomFrame:
		return rt.joinRoom(conn, f)
	case LeaveRoomFrame:
		return rt.leaveRoom(conn, f)
	case SendMessageFrame:
		return rt.sendMessage(conn, f)
	case SubscribeAnalyticsFrame:
		return rt.subscribeAnalytics(ctx, conn, f)
	case UpdatePresenceFrame:
		return rt.updatePresence(ctx, conn, f)
	case UnknownFrame:
		return protocolError(CodeUnknownType, "Unknown message type: "+f.Type, nil)
	default:
		return protocolError(CodeUnknownType, "Unknown message type: "+frame.Kind(), nil)
	}
}

func (rt *Router) joinRoom(conn *Connection, f JoinRoomFrame) error {
	if err := rt.rooms.Join(conn, f.Room); err != nil {
		if errors.Is(err, ErrAccessDenied) {
			return protocolError(CodeAccessDenied, "Access denied to room", err)
		}
		return err
	}
	rt.logger.Debug("room joined", "connection_id", conn.ID, "room", f.Room)
	rt.registry.Send(conn.ID, RoomJoinedFrame{Envelope: rt.envelope(FrameRoomJoined), Room: f.Room})
	return nil
}

func (rt *Router) leaveRoom(conn *Connection, f LeaveRoomFrame) error {
	rt.rooms.Leave(conn, f.Room)
	rt.registry.Send(conn.ID, RoomLeftFrame{Envelope: rt.envelope(FrameRoomLeft), Room: f.Room})
	return nil
}

func (rt *Router) sendMessage(conn *Connection, f SendMessageFrame) error {
	if !rt.rooms.IsMember(conn, f.Room) {
		return protocolError(CodeNotMember, "Not a member of this room", ErrNotMember)
	}
	messageType := f.MessageType
	if messageType == "" {
		messageType = DefaultMessageType
	}
	rt.rooms.Broadcast(f.Room, RoomMessageFrame{
		Envelope:    rt.envelope(FrameRoomMessage),
		Room:        f.Room,
		MessageType: messageType,
		Message:     f.Message,
		Sender: Sender{
			ID:   conn.User.ID,
			Name: conn.User.Name,
			Role: conn.User.Role,
		},
	}, conn.ID)
	return nil
}

func (rt *Router) subscribeAnalytics(ctx context.Context, conn *Connection, f SubscribeAnalyticsFrame) error {
	if !CanViewAnalytics(conn.User) {
		return protocolError(CodeAccessDenied, "Analytics access requires a paid plan", ErrAccessDenied)
	}
	if err := rt.rooms.Join(conn, AnalyticsRoom(f.DashboardID)); err != nil {
		if errors.Is(err, ErrAccessDenied) {
			return protocolError(CodeAccessDenied, "Access denied to dashboard", err)
		}
		return err
	}

	metrics, err := rt.analytics.Metrics(ctx, f.DashboardID, f.Metrics)
	if err != nil {
		return fmt.Errorf("analytics for %s: %w", f.DashboardID, err)
	}
	now := rt.clock.Now().UTC()
	payload := make(map[string]any, len(metrics)+1)
	for k, v := range metrics {
		payload[k] = v
	}
	payload["timestamp"] = now
	rt.registry.Send(conn.ID, AnalyticsDataFrame{
		Envelope:    envelope(FrameAnalyticsData, now),
		DashboardID: f.DashboardID,
		Metrics:     payload,
	})
	return nil
}

func (rt *Router) updatePresence(ctx context.Context, conn *Connection, f UpdatePresenceFrame) error {
	now := rt.clock.Now().UTC()
	if rt.presence != nil {
		err := rt.presence.UpdatePresence(ctx, conn.User.ID, models.Presence{
			Status:   f.Status,
			Activity: f.Activity,
			LastSeen: now,
		})
		if err != nil {
			rt.logger.Error("update presence", "user_id", conn.User.ID, "error", err)
			return protocolError(CodeServerError, "Failed to update presence", err)
		}
	}

	frame := PresenceUpdateFrame{
		Envelope: envelope(FramePresenceUpdate, now),
		User:     PresenceUser{ID: conn.User.ID, Name: conn.User.Name},
		Presence: PresenceState{Status: f.Status, Activity: f.Activity},
	}
	for _, room := range rt.rooms.RoomsOf(conn) {
		rt.rooms.Broadcast(room, frame, conn.ID)
	}
	return nil
}

func (rt *Router) fail(conn *Connection, err error) {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		rt.logger.Error("frame handling failed", "connection_id", conn.ID, "error", err)
		perr = protocolError(CodeServerError, "Internal error", err)
	}
	rt.sendError(conn, perr)
}

func (rt *Router) sendError(conn *Connection, perr *ProtocolError) {
	rt.metrics.FrameError(perr.Code)
	rt.registry.Send(conn.ID, ErrorFrame{
		Envelope: rt.envelope(FrameError),
		Code:     perr.Code,
		Message:  perr.Message,
	})
}

func (rt *Router) envelope(kind string) Envelope {
	return envelope(kind, rt.clock.Now())
}
