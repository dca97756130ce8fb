package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mewayz/fabric/pkg/models"
)

// Inbound frame types.
const (
	FramePing               = "ping"
	FrameJoinRoom           = "join_room"
	FrameLeaveRoom          = "leave_room"
	FrameSendMessage        = "send_message"
	FrameSubscribeAnalytics = "subscribe_analytics"
	FrameUpdatePresence     = "update_presence"
)

// Outbound frame types.
const (
	FrameConnectionEstablished = "connection_established"
	FramePong                  = "pong"
	FrameRoomJoined            = "room_joined"
	FrameRoomLeft              = "room_left"
	FrameRoomMessage           = "room_message"
	FramePresenceUpdate        = "presence_update"
	FrameAnalyticsData         = "analytics_data"
	FrameError                 = "error"
)

// DefaultMessageType is used for send_message frames that omit messageType.
const DefaultMessageType = "chat"

// InboundFrame is one of the typed client frames produced by DecodeFrame.
type InboundFrame interface {
	Kind() string
}

type PingFrame struct{}

func (PingFrame) Kind() string { return FramePing }

type JoinRoomFrame struct {
	Room        string   `json:"room"`
	Permissions []string `json:"permissions,omitempty"`
}

func (JoinRoomFrame) Kind() string { return FrameJoinRoom }

type LeaveRoomFrame struct {
	Room string `json:"room"`
}

func (LeaveRoomFrame) Kind() string { return FrameLeaveRoom }

type SendMessageFrame struct {
	Room        string          `json:"room"`
	Message     json.RawMessage `json:"message"`
	MessageType string          `json:"messageType,omitempty"`
}

func (SendMessageFrame) Kind() string { return FrameSendMessage }

type SubscribeAnalyticsFrame struct {
	DashboardID string   `json:"dashboardId"`
	Metrics     []string `json:"metrics,omitempty"`
}

func (SubscribeAnalyticsFrame) Kind() string { return FrameSubscribeAnalytics }

type UpdatePresenceFrame struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
}

func (UpdatePresenceFrame) Kind() string { return FrameUpdatePresence }

// UnknownFrame carries a well-formed frame whose type has no handler.
type UnknownFrame struct {
	Type string
}

func (f UnknownFrame) Kind() string { return f.Type }

type frameDecoder func(raw []byte) (InboundFrame, error)

var frameDecoders = map[string]frameDecoder{
	FramePing:               func([]byte) (InboundFrame, error) { return PingFrame{}, nil },
	FrameJoinRoom:           decodeInto[JoinRoomFrame],
	FrameLeaveRoom:          decodeInto[LeaveRoomFrame],
	FrameSendMessage:        decodeInto[SendMessageFrame],
	FrameSubscribeAnalytics: decodeInto[SubscribeAnalyticsFrame],
	FrameUpdatePresence:     decodeInto[UpdatePresenceFrame],
}

func decodeInto[T InboundFrame](raw []byte) (InboundFrame, error) {
	var frame T
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// DecodeFrame parses a client frame. Malformed or schema-invalid input yields
// a *ProtocolError with CodeInvalidFrame; a valid envelope with an unhandled
// type yields UnknownFrame.
func DecodeFrame(raw []byte) (InboundFrame, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, protocolError(CodeInvalidFrame, "Invalid message format", err)
	}
	kind, _ := doc["type"].(string)
	if strings.TrimSpace(kind) == "" {
		return nil, protocolError(CodeInvalidFrame, "Message type required", nil)
	}

	decode, ok := frameDecoders[kind]
	if !ok {
		return UnknownFrame{Type: kind}, nil
	}
	if err := validateFrame(kind, doc); err != nil {
		return nil, protocolError(CodeInvalidFrame, "Invalid "+kind+" frame", err)
	}
	frame, err := decode(raw)
	if err != nil {
		return nil, protocolError(CodeInvalidFrame, "Invalid "+kind+" frame", err)
	}
	return frame, nil
}

// Envelope is embedded by every outbound frame.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// FrameType reports the frame kind for logging and drop accounting.
func (e Envelope) FrameType() string { return e.Type }

func envelope(kind string, now time.Time) Envelope {
	return Envelope{Type: kind, Timestamp: now.UTC()}
}

type ConnectionEstablishedFrame struct {
	Envelope
	ConnectionID string            `json:"connectionId"`
	User         models.PublicUser `json:"user"`
	ServerTime   time.Time         `json:"serverTime"`
}

type PongFrame struct {
	Envelope
}

type RoomJoinedFrame struct {
	Envelope
	Room string `json:"room"`
}

type RoomLeftFrame struct {
	Envelope
	Room string `json:"room"`
}

// Sender identifies the author of a room message.
type Sender struct {
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
	Role models.Role `json:"role,omitempty"`
}

type RoomMessageFrame struct {
	Envelope
	Room        string          `json:"room"`
	MessageType string          `json:"messageType"`
	Message     json.RawMessage `json:"message"`
	Sender      Sender          `json:"sender"`
}

type PresenceUser struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type PresenceState struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
}

type PresenceUpdateFrame struct {
	Envelope
	User     PresenceUser  `json:"user"`
	Presence PresenceState `json:"presence"`
}

type AnalyticsDataFrame struct {
	Envelope
	DashboardID string         `json:"dashboardId"`
	Metrics     map[string]any `json:"metrics"`
}

type ErrorFrame struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

// frameKind returns the type of an outbound frame, or "unknown".
func frameKind(frame any) string {
	if typed, ok := frame.(interface{ FrameType() string }); ok {
		if kind := typed.FrameType(); kind != "" {
			return kind
		}
	}
	return "unknown"
}
