package gateway

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mewayz/fabric/internal/observability"
)

// deliverer queues encoded frames on connections by id.
type deliverer interface {
	deliver(id string, data []byte, kind string) bool
	dropped(event DropEvent)
}

// RoomRegistry maps room names to member connection ids. Its mutex also
// guards every connection's room set, so both sides change together.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}

	policy  AccessPolicy
	sink    deliverer
	logger  *slog.Logger
	metrics *observability.Metrics
}

func newRoomRegistry(policy AccessPolicy, sink deliverer, logger *slog.Logger, metrics *observability.Metrics) *RoomRegistry {
	if policy == nil {
		policy = DefaultAccessPolicy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomRegistry{
		rooms:   make(map[string]map[string]struct{}),
		policy:  policy,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
}

// Join adds conn to room if the access policy allows it.
func (r *RoomRegistry) Join(conn *Connection, room string) error {
	if conn == nil || strings.TrimSpace(room) == "" {
		return ErrAccessDenied
	}
	if !r.policy.CanJoin(conn.User, room) {
		return ErrAccessDenied
	}
	return r.join(conn, room)
}

// join skips the access policy. Used for the rooms a connection is entitled
// to on accept.
func (r *RoomRegistry) join(conn *Connection, room string) error {
	r.mu.Lock()
	if conn.detached {
		r.mu.Unlock()
		return ErrConnectionClosed
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[conn.ID] = struct{}{}
	conn.rooms[room] = struct{}{}
	count := len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetRooms(count)
	return nil
}

// Leave removes conn from room. It reports whether conn was a member.
func (r *RoomRegistry) Leave(conn *Connection, room string) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	if _, ok := conn.rooms[room]; !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(conn, room)
	count := len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetRooms(count)
	return true
}

// LeaveAll removes conn from every room and detaches it; later joins fail
// with ErrConnectionClosed. It returns the rooms that were left.
func (r *RoomRegistry) LeaveAll(conn *Connection) []string {
	if conn == nil {
		return nil
	}
	r.mu.Lock()
	conn.detached = true
	left := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		left = append(left, room)
	}
	for _, room := range left {
		r.removeLocked(conn, room)
	}
	count := len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetRooms(count)
	sort.Strings(left)
	return left
}

func (r *RoomRegistry) removeLocked(conn *Connection, room string) {
	delete(conn.rooms, room)
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, conn.ID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// IsMember reports whether conn has joined room.
func (r *RoomRegistry) IsMember(conn *Connection, room string) bool {
	if conn == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := conn.rooms[room]
	return ok
}

// RoomsOf returns the rooms conn has joined, sorted.
func (r *RoomRegistry) RoomsOf(conn *Connection) []string {
	if conn == nil {
		return nil
	}
	r.mu.RLock()
	rooms := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Members returns the connection ids in room, sorted. A missing room has no members.
func (r *RoomRegistry) Members(room string) []string {
	r.mu.RLock()
	members := r.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of non-empty rooms.
func (r *RoomRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// RoomStats summarizes room occupancy.
type RoomStats struct {
	Rooms       int            `json:"rooms"`
	Memberships int            `json:"memberships"`
	Members     map[string]int `json:"members"`
}

func (r *RoomRegistry) Stats() RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RoomStats{Rooms: len(r.rooms), Members: make(map[string]int, len(r.rooms))}
	for room, members := range r.rooms {
		stats.Members[room] = len(members)
		stats.Memberships += len(members)
	}
	return stats
}

// Broadcast sends frame to every member of room except excludeID and returns
// how many members it was queued for. A missing room is a no-op.
func (r *RoomRegistry) Broadcast(room string, frame any, excludeID string) int {
	r.mu.RLock()
	members := r.rooms[room]
	targets := make([]string, 0, len(members))
	for id := range members {
		if id != excludeID {
			targets = append(targets, id)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.metrics.Broadcast(0)
		return 0
	}

	kind := frameKind(frame)
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("encode broadcast frame", "room", room, "type", kind, "error", err)
		for _, id := range targets {
			r.sink.dropped(DropEvent{ConnectionID: id, FrameType: kind, Reason: DropEncodeError, Room: room})
		}
		return 0
	}

	sent := 0
	for _, id := range targets {
		if r.sink.deliver(id, data, kind) {
			sent++
		}
	}
	r.metrics.Broadcast(sent)
	return sent
}
