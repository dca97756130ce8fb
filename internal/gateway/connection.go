package gateway

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mewayz/fabric/pkg/models"
)

// Metadata describes where a connection came from.
type Metadata struct {
	RemoteAddr string
	UserAgent  string
}

// Connection is one authenticated client. The user is fixed at accept time.
type Connection struct {
	ID          string
	User        *models.User
	Metadata    Metadata
	ConnectedAt time.Time

	transport    Transport
	limiter      *rate.Limiter
	alive        atomic.Bool
	lastActivity atomic.Int64

	// Guarded by RoomRegistry.mu.
	rooms    map[string]struct{}
	detached bool
}

func newConnection(id string, user *models.User, meta Metadata, transport Transport, limiter *rate.Limiter, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		User:        user,
		Metadata:    meta,
		ConnectedAt: now,
		transport:   transport,
		limiter:     limiter,
		rooms:       make(map[string]struct{}),
	}
	c.alive.Store(true)
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Alive reports whether the connection answered the last liveness probe.
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// LastActivity is the time of the last inbound frame or pong.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// allow consumes one token from the inbound rate limiter.
func (c *Connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Rooms          []string  `json:"rooms"`
	Alive          bool      `json:"alive"`
	RemoteAddr     string    `json:"remoteAddr,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivity   time.Time `json:"lastActivity"`
}
