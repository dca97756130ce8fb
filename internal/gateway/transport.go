package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to clients.
const (
	CloseServerShutdown = websocket.CloseGoingAway         // 1001
	CloseAuthentication = websocket.ClosePolicyViolation   // 1008
	CloseServerError    = websocket.CloseInternalServerErr // 1011
	CloseCapacity       = websocket.CloseTryAgainLater     // 1013
)

var (
	ErrNotWritable   = errors.New("transport not writable")
	ErrBufferFull    = errors.New("send buffer full")
	ErrFrameTooLarge = errors.New("payload too large")
)

// Transport is the write side of one client connection. Send must not
// block; implementations queue the frame or fail fast.
type Transport interface {
	Send(data []byte) error
	Ping() error
	Close(code int, reason string) error
	Terminate() error
	Writable() bool
}

// wsTransport adapts a gorilla connection. Frames are queued on send and
// written by a single writer goroutine.
type wsTransport struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	maxFrame     int
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, buffer, maxFrame int, writeTimeout time.Duration) *wsTransport {
	if buffer < 1 {
		buffer = 1
	}
	t := &wsTransport{
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
	}
	go t.writeLoop()
	return t
}

func (t *wsTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)) //nolint:errcheck
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = t.Terminate()
				return
			}
		}
	}
}

func (t *wsTransport) Send(data []byte) error {
	if t.closed.Load() {
		return ErrNotWritable
	}
	if t.maxFrame > 0 && len(data) > t.maxFrame {
		return ErrFrameTooLarge
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (t *wsTransport) Ping() error {
	if t.closed.Load() {
		return ErrNotWritable
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close sends a close frame with code and reason, then releases the socket.
func (t *wsTransport) Close(code int, reason string) error {
	if t.closed.Load() {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout)) //nolint:errcheck
	return t.Terminate()
}

// Terminate drops the socket without a close handshake.
func (t *wsTransport) Terminate() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) Writable() bool {
	return !t.closed.Load()
}
