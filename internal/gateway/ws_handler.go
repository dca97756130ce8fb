package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mewayz/fabric/internal/auth"
)

// WSConfig configures the websocket endpoint.
type WSConfig struct {
	SendBuffer     int
	MaxFrameBytes  int
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Credentials    auth.ExtractOptions
}

// WSHandler upgrades HTTP requests and runs one connection per request.
type WSHandler struct {
	registry *Registry
	router   *Router
	cfg      WSConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(registry *Registry, router *Router, cfg WSConfig, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h := &WSHandler{
		registry: registry,
		router:   router,
		cfg:      cfg,
		logger:   logger.With("component", "ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred, _ := auth.ExtractCredential(r, h.cfg.Credentials)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	transport := newWSTransport(ws, h.cfg.SendBuffer, h.cfg.MaxFrameBytes, h.cfg.WriteTimeout)

	conn, err := h.registry.Accept(r.Context(), transport, cred, Metadata{
		RemoteAddr: clientAddr(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		return
	}
	defer func() {
		h.registry.Remove(conn.ID)
		_ = transport.Terminate()
	}()

	if h.cfg.MaxFrameBytes > 0 {
		ws.SetReadLimit(int64(h.cfg.MaxFrameBytes))
	}
	ws.SetPongHandler(func(string) error {
		h.registry.MarkAlive(conn.ID)
		return nil
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read error", "connection_id", conn.ID, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.router.Handle(r.Context(), conn, data)
	}
}

func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, _ := strings.Cut(forwarded, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	return r.RemoteAddr
}
