package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mewayz/fabric/internal/auth"
)

func newWSTestServer(t *testing.T, cfg RegistryConfig, wsCfg WSConfig) (*httptest.Server, *Registry) {
	t.Helper()
	registry := newTestRegistry(t, cfg)
	router := NewRouter(registry, RouterConfig{})
	handler := NewWSHandler(registry, router, wsCfg, nil)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, registry
}

func dial(t *testing.T, server *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestWSHandlerSessionLifecycle(t *testing.T) {
	server, registry := newWSTestServer(t, RegistryConfig{MaxConnections: 10, MaxFrameBytes: 16 * 1024}, WSConfig{MaxFrameBytes: 16 * 1024})

	ws, _, err := dial(t, server, http.Header{"Authorization": []string{"Bearer alice"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if frame := readFrame(t, ws); frame["type"] != FrameConnectionEstablished {
		t.Fatalf("expected connection_established, got %v", frame)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if frame := readFrame(t, ws); frame["type"] != FramePong {
		t.Fatalf("expected pong, got %v", frame)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	if frame := readFrame(t, ws); frame["type"] != FrameError || frame["code"] != CodeUnknownType {
		t.Fatalf("expected unknown_type error, got %v", frame)
	}

	ws.Close()
	waitFor(t, func() bool { return registry.Count() == 0 })
}

func TestWSHandlerRejectsMissingCredential(t *testing.T) {
	server, registry := newWSTestServer(t, RegistryConfig{}, WSConfig{})

	ws, _, err := dial(t, server, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008, got %v", err)
	}
	if registry.Count() != 0 {
		t.Fatalf("unauthenticated connection registered")
	}
}

func TestWSHandlerRejectsAtCapacity(t *testing.T) {
	server, _ := newWSTestServer(t, RegistryConfig{MaxConnections: 1}, WSConfig{})

	first, _, err := dial(t, server, http.Header{"Authorization": []string{"Bearer alice"}})
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	readFrame(t, first)

	second, _, err := dial(t, server, http.Header{"Authorization": []string{"Bearer bob"}})
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected close 1013, got %v", err)
	}
}

func TestWSHandlerQueryTokenIsOptIn(t *testing.T) {
	server, _ := newWSTestServer(t, RegistryConfig{}, WSConfig{Credentials: auth.ExtractOptions{AllowQuery: true}})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=carol"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if frame := readFrame(t, ws); frame["type"] != FrameConnectionEstablished {
		t.Fatalf("expected connection_established, got %v", frame)
	}
}

func TestWSHandlerOriginCheck(t *testing.T) {
	server, _ := newWSTestServer(t, RegistryConfig{}, WSConfig{AllowedOrigins: []string{"https://app.example.com"}})

	_, resp, err := dial(t, server, http.Header{
		"Authorization": []string{"Bearer alice"},
		"Origin":        []string{"https://evil.example.com"},
	})
	if err == nil {
		t.Fatalf("expected handshake failure for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	ws, _, err := dial(t, server, http.Header{
		"Authorization": []string{"Bearer alice"},
		"Origin":        []string{"https://app.example.com"},
	})
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	ws.Close()
}

func TestHTTPServerHealthz(t *testing.T) {
	registry := newTestRegistry(t, RegistryConfig{})
	accept(t, registry, "alice")
	srv := NewHTTPServer(HTTPConfig{Addr: "127.0.0.1:0"}, http.NotFoundHandler(), nil, prometheus.NewRegistry(), registry, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["connections"] != float64(1) {
		t.Fatalf("unexpected body %v", body)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
