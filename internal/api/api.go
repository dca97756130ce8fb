// Package api exposes the notification dispatcher over HTTP under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mewayz/fabric/internal/auth"
	"github.com/mewayz/fabric/internal/notify"
	"github.com/mewayz/fabric/internal/observability"
	"github.com/mewayz/fabric/internal/storage"
	"github.com/mewayz/fabric/pkg/models"
)

// Prefix is the mount point of every route.
const Prefix = "/api/v1"

const defaultMaxBodyBytes = 1 << 20

// Notifications is the dispatcher surface served by the API.
type Notifications interface {
	Dispatch(ctx context.Context, req models.NotificationRequest) (*notify.Result, error)
	BulkDispatch(ctx context.Context, reqs []models.NotificationRequest) *notify.BulkResult
	OrganizationDispatch(ctx context.Context, orgID string, tmpl models.NotificationRequest) (*notify.BulkResult, error)
	RoleDispatch(ctx context.Context, role models.Role, tmpl models.NotificationRequest, orgID string) (*notify.BulkResult, error)
	MarkAsRead(ctx context.Context, notificationID, userID string) (*models.InboxItem, error)
	ListNotifications(ctx context.Context, userID string, opts storage.ListOptions) (*notify.NotificationList, error)
	Delivery(notificationID string) (*notify.Record, bool)
	Scheduled() []notify.ScheduledItem
	CancelScheduled(id string) bool
	RecurringEntries() []notify.RecurringEntry
	Stats() notify.Stats
}

var _ Notifications = (*notify.Dispatcher)(nil)

// Config wires the API.
type Config struct {
	Notifications Notifications
	Auth          *auth.Service
	Credentials   auth.ExtractOptions
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	MaxBodyBytes  int64
}

// Handler serves the API routes.
type Handler struct {
	notifications Notifications
	logger        *slog.Logger
	maxBody       int64
	handler       http.Handler
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Notifications == nil {
		return nil, errors.New("api: notifications service is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("api: auth service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		notifications: cfg.Notifications,
		logger:        logger.With("component", "api"),
		maxBody:       cfg.MaxBodyBytes,
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxBodyBytes
	}

	authenticated := auth.Middleware(cfg.Auth, cfg.Credentials, h.logger)
	user := func(fn http.HandlerFunc) http.Handler { return authenticated(fn) }
	admin := func(fn http.HandlerFunc) http.Handler { return authenticated(auth.RequireAdmin(fn)) }

	mux := http.NewServeMux()
	mux.Handle("POST "+Prefix+"/notifications", admin(h.handleDispatch))
	mux.Handle("POST "+Prefix+"/notifications/bulk", admin(h.handleBulk))
	mux.Handle("POST "+Prefix+"/organizations/{orgID}/notifications", admin(h.handleOrganization))
	mux.Handle("POST "+Prefix+"/roles/{role}/notifications", admin(h.handleRole))
	mux.Handle("GET "+Prefix+"/notifications/scheduled", admin(h.handleScheduled))
	mux.Handle("DELETE "+Prefix+"/notifications/scheduled/{id}", admin(h.handleCancelScheduled))
	mux.Handle("GET "+Prefix+"/notifications/{id}/delivery", admin(h.handleDelivery))
	mux.Handle("GET "+Prefix+"/recurring", admin(h.handleRecurring))
	mux.Handle("GET "+Prefix+"/stats", admin(h.handleStats))
	mux.Handle("GET "+Prefix+"/users/{userID}/notifications", user(h.handleList))
	mux.Handle("POST "+Prefix+"/notifications/{id}/read", user(h.handleMarkRead))

	h.handler = instrument(cfg.Metrics, h.logger)(mux)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

type bulkRequest struct {
	Notifications []models.NotificationRequest `json:"notifications"`
}

// handleDispatch handles POST /api/v1/notifications.
func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req models.NotificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.notifications.Dispatch(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Scheduled {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

// handleBulk handles POST /api/v1/notifications/bulk.
func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Notifications) == 0 {
		h.jsonError(w, "notifications must not be empty", http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusOK, h.notifications.BulkDispatch(r.Context(), req.Notifications))
}

// handleOrganization handles POST /api/v1/organizations/{orgID}/notifications.
func (h *Handler) handleOrganization(w http.ResponseWriter, r *http.Request) {
	var tmpl models.NotificationRequest
	if !h.decode(w, r, &tmpl) {
		return
	}
	result, err := h.notifications.OrganizationDispatch(r.Context(), r.PathValue("orgID"), tmpl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// handleRole handles POST /api/v1/roles/{role}/notifications. The optional
// organizationId query parameter narrows the audience.
func (h *Handler) handleRole(w http.ResponseWriter, r *http.Request) {
	var tmpl models.NotificationRequest
	if !h.decode(w, r, &tmpl) {
		return
	}
	role := models.Role(r.PathValue("role"))
	result, err := h.notifications.RoleDispatch(r.Context(), role, tmpl, r.URL.Query().Get("organizationId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// handleList handles GET /api/v1/users/{userID}/notifications. Users may
// read their own inbox; admins may read any.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if !h.selfOrAdmin(w, r, userID) {
		return
	}
	query := r.URL.Query()
	opts := storage.ListOptions{
		Limit:      parseIntParam(query.Get("limit"), storage.DefaultListLimit),
		Offset:     parseIntParam(query.Get("offset"), 0),
		UnreadOnly: parseBoolParam(query.Get("unreadOnly")),
		Type:       models.NotificationType(query.Get("type")),
	}
	list, err := h.notifications.ListNotifications(r.Context(), userID, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// handleMarkRead handles POST /api/v1/notifications/{id}/read for the
// calling user. Admins may act for another user with ?userId=.
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	userID := user.ID
	if other := r.URL.Query().Get("userId"); other != "" && other != user.ID {
		if !h.selfOrAdmin(w, r, other) {
			return
		}
		userID = other
	}
	item, err := h.notifications.MarkAsRead(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// handleScheduled handles GET /api/v1/notifications/scheduled.
func (h *Handler) handleScheduled(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"scheduled": h.notifications.Scheduled()})
}

// handleCancelScheduled handles DELETE /api/v1/notifications/scheduled/{id}.
func (h *Handler) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	if !h.notifications.CancelScheduled(r.PathValue("id")) {
		h.jsonError(w, "scheduled notification not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDelivery handles GET /api/v1/notifications/{id}/delivery.
func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	record, ok := h.notifications.Delivery(r.PathValue("id"))
	if !ok {
		h.jsonError(w, "delivery record not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// handleRecurring handles GET /api/v1/recurring.
func (h *Handler) handleRecurring(w http.ResponseWriter, r *http.Request) {
	entries := h.notifications.RecurringEntries()
	if entries == nil {
		entries = []notify.RecurringEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": entries})
}

// handleStats handles GET /api/v1/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.notifications.Stats())
}

func (h *Handler) selfOrAdmin(w http.ResponseWriter, r *http.Request, userID string) bool {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.jsonError(w, "missing credentials", http.StatusUnauthorized)
		return false
	}
	if user.ID != userID && !user.IsAdmin() {
		h.jsonError(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			h.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, io.EOF):
			h.jsonError(w, "request body required", http.StatusBadRequest)
		default:
			h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		}
		return false
	}
	return true
}

type validationResponse struct {
	Error    string   `json:"error"`
	Missing  []string `json:"missing,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *notify.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:    verr.Error(),
			Missing:  verr.Missing,
			Problems: verr.Problems,
		})
	case errors.Is(err, notify.ErrUserNotFound), errors.Is(err, notify.ErrNotificationNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, notify.ErrInboxUnavailable), errors.Is(err, notify.ErrClosed):
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", "error", err)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode error", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

// parseIntParam returns def for empty or malformed values and clamps
// negatives to zero.
func parseIntParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return 0
	}
	return n
}

func parseBoolParam(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
