// Package notify delivers notifications over realtime, email, sms, push and
// in-app channels, honouring plan policy and user preferences.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mewayz/fabric/internal/backoff"
	"github.com/mewayz/fabric/internal/gateway"
	"github.com/mewayz/fabric/internal/observability"
	"github.com/mewayz/fabric/internal/storage"
	"github.com/mewayz/fabric/pkg/models"
)

// Config tunes the dispatcher. Zero values take defaults.
type Config struct {
	ProviderTimeout  time.Duration
	TrackingCapacity int
	BulkConcurrency  int
	DefaultChannels  []models.Channel
	Retry            backoff.Policy
	// MaxAttempts applies to email, sms and push. 1 disables retries.
	MaxAttempts int
}

// Deps are the dispatcher's collaborators. Directory is required; a nil
// provider or store makes its channel fail with ErrProviderUnavailable.
type Deps struct {
	Directory storage.UserDirectory
	Inbox     storage.InboxStore
	Realtime  RealtimePublisher
	Email     EmailProvider
	SMS       SMSProvider
	Push      PushProvider
	Policy    ChannelPolicy
	Renderer  *Renderer
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Clock     clock.Clock
}

// Result describes one dispatch. Scheduled and expired requests carry no
// delivery outcomes.
type Result struct {
	NotificationID string                                   `json:"notificationId,omitempty"`
	Scheduled      bool                                     `json:"scheduled,omitempty"`
	ScheduleID     string                                   `json:"scheduleId,omitempty"`
	ScheduledAt    *time.Time                               `json:"scheduledAt,omitempty"`
	Expired        bool                                     `json:"expired,omitempty"`
	Outcomes       map[models.Channel]models.ChannelOutcome `json:"outcomes,omitempty"`
	Filtered       []models.Channel                         `json:"filtered,omitempty"`
}

// Delivered reports whether at least one channel succeeded.
func (r *Result) Delivered() bool {
	for _, outcome := range r.Outcomes {
		if outcome.Success {
			return true
		}
	}
	return false
}

// BulkItem is the result of one request in a bulk dispatch.
type BulkItem struct {
	Index  int     `json:"index"`
	UserID string  `json:"userId"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// BulkResult summarizes a bulk dispatch. A request counts as successful when
// Dispatch returned without error.
type BulkResult struct {
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Items      []BulkItem `json:"items"`
}

// Dispatcher validates, schedules, filters and delivers notifications.
type Dispatcher struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	clock     clock.Clock
	policy    ChannelPolicy
	renderer  *Renderer
	retrier   backoff.Retrier
	tracker   *Tracker
	scheduler *Scheduler
	recurring *Recurring

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Directory == nil {
		return nil, errors.New("notify: user directory is required")
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 16
	}
	if len(cfg.DefaultChannels) == 0 {
		cfg.DefaultChannels = models.DefaultChannels
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.DefaultPolicy()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	tracker, err := NewTracker(cfg.TrackingCapacity)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		clock:    deps.Clock,
		policy:   deps.Policy,
		renderer: deps.Renderer,
		tracker:  tracker,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "notify")
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.policy == nil {
		d.policy = DefaultPlanPolicy()
	}
	if d.renderer == nil {
		d.renderer = NewRenderer("", "")
	}
	d.retrier = backoff.Retrier{Policy: cfg.Retry, MaxAttempts: cfg.MaxAttempts, Clock: d.clock}
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	d.scheduler = newScheduler(d.clock, d.fireScheduled, deps.Metrics.SetScheduledPending)
	return d, nil
}

// Dispatch delivers req, schedules it, or records it as expired.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.NotificationRequest) (*Result, error) {
	if d.baseCtx.Err() != nil {
		return nil, ErrClosed
	}
	ctx, span := d.deps.Tracer.Start(ctx, "notify.dispatch",
		attribute.String("notification.type", string(req.Type)),
		attribute.String("user.id", req.TargetUserID),
	)
	result, err := d.dispatch(ctx, req)
	observability.End(span, err)
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req models.NotificationRequest) (*Result, error) {
	channels, verr := d.validate(req)
	if verr != nil {
		d.deps.Metrics.NotificationResult("invalid")
		return nil, verr
	}

	now := d.clock.Now()
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		return d.schedule(req)
	}

	n := d.newNotification(req, channels, now)
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return d.expire(n, now), nil
	}

	user, err := d.deps.Directory.GetUser(ctx, req.TargetUserID)
	if err != nil {
		d.deps.Metrics.NotificationResult("failed")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, req.TargetUserID)
		}
		return nil, fmt.Errorf("lookup user %s: %w", req.TargetUserID, err)
	}

	eligible, filtered := d.eligible(user, n.Type, channels)
	outcomes := d.deliverAll(ctx, n, user, eligible)

	d.tracker.Track(&Record{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Outcomes:       outcomes,
		Filtered:       filtered,
		TrackedAt:      d.clock.Now(),
	})
	result := &Result{NotificationID: n.ID, Outcomes: outcomes, Filtered: filtered}
	d.deps.Metrics.NotificationResult(resultLabel(result))
	d.logger.Info("notification dispatched",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"type", string(n.Type),
		"channels", len(eligible),
		"filtered", len(filtered),
		"result", resultLabel(result),
	)
	return result, nil
}

func resultLabel(r *Result) string {
	if len(r.Outcomes) == 0 {
		return "filtered"
	}
	ok := 0
	for _, outcome := range r.Outcomes {
		if outcome.Success {
			ok++
		}
	}
	switch ok {
	case len(r.Outcomes):
		return "delivered"
	case 0:
		return "failed"
	default:
		return "partial"
	}
}

// validate checks required fields and returns the normalized channel list.
func (d *Dispatcher) validate(req models.NotificationRequest) ([]models.Channel, *ValidationError) {
	verr := &ValidationError{}
	if strings.TrimSpace(req.TargetUserID) == "" {
		verr.Missing = append(verr.Missing, "targetUserId")
	}
	if strings.TrimSpace(string(req.Type)) == "" {
		verr.Missing = append(verr.Missing, "type")
	}
	if strings.TrimSpace(req.Title) == "" {
		verr.Missing = append(verr.Missing, "title")
	}
	if strings.TrimSpace(req.Message) == "" {
		verr.Missing = append(verr.Missing, "message")
	}
	if req.Priority != "" && !req.Priority.Valid() {
		verr.Problems = append(verr.Problems, fmt.Sprintf("unknown priority %q", req.Priority))
	}

	requested := req.Channels
	if len(requested) == 0 {
		requested = d.cfg.DefaultChannels
	}
	channels := make([]models.Channel, 0, len(requested))
	seen := make(map[models.Channel]bool, len(requested))
	for _, raw := range requested {
		channel, err := models.ParseChannel(string(raw))
		if err != nil {
			verr.Problems = append(verr.Problems, err.Error())
			continue
		}
		if !seen[channel] {
			seen[channel] = true
			channels = append(channels, channel)
		}
	}
	if !verr.empty() {
		return nil, verr
	}
	return channels, nil
}

func (d *Dispatcher) newNotification(req models.NotificationRequest, channels []models.Channel, now time.Time) *models.Notification {
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	return &models.Notification{
		ID:             uuid.NewString(),
		UserID:         req.TargetUserID,
		OrganizationID: req.TargetOrganizationID,
		Type:           req.Type,
		Title:          req.Title,
		Message:        req.Message,
		Payload:        req.Payload,
		Priority:       priority,
		Channels:       channels,
		CreatedAt:      now.UTC(),
		ExpiresAt:      req.ExpiresAt,
	}
}

func (d *Dispatcher) schedule(req models.NotificationRequest) (*Result, error) {
	item, ok := d.scheduler.Schedule(req, *req.ScheduledAt)
	if !ok {
		return nil, ErrClosed
	}
	d.deps.Metrics.NotificationResult("scheduled")
	d.logger.Info("notification scheduled",
		"schedule_id", item.ID,
		"user_id", req.TargetUserID,
		"type", string(req.Type),
		"scheduled_at", item.At.UTC().Format(time.RFC3339),
	)
	at := item.At
	return &Result{Scheduled: true, ScheduleID: item.ID, ScheduledAt: &at}, nil
}

// fireScheduled runs the single dispatch attempt for a due item.
func (d *Dispatcher) fireScheduled(item ScheduledItem) {
	req := item.Request
	req.ScheduledAt = nil

	if !d.acquire() {
		return
	}
	defer d.wg.Done()
	if _, err := d.Dispatch(d.baseCtx, req); err != nil {
		d.logger.Warn("scheduled notification failed", "schedule_id", item.ID, "user_id", req.TargetUserID, "error", err)
	}
}

func (d *Dispatcher) expire(n *models.Notification, now time.Time) *Result {
	outcomes := make(map[models.Channel]models.ChannelOutcome, len(n.Channels))
	for _, channel := range n.Channels {
		outcomes[channel] = models.ChannelOutcome{
			Channel:   channel,
			Success:   false,
			Status:    models.DeliveryDroppedExpired,
			Timestamp: now.UTC(),
		}
		d.deps.Metrics.ChannelDelivery(string(channel), string(models.DeliveryDroppedExpired), 0)
	}
	d.tracker.Track(&Record{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Outcomes:       outcomes,
		TrackedAt:      now,
	})
	d.deps.Metrics.NotificationResult("expired")
	d.logger.Info("notification expired before delivery", "notification_id", n.ID, "user_id", n.UserID)
	return &Result{NotificationID: n.ID, Expired: true, Outcomes: outcomes}
}

// eligible applies the plan policy then the user's preferences. A type the
// user turned off still goes out on realtime.
func (d *Dispatcher) eligible(user *models.User, kind models.NotificationType, channels []models.Channel) (allowed, filtered []models.Channel) {
	typeOff := user.Preferences.TypeDisabled(kind)
	for _, channel := range channels {
		switch {
		case !d.policy.Allowed(user, channel):
			filtered = append(filtered, channel)
		case typeOff && channel != models.ChannelRealtime:
			filtered = append(filtered, channel)
		case user.Preferences.ChannelDisabled(kind, channel):
			filtered = append(filtered, channel)
		default:
			allowed = append(allowed, channel)
		}
	}
	return allowed, filtered
}

func (d *Dispatcher) deliverAll(ctx context.Context, n *models.Notification, user *models.User, channels []models.Channel) map[models.Channel]models.ChannelOutcome {
	outcomes := make(map[models.Channel]models.ChannelOutcome, len(channels))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, channel := range channels {
		wg.Add(1)
		go func(channel models.Channel) {
			defer wg.Done()
			outcome := d.deliver(ctx, channel, n, user)
			mu.Lock()
			outcomes[channel] = outcome
			mu.Unlock()
		}(channel)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, channel models.Channel, n *models.Notification, user *models.User) (outcome models.ChannelOutcome) {
	ctx, span := d.deps.Tracer.Start(ctx, "notify.deliver",
		attribute.String("channel", string(channel)),
		attribute.String("notification.id", n.ID),
	)
	start := d.clock.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic delivering %s: %v", channel, r)
			outcome = models.ChannelOutcome{Channel: channel, Attempts: outcome.Attempts}
		}
		took := d.clock.Since(start)
		outcome.Channel = channel
		outcome.Timestamp = d.clock.Now().UTC()
		if err != nil {
			outcome.Success = false
			outcome.Status = models.DeliveryFailed
			outcome.Error = err.Error()
			d.logger.Warn("channel delivery failed",
				"notification_id", n.ID,
				"channel", string(channel),
				"attempts", outcome.Attempts,
				"error", err,
			)
		} else {
			outcome.Success = true
			outcome.Status = models.DeliveryDelivered
		}
		d.deps.Metrics.ChannelDelivery(string(channel), string(outcome.Status), took)
		observability.End(span, err)
	}()

	switch channel {
	case models.ChannelRealtime:
		outcome.Attempts = 1
		outcome.Recipients, err = d.deliverRealtime(n)
	case models.ChannelInApp:
		outcome.Attempts = 1
		err = d.withTimeout(ctx, func(ctx context.Context) error { return d.storeInbox(ctx, n) })
	case models.ChannelEmail:
		outcome.Attempts, err = d.retry(ctx, func(ctx context.Context) error { return d.sendEmail(ctx, n, user) })
		if err == nil {
			outcome.Recipients = 1
		}
	case models.ChannelSMS:
		outcome.Attempts, err = d.retry(ctx, func(ctx context.Context) error { return d.sendSMS(ctx, n, user) })
		if err == nil {
			outcome.Recipients = 1
		}
	case models.ChannelPush:
		outcome.Attempts, err = d.retry(ctx, func(ctx context.Context) error { return d.sendPush(ctx, n, user) })
		if err == nil {
			outcome.Recipients = len(user.DeviceTokens)
		}
	default:
		err = fmt.Errorf("unsupported channel %q", channel)
	}
	return outcome
}

func (d *Dispatcher) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()
	return fn(ctx)
}

func (d *Dispatcher) retry(ctx context.Context, fn func(context.Context) error) (int, error) {
	return d.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		return d.withTimeout(ctx, fn)
	})
}

func (d *Dispatcher) deliverRealtime(n *models.Notification) (int, error) {
	if d.deps.Realtime == nil {
		return 0, ErrProviderUnavailable
	}
	frame := notificationFrame(n, d.clock.Now())
	recipients := d.deps.Realtime.PublishToRoom(gateway.UserRoom(n.UserID), frame)
	if n.OrganizationID != "" {
		recipients += d.deps.Realtime.PublishToRoom(gateway.OrganizationRoom(n.OrganizationID), frame)
	}
	return recipients, nil
}

func (d *Dispatcher) storeInbox(ctx context.Context, n *models.Notification) error {
	if d.deps.Inbox == nil {
		return ErrInboxUnavailable
	}
	return d.deps.Inbox.Store(ctx, n)
}

func (d *Dispatcher) sendEmail(ctx context.Context, n *models.Notification, user *models.User) error {
	if d.deps.Email == nil {
		return backoff.Permanent(fmt.Errorf("email: %w", ErrProviderUnavailable))
	}
	if strings.TrimSpace(user.Email) == "" {
		return backoff.Permanent(fmt.Errorf("email: %w", ErrNoAddress))
	}
	html, err := d.renderer.Email(n)
	if err != nil {
		return backoff.Permanent(err)
	}
	return d.deps.Email.Send(ctx, EmailMessage{
		To:      user.Email,
		ToName:  user.Name,
		Subject: n.Title,
		HTML:    html,
		Text:    d.renderer.EmailText(n),
		Metadata: map[string]string{
			"notificationId": n.ID,
			"userId":         user.ID,
			"type":           string(n.Type),
		},
	})
}

func (d *Dispatcher) sendSMS(ctx context.Context, n *models.Notification, user *models.User) error {
	if d.deps.SMS == nil {
		return backoff.Permanent(fmt.Errorf("sms: %w", ErrProviderUnavailable))
	}
	if strings.TrimSpace(user.Phone) == "" {
		return backoff.Permanent(fmt.Errorf("sms: %w", ErrNoAddress))
	}
	return d.deps.SMS.Send(ctx, user.Phone, d.renderer.SMS(n))
}

func (d *Dispatcher) sendPush(ctx context.Context, n *models.Notification, user *models.User) error {
	if d.deps.Push == nil {
		return backoff.Permanent(fmt.Errorf("push: %w", ErrProviderUnavailable))
	}
	if len(user.DeviceTokens) == 0 {
		return backoff.Permanent(fmt.Errorf("push: %w", ErrNoAddress))
	}
	return d.deps.Push.Send(ctx, user.DeviceTokens, n.Title, n.Message, pushData(n))
}

// BulkDispatch sends every request independently with bounded concurrency.
// One failure never affects the others.
func (d *Dispatcher) BulkDispatch(ctx context.Context, reqs []models.NotificationRequest) *BulkResult {
	result := &BulkResult{Total: len(reqs), Items: make([]BulkItem, len(reqs))}
	var g errgroup.Group
	g.SetLimit(d.cfg.BulkConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			item := BulkItem{Index: i, UserID: req.TargetUserID}
			res, err := d.Dispatch(ctx, req)
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Result = res
			}
			result.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range result.Items {
		if item.Error == "" {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	return result
}

// OrganizationDispatch sends tmpl to every active member of orgID.
func (d *Dispatcher) OrganizationDispatch(ctx context.Context, orgID string, tmpl models.NotificationRequest) (*BulkResult, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, &ValidationError{Missing: []string{"organizationId"}}
	}
	users, err := d.deps.Directory.ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list organization %s: %w", orgID, err)
	}
	return d.fanOut(ctx, users, tmpl, orgID), nil
}

// RoleDispatch sends tmpl to every active user with role, optionally
// limited to orgID.
func (d *Dispatcher) RoleDispatch(ctx context.Context, role models.Role, tmpl models.NotificationRequest, orgID string) (*BulkResult, error) {
	if strings.TrimSpace(string(role)) == "" {
		return nil, &ValidationError{Missing: []string{"role"}}
	}
	users, err := d.deps.Directory.ListByRole(ctx, role, orgID)
	if err != nil {
		return nil, fmt.Errorf("list role %s: %w", role, err)
	}
	return d.fanOut(ctx, users, tmpl, orgID), nil
}

func (d *Dispatcher) fanOut(ctx context.Context, users []*models.User, tmpl models.NotificationRequest, orgID string) *BulkResult {
	reqs := make([]models.NotificationRequest, 0, len(users))
	for _, user := range users {
		req := tmpl
		req.TargetUserID = user.ID
		req.TargetOrganizationID = orgID
		reqs = append(reqs, req)
	}
	return d.BulkDispatch(ctx, reqs)
}

// MarkAsRead marks an inbox item read and tells the user's connections.
func (d *Dispatcher) MarkAsRead(ctx context.Context, notificationID, userID string) (*models.InboxItem, error) {
	if d.deps.Inbox == nil {
		return nil, ErrInboxUnavailable
	}
	now := d.clock.Now().UTC()
	item, err := d.deps.Inbox.MarkRead(ctx, notificationID, userID, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
		}
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if d.deps.Realtime != nil {
		readAt := now
		if item.ReadAt != nil {
			readAt = *item.ReadAt
		}
		d.deps.Realtime.PublishToRoom(gateway.UserRoom(userID), NotificationReadFrame{
			Type:           FrameNotificationRead,
			NotificationID: notificationID,
			ReadAt:         readAt.UTC(),
			Timestamp:      now,
		})
	}
	return item, nil
}

// NotificationList is a page of a user's inbox.
type NotificationList struct {
	Notifications []*models.InboxItem `json:"notifications"`
	Total         int                 `json:"total"`
	Unread        int                 `json:"unread"`
	Limit         int                 `json:"limit"`
	Offset        int                 `json:"offset"`
}

// ListNotifications pages through a user's inbox.
func (d *Dispatcher) ListNotifications(ctx context.Context, userID string, opts storage.ListOptions) (*NotificationList, error) {
	if d.deps.Inbox == nil {
		return nil, ErrInboxUnavailable
	}
	items, total, err := d.deps.Inbox.List(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	_, unread, err := d.deps.Inbox.List(ctx, userID, storage.ListOptions{Limit: 1, UnreadOnly: true, Type: opts.Type})
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	normalized := opts.Normalized()
	if items == nil {
		items = []*models.InboxItem{}
	}
	return &NotificationList{
		Notifications: items,
		Total:         total,
		Unread:        unread,
		Limit:         normalized.Limit,
		Offset:        normalized.Offset,
	}, nil
}

// Stats summarizes recent deliveries.
func (d *Dispatcher) Stats() Stats {
	stats := d.tracker.Stats()
	stats.ScheduledPending = d.scheduler.Len()
	return stats
}

// Delivery returns the tracked record for a notification.
func (d *Dispatcher) Delivery(notificationID string) (*Record, bool) {
	return d.tracker.Get(notificationID)
}

// Scheduled lists pending scheduled notifications.
func (d *Dispatcher) Scheduled() []ScheduledItem {
	return d.scheduler.List()
}

// CancelScheduled cancels a pending scheduled notification.
func (d *Dispatcher) CancelScheduled(id string) bool {
	return d.scheduler.Cancel(id)
}

// acquire registers a background dispatch unless the dispatcher is closing.
func (d *Dispatcher) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// Close stops the scheduler and recurring jobs, then waits for scheduled
// dispatches already running.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		rec := d.recurring
		d.mu.Unlock()
		d.scheduler.Close()
		if rec != nil {
			rec.Stop()
		}
		d.cancel()
		d.wg.Wait()
	})
	return nil
}
