// Package fcm delivers push notifications through the Firebase Cloud
// Messaging HTTP v1 API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mewayz/fabric/internal/backoff"
	"github.com/mewayz/fabric/internal/notify"
	"github.com/mewayz/fabric/internal/providers"
)

const (
	// DefaultEndpoint is the FCM v1 API base.
	DefaultEndpoint = "https://fcm.googleapis.com"

	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"
)

// Config identifies the Firebase project.
type Config struct {
	ProjectID string
	Endpoint  string
	Timeout   time.Duration
}

// Provider implements notify.PushProvider. Each device token is sent as its
// own message.
type Provider struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ notify.PushProvider = (*Provider)(nil)

// New builds a provider authenticating with tokens.
func New(cfg Config, tokens oauth2.TokenSource, logger *slog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("fcm: project id is required")
	}
	if tokens == nil {
		return nil, errors.New("fcm: token source is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := oauth2.NewClient(context.Background(), tokens)
	client.Timeout = timeout
	return &Provider{
		url:    fmt.Sprintf("%s/v1/projects/%s/messages:send", endpoint, cfg.ProjectID),
		client: client,
		logger: logger.With("provider", "fcm"),
	}, nil
}

// NewFromCredentialsFile reads a service account key and builds a provider.
func NewFromCredentialsFile(ctx context.Context, cfg Config, path string, logger *slog.Logger) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fcm: read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, messagingScope)
	if err != nil {
		return nil, fmt.Errorf("fcm: parse credentials: %w", err)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = creds.ProjectID
	}
	return New(cfg, creds.TokenSource, logger)
}

// NewWithDefaultCredentials uses Application Default Credentials.
func NewWithDefaultCredentials(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	creds, err := google.FindDefaultCredentials(ctx, messagingScope)
	if err != nil {
		return nil, fmt.Errorf("fcm: default credentials: %w", err)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = creds.ProjectID
	}
	return New(cfg, creds.TokenSource, logger)
}

type sendRequest struct {
	Message message `json:"message"`
}

type message struct {
	Token        string            `json:"token"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send pushes to every token. It succeeds when at least one device
// accepted the message; otherwise it returns the joined failures, permanent
// only when every failure is.
func (p *Provider) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if len(tokens) == 0 {
		return backoff.Permanent(errors.New("fcm: no device tokens"))
	}
	var (
		errs      []error
		permanent = true
		delivered int
	)
	for _, token := range tokens {
		err := p.sendOne(ctx, sendRequest{Message: message{
			Token:        token,
			Notification: notification{Title: title, Body: body},
			Data:         data,
		}})
		if err == nil {
			delivered++
			continue
		}
		if !backoff.IsPermanent(err) {
			permanent = false
		}
		errs = append(errs, err)
	}
	if delivered > 0 {
		if len(errs) > 0 {
			p.logger.Warn("push partially delivered", "delivered", delivered, "failed", len(errs), "error", errors.Join(errs...))
		}
		return nil
	}
	if permanent {
		return backoff.Permanent(errors.Join(errs...))
	}
	// A joined permanent marker would hide the transient failures.
	for i, err := range errs {
		errs[i] = backoff.Unmark(err)
	}
	return errors.Join(errs...)
}

func (p *Provider) sendOne(ctx context.Context, payload sendRequest) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("fcm: marshal message: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("fcm: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if err != nil {
		respBody = []byte("(failed to read response body)")
	}
	return providers.CheckStatus("fcm", resp.StatusCode, string(respBody))
}
