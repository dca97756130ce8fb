// Package sendgrid delivers notification emails through the SendGrid v3 API.
package sendgrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sg "github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/mewayz/fabric/internal/notify"
	"github.com/mewayz/fabric/internal/providers"
)

const sendPath = "/v3/mail/send"

// Config holds SendGrid credentials and the sender identity.
type Config struct {
	APIKey      string
	FromName    string
	FromAddress string

	// Host overrides the API host. Default: https://api.sendgrid.com
	Host string
}

// Provider implements notify.EmailProvider. It is safe for concurrent use.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

var _ notify.EmailProvider = (*Provider)(nil)

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid: api key is required")
	}
	if strings.TrimSpace(cfg.FromAddress) == "" {
		return nil, errors.New("sendgrid: from address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger.With("provider", "sendgrid")}, nil
}

// Send posts one message. 4xx responses other than 408 and 429 are
// permanent failures.
func (p *Provider) Send(ctx context.Context, msg notify.EmailMessage) error {
	request := sg.GetRequest(p.cfg.APIKey, sendPath, p.cfg.Host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(p.message(msg))

	resp, err := sg.MakeRequestWithContext(ctx, request)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if err := providers.CheckStatus("sendgrid", resp.StatusCode, resp.Body); err != nil {
		return err
	}
	p.logger.Debug("email accepted", "to", msg.To, "subject", msg.Subject, "status", resp.StatusCode)
	return nil
}

func (p *Provider) message(msg notify.EmailMessage) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(p.cfg.FromName, p.cfg.FromAddress))
	m.Subject = msg.Subject

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail(msg.ToName, msg.To))
	for key, value := range msg.Metadata {
		personalization.SetCustomArg(key, value)
	}
	m.AddPersonalizations(personalization)

	if msg.Text != "" {
		m.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	return m
}
