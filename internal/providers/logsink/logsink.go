// Package logsink provides channel providers that only log. They stand in
// for email, sms and push when no credentials are configured.
package logsink

import (
	"context"
	"log/slog"

	"github.com/mewayz/fabric/internal/notify"
)

type Email struct{ logger *slog.Logger }

type SMS struct{ logger *slog.Logger }

type Push struct{ logger *slog.Logger }

var (
	_ notify.EmailProvider = (*Email)(nil)
	_ notify.SMSProvider   = (*SMS)(nil)
	_ notify.PushProvider  = (*Push)(nil)
)

func sink(logger *slog.Logger, channel string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("provider", "logsink", "channel", channel)
}

func NewEmail(logger *slog.Logger) *Email { return &Email{logger: sink(logger, "email")} }

func NewSMS(logger *slog.Logger) *SMS { return &SMS{logger: sink(logger, "sms")} }

func NewPush(logger *slog.Logger) *Push { return &Push{logger: sink(logger, "push")} }

func (e *Email) Send(ctx context.Context, msg notify.EmailMessage) error {
	e.logger.InfoContext(ctx, "email not sent, no provider configured",
		"to", msg.To,
		"subject", msg.Subject,
		"notification_id", msg.Metadata["notificationId"],
	)
	return nil
}

func (s *SMS) Send(ctx context.Context, to, text string) error {
	s.logger.InfoContext(ctx, "sms not sent, no provider configured", "to", to, "length", len(text))
	return nil
}

func (p *Push) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	p.logger.InfoContext(ctx, "push not sent, no provider configured",
		"devices", len(tokens),
		"title", title,
		"notification_id", data["notificationId"],
	)
	return nil
}
