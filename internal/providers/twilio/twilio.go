// Package twilio delivers notification texts through the Twilio Messages API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	tw "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/mewayz/fabric/internal/backoff"
	"github.com/mewayz/fabric/internal/notify"
	"github.com/mewayz/fabric/internal/providers"
)

// ErrInvalidNumber is returned for numbers that cannot be normalized to E.164.
var ErrInvalidNumber = errors.New("invalid phone number")

// Config holds Twilio credentials.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// DefaultRegion is the ISO country used for numbers without a leading +.
	DefaultRegion string
	Timeout       time.Duration
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Provider implements notify.SMSProvider.
type Provider struct {
	from     string
	region   string
	messages messageCreator
	logger   *slog.Logger
}

var _ notify.SMSProvider = (*Provider)(nil)

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	restClient := tw.NewRestClientWithParams(tw.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if cfg.Timeout > 0 {
		restClient.SetTimeout(cfg.Timeout)
	}
	return newProvider(cfg, restClient.Api, logger)
}

func newProvider(cfg Config, messages messageCreator, logger *slog.Logger) (*Provider, error) {
	region := strings.ToUpper(strings.TrimSpace(cfg.DefaultRegion))
	if region == "" {
		region = "US"
	}
	from, err := Normalize(cfg.FromNumber, region)
	if err != nil {
		return nil, fmt.Errorf("twilio: from number: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		from:     from,
		region:   region,
		messages: messages,
		logger:   logger.With("provider", "twilio"),
	}, nil
}

// Normalize parses number and formats it as E.164. Numbers without a country
// code are read in region.
func Normalize(number, region string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	parsed, err := phonenumbers.Parse(number, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: %s", ErrInvalidNumber, number)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// Send texts to. The Twilio client is not context aware, so ctx is only
// checked before the call; the client timeout bounds the request.
func (p *Provider) Send(ctx context.Context, to, text string) error {
	recipient, err := Normalize(to, p.region)
	if err != nil {
		return backoff.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &api.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(p.from)
	params.SetBody(text)

	resp, err := p.messages.CreateMessage(params)
	if err != nil {
		var restErr *client.TwilioRestError
		if errors.As(err, &restErr) {
			if providers.Retryable(restErr.Status) {
				return fmt.Errorf("twilio send: %w", err)
			}
			return backoff.Permanent(fmt.Errorf("twilio send: %w", err))
		}
		return fmt.Errorf("twilio send: %w", err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	p.logger.Debug("sms queued", "to", recipient, "sid", sid)
	return nil
}
