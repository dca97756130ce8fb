package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mewayz/fabric/pkg/models"
)

// NotificationsConfig configures the notification dispatcher.
type NotificationsConfig struct {
	// ProviderTimeout bounds each email, sms, push or inbox call (default: 10s).
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// TrackingCapacity is how many delivery records are kept (default: 1000).
	TrackingCapacity int `yaml:"tracking_capacity"`

	// BulkConcurrency bounds parallel dispatches in a bulk send (default: 16).
	BulkConcurrency int `yaml:"bulk_concurrency"`

	// DefaultChannels apply when a request names none (default: realtime, inapp).
	DefaultChannels []models.Channel `yaml:"default_channels"`

	Retry RetryConfig `yaml:"retry"`

	// PolicyFile holds plan-to-channel rules and is reloaded on change.
	PolicyFile string `yaml:"policy_file"`

	Recurring []RecurringJobConfig `yaml:"recurring"`
}

// RetryConfig controls provider retries for email, sms and push.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

// RecurringJobConfig fans a notification template out on a cron schedule.
type RecurringJobConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`

	// Role targets every active user with this role. When empty the job
	// targets every active member of OrganizationID.
	Role           string `yaml:"role"`
	OrganizationID string `yaml:"organization_id"`

	Template models.NotificationRequest `yaml:"template"`
}

// ProvidersConfig configures the external delivery providers. A provider
// without credentials falls back to a log-only sink.
type ProvidersConfig struct {
	Email EmailProviderConfig `yaml:"email"`
	SMS   SMSProviderConfig   `yaml:"sms"`
	Push  PushProviderConfig  `yaml:"push"`
}

type EmailProviderConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	FromName       string `yaml:"from_name"`
	FromAddress    string `yaml:"from_address"`
	AppURL         string `yaml:"app_url"`
}

type SMSProviderConfig struct {
	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	FromNumber       string `yaml:"from_number"`

	// DefaultRegion is used to parse numbers stored without a country code.
	DefaultRegion string `yaml:"default_region"`
}

type PushProviderConfig struct {
	FCMProjectID       string `yaml:"fcm_project_id"`
	FCMCredentialsFile string `yaml:"fcm_credentials_file"`
	Endpoint           string `yaml:"endpoint"`
}

// IntakeConfig configures asynchronous notification intake.
type IntakeConfig struct {
	Kafka KafkaIntakeConfig `yaml:"kafka"`
}

type KafkaIntakeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`

	// DeadLetterTopic receives requests that failed validation.
	DeadLetterTopic string `yaml:"dead_letter_topic"`
}

func applyNotificationDefaults(cfg *NotificationsConfig) {
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.TrackingCapacity == 0 {
		cfg.TrackingCapacity = 1000
	}
	if cfg.BulkConcurrency == 0 {
		cfg.BulkConcurrency = 16
	}
	if len(cfg.DefaultChannels) == 0 {
		cfg.DefaultChannels = append([]models.Channel(nil), models.DefaultChannels...)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Initial == 0 {
		cfg.Retry.Initial = 500 * time.Millisecond
	}
	if cfg.Retry.Max == 0 {
		cfg.Retry.Max = 10 * time.Second
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = 2
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.2
	}
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateNotifications(cfg *NotificationsConfig) []string {
	var issues []string
	issues = append(issues, positiveDuration("notifications.provider_timeout", cfg.ProviderTimeout)...)
	if cfg.TrackingCapacity < 1 {
		issues = append(issues, "notifications.tracking_capacity must be at least 1")
	}
	if cfg.BulkConcurrency < 1 {
		issues = append(issues, "notifications.bulk_concurrency must be at least 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		issues = append(issues, "notifications.retry.max_attempts must be at least 1")
	}
	if cfg.Retry.Factor < 1 {
		issues = append(issues, "notifications.retry.factor must be at least 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		issues = append(issues, "notifications.retry.jitter must be between 0 and 1")
	}
	seen := map[string]bool{}
	for i, job := range cfg.Recurring {
		label := fmt.Sprintf("notifications.recurring[%d]", i)
		name := strings.TrimSpace(job.Name)
		if name == "" {
			issues = append(issues, label+".name is required")
		} else if seen[name] {
			issues = append(issues, fmt.Sprintf("%s.name %q is duplicated", label, name))
		}
		seen[name] = true
		if _, err := cronParser.Parse(job.Schedule); err != nil {
			issues = append(issues, fmt.Sprintf("%s.schedule: %v", label, err))
		}
		if strings.TrimSpace(job.Role) == "" && strings.TrimSpace(job.OrganizationID) == "" {
			issues = append(issues, label+" needs a role or organization_id")
		}
		if strings.TrimSpace(string(job.Template.Type)) == "" || strings.TrimSpace(job.Template.Title) == "" || strings.TrimSpace(job.Template.Message) == "" {
			issues = append(issues, label+".template requires type, title and message")
		}
	}
	return issues
}

func applyProviderDefaults(cfg *ProvidersConfig) {
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = "Mewayz"
	}
	if cfg.SMS.DefaultRegion == "" {
		cfg.SMS.DefaultRegion = "US"
	}
}

func applyIntakeDefaults(cfg *IntakeConfig) {
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "fabric-notifications"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "notifications"
	}
}

func validateIntake(cfg *IntakeConfig) []string {
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return []string{"intake.kafka.brokers is required when kafka intake is enabled"}
	}
	return nil
}
