package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/mewayz/fabric/internal/api"
	"github.com/mewayz/fabric/internal/auth"
	"github.com/mewayz/fabric/internal/backoff"
	"github.com/mewayz/fabric/internal/config"
	"github.com/mewayz/fabric/internal/gateway"
	"github.com/mewayz/fabric/internal/intake"
	"github.com/mewayz/fabric/internal/notify"
	"github.com/mewayz/fabric/internal/observability"
	"github.com/mewayz/fabric/internal/providers/fcm"
	"github.com/mewayz/fabric/internal/providers/logsink"
	"github.com/mewayz/fabric/internal/providers/sendgrid"
	"github.com/mewayz/fabric/internal/providers/twilio"
	"github.com/mewayz/fabric/internal/storage"
	"github.com/mewayz/fabric/pkg/models"
)

// runServe loads configuration, starts every component and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting fabric",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	errCh := a.start(ctx)

	logger.Info("fabric started",
		"http_addr", a.http.Addr(),
		"ws_path", cfg.Gateway.Path,
		"storage", cfg.Storage.Driver,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err = <-errCh:
		logger.Error("component failed, shutting down", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if stopErr := a.stop(shutdownCtx); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("shutdown failed: %w", stopErr))
	}
	if err == nil {
		logger.Info("fabric stopped gracefully")
	}
	return err
}

// app holds the running components in start order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	stores         storage.StoreSet
	stopTracer     func(context.Context) error
	policy         *notify.FilePolicy
	dispatcher     *notify.Dispatcher
	registry       *gateway.Registry
	liveness       *gateway.LivenessMonitor
	http           *gateway.HTTPServer
	consumer       *intake.Consumer
	consumerCancel context.CancelFunc
	consumerWG     sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			_ = a.stop(context.Background())
		}
	}()
	var err error

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	tracing := cfg.Observability.Tracing
	traceCfg := observability.TraceConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: tracing.ServiceVersion,
		Environment:    tracing.Environment,
		SamplingRate:   tracing.SamplingRate,
		Attributes:     tracing.Attributes,
		EnableInsecure: tracing.Insecure,
	}
	if tracing.Enabled {
		traceCfg.Endpoint = tracing.Endpoint
	}
	if traceCfg.ServiceVersion == "" {
		traceCfg.ServiceVersion = version
	}
	tracer, stopTracer := observability.NewTracer(traceCfg)
	a.stopTracer = stopTracer

	a.stores, err = openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	var lookup auth.UserLookup
	if cfg.Auth.RequireActiveUsers() {
		lookup = a.stores.Users
	}
	authService := auth.NewService(authConfig(cfg.Auth), lookup)
	credentials := auth.ExtractOptions{
		CookieName: cfg.Auth.CookieName,
		AllowQuery: cfg.Auth.AllowQueryToken,
	}

	gw := cfg.Gateway
	a.registry = gateway.NewRegistry(gateway.RegistryConfig{
		MaxConnections: gw.MaxConnections,
		MaxFrameBytes:  gw.MaxFrameBytes,
		AuthTimeout:    gw.AuthTimeout,
		RatePerSecond:  gw.RateLimit.PerSecond,
		RateBurst:      gw.RateLimit.Burst,
	}, authService,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	)
	router := gateway.NewRouter(a.registry, gateway.RouterConfig{
		Presence:  a.stores.Presence,
		Analytics: gateway.LiveAnalytics(a.registry),
		Logger:    logger,
		Metrics:   metrics,
	})
	ws := gateway.NewWSHandler(a.registry, router, gateway.WSConfig{
		SendBuffer:     gw.SendBuffer,
		MaxFrameBytes:  gw.MaxFrameBytes,
		WriteTimeout:   gw.WriteTimeout,
		AllowedOrigins: gw.AllowedOrigins,
		Credentials:    credentials,
	}, logger)
	a.liveness = gateway.NewLivenessMonitor(a.registry, gateway.LivenessConfig{
		Interval: gw.HeartbeatInterval,
		Logger:   logger,
		Metrics:  metrics,
	})

	email, sms, push, err := buildProviders(ctx, cfg.Providers, cfg.Notifications, logger)
	if err != nil {
		return nil, err
	}

	var policy notify.ChannelPolicy
	if path := strings.TrimSpace(cfg.Notifications.PolicyFile); path != "" {
		a.policy, err = notify.LoadFilePolicy(path, logger)
		if err != nil {
			return nil, fmt.Errorf("load plan policy: %w", err)
		}
		policy = a.policy
	}

	n := cfg.Notifications
	a.dispatcher, err = notify.New(notify.Config{
		ProviderTimeout:  n.ProviderTimeout,
		TrackingCapacity: n.TrackingCapacity,
		BulkConcurrency:  n.BulkConcurrency,
		DefaultChannels:  n.DefaultChannels,
		Retry: backoff.Policy{
			Initial: n.Retry.Initial,
			Max:     n.Retry.Max,
			Factor:  n.Retry.Factor,
			Jitter:  n.Retry.Jitter,
		},
		MaxAttempts: n.Retry.MaxAttempts,
	}, notify.Deps{
		Directory: a.stores.Users,
		Inbox:     a.stores.Inbox,
		Realtime:  a.registry,
		Email:     email,
		SMS:       sms,
		Push:      push,
		Policy:    policy,
		Renderer:  notify.NewRenderer(cfg.Providers.Email.FromName, cfg.Providers.Email.AppURL),
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	if len(n.Recurring) > 0 {
		if err := a.dispatcher.StartRecurring(recurringJobs(n.Recurring)); err != nil {
			return nil, fmt.Errorf("start recurring jobs: %w", err)
		}
	}

	apiHandler, err := api.NewHandler(api.Config{
		Notifications: a.dispatcher,
		Auth:          authService,
		Credentials:   credentials,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create api: %w", err)
	}
	a.http = gateway.NewHTTPServer(gateway.HTTPConfig{
		Addr:              cfg.Server.Addr(),
		WSPath:            gw.Path,
		MetricsPath:       cfg.Server.MetricsPath,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}, ws, apiHandler, promRegistry, a.registry, logger)

	if k := cfg.Intake.Kafka; k.Enabled {
		a.consumer, err = intake.NewConsumer(intake.Config{
			Brokers:         k.Brokers,
			Topic:           k.Topic,
			GroupID:         k.GroupID,
			DeadLetterTopic: k.DeadLetterTopic,
		}, a.dispatcher, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("create kafka intake: %w", err)
		}
	}
	ready = true
	return a, nil
}

// start launches the background components. Errors from components that can
// fail after startup arrive on the returned channel.
func (a *app) start(ctx context.Context) <-chan error {
	errCh := make(chan error, 2)
	if a.policy != nil {
		if err := a.policy.Watch(ctx); err != nil {
			a.logger.Warn("plan policy reload disabled", "path", a.cfg.Notifications.PolicyFile, "error", err)
		}
	}
	a.liveness.Start(ctx)
	if err := a.http.Start(); err != nil {
		errCh <- err
		return errCh
	}
	if a.consumer != nil {
		consumerCtx, cancel := context.WithCancel(ctx)
		a.consumerCancel = cancel
		a.consumerWG.Add(1)
		go func() {
			defer a.consumerWG.Done()
			if err := a.consumer.Run(consumerCtx); err != nil {
				errCh <- err
			}
		}()
	}
	return errCh
}

// stop tears components down in reverse dependency order: intake first so
// no new work arrives, then HTTP, connections and the dispatcher, and the
// stores last.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if a.consumerCancel != nil {
		a.consumerCancel()
		a.consumerWG.Wait()
	}
	if a.consumer != nil {
		errs = append(errs, a.consumer.Close())
	}
	if a.http != nil {
		errs = append(errs, a.http.Stop(ctx))
	}
	if a.liveness != nil {
		a.liveness.Stop()
	}
	if a.registry != nil {
		errs = append(errs, a.registry.Shutdown(ctx))
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close())
	}
	if a.policy != nil {
		errs = append(errs, a.policy.Close())
	}
	errs = append(errs, a.stores.Close())
	if a.stopTracer != nil {
		errs = append(errs, a.stopTracer(ctx))
	}
	return errors.Join(errs...)
}

func authConfig(cfg config.AuthConfig) auth.Config {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:            key.Key,
			UserID:         key.UserID,
			Name:           key.Name,
			Role:           key.Role,
			Plan:           key.Plan,
			OrganizationID: key.OrganizationID,
		})
	}
	return auth.Config{JWTSecret: cfg.JWTSecret, APIKeys: keys}
}

func recurringJobs(jobs []config.RecurringJobConfig) []notify.RecurringJob {
	out := make([]notify.RecurringJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, notify.RecurringJob{
			Name:           job.Name,
			Schedule:       job.Schedule,
			Role:           models.Role(job.Role),
			OrganizationID: job.OrganizationID,
			Template:       job.Template,
		})
	}
	return out
}

// openStores builds the configured storage driver, loads seed users into the
// memory driver and layers Redis presence on top when configured.
func openStores(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.StoreSet, error) {
	var stores storage.StoreSet
	switch cfg.Driver {
	case "postgres":
		pool := storage.DefaultPostgresConfig()
		pool.MaxOpenConns = cfg.MaxOpenConns
		pool.MaxIdleConns = cfg.MaxIdleConns
		pool.ConnMaxLifetime = cfg.ConnMaxLifetime
		var err error
		stores, err = storage.NewPostgresStoresFromDSN(cfg.DSN, pool)
		if err != nil {
			return storage.StoreSet{}, fmt.Errorf("open postgres: %w", err)
		}
	default:
		users, err := loadSeedUsers(cfg.SeedFile)
		if err != nil {
			return storage.StoreSet{}, err
		}
		stores = storage.NewMemoryStores(users...)
		logger.Info("memory storage ready", "seed_users", len(users))
	}

	if addr := strings.TrimSpace(cfg.RedisPresenceAddr); addr != "" {
		client := storage.NewRedisClient(addr)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = stores.Close()
			return storage.StoreSet{}, fmt.Errorf("connect redis presence: %w", err)
		}
		stores = stores.WithPresence(storage.NewRedisPresenceStore(client, cfg.PresenceTTL), client.Close)
		logger.Info("redis presence enabled", "addr", addr)
	}
	return stores, nil
}

// loadSeedUsers reads a JSON or JSON5 array of users.
func loadSeedUsers(path string) ([]*models.User, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed users: %w", err)
	}
	var raw []any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed users %s: %w", path, err)
	}
	// Round-trip through encoding/json so the model's json tags apply.
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse seed users %s: %w", path, err)
	}
	var users []*models.User
	if err := json.Unmarshal(normalized, &users); err != nil {
		return nil, fmt.Errorf("parse seed users %s: %w", path, err)
	}
	for i, user := range users {
		if user == nil || strings.TrimSpace(user.ID) == "" {
			return nil, fmt.Errorf("seed user %d has no id", i)
		}
	}
	return users, nil
}

// buildProviders picks the real provider for each external channel when its
// credentials are configured and a log-only sink otherwise.
func buildProviders(ctx context.Context, cfg config.ProvidersConfig, n config.NotificationsConfig, logger *slog.Logger) (notify.EmailProvider, notify.SMSProvider, notify.PushProvider, error) {
	var (
		email notify.EmailProvider = logsink.NewEmail(logger)
		sms   notify.SMSProvider   = logsink.NewSMS(logger)
		push  notify.PushProvider  = logsink.NewPush(logger)
	)

	if key := strings.TrimSpace(cfg.Email.SendGridAPIKey); key != "" {
		provider, err := sendgrid.New(sendgrid.Config{
			APIKey:      key,
			FromName:    cfg.Email.FromName,
			FromAddress: cfg.Email.FromAddress,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		email = provider
	} else {
		logger.Warn("email provider not configured, using log sink")
	}

	if cfg.SMS.TwilioAccountSID != "" && cfg.SMS.TwilioAuthToken != "" {
		provider, err := twilio.New(twilio.Config{
			AccountSID:    cfg.SMS.TwilioAccountSID,
			AuthToken:     cfg.SMS.TwilioAuthToken,
			FromNumber:    cfg.SMS.FromNumber,
			DefaultRegion: cfg.SMS.DefaultRegion,
			Timeout:       n.ProviderTimeout,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		sms = provider
	} else {
		logger.Warn("sms provider not configured, using log sink")
	}

	pushCfg := fcm.Config{
		ProjectID: cfg.Push.FCMProjectID,
		Endpoint:  cfg.Push.Endpoint,
		Timeout:   n.ProviderTimeout,
	}
	switch {
	case strings.TrimSpace(cfg.Push.FCMCredentialsFile) != "":
		provider, err := fcm.NewFromCredentialsFile(ctx, pushCfg, cfg.Push.FCMCredentialsFile, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		push = provider
	case strings.TrimSpace(cfg.Push.FCMProjectID) != "":
		provider, err := fcm.NewWithDefaultCredentials(ctx, pushCfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		push = provider
	default:
		logger.Warn("push provider not configured, using log sink")
	}
	return email, sms, push, nil
}
