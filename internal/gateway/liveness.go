package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mewayz/fabric/internal/observability"
)

// LivenessMonitor probes every connection once per interval and evicts
// connections that did not answer the previous probe.
type LivenessMonitor struct {
	registry *Registry
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// LivenessConfig configures a LivenessMonitor. Interval defaults to 30s.
type LivenessConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

func NewLivenessMonitor(registry *Registry, cfg LivenessConfig) *LivenessMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LivenessMonitor{
		registry: registry,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "liveness"),
		metrics:  cfg.Metrics,
	}
}

// Start runs sweeps until ctx is cancelled or Stop is called. Calling Start
// on a running monitor is a no-op.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	ticker := m.clock.Ticker(m.interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}(m.done)
	m.logger.Info("liveness monitor started", "interval", m.interval.String())
}

// Stop halts the sweep loop and waits for it to exit.
func (m *LivenessMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep runs one probe round. A connection still marked not-alive from the
// previous round is terminated and removed; every other connection is marked
// not-alive and pinged.
func (m *LivenessMonitor) Sweep() (probed, evicted int) {
	for _, conn := range m.registry.connections() {
		if !conn.alive.Load() {
			if err := conn.transport.Terminate(); err != nil {
				m.logger.Debug("terminate unresponsive connection", "connection_id", conn.ID, "error", err)
			}
			if m.registry.Remove(conn.ID) {
				evicted++
				m.metrics.ConnectionEvicted()
				m.logger.Info("connection evicted", "connection_id", conn.ID, "user_id", conn.User.ID)
			}
			continue
		}
		conn.alive.Store(false)
		if err := conn.transport.Ping(); err != nil {
			m.logger.Debug("ping failed", "connection_id", conn.ID, "error", err)
		}
		probed++
	}
	return probed, evicted
}
