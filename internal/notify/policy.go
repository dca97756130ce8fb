package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mewayz/fabric/pkg/models"
)

// ChannelPolicy decides which channels a user's plan allows.
type ChannelPolicy interface {
	Allowed(user *models.User, channel models.Channel) bool
}

// PlanPolicy maps plans to allowed channels. Plans listed in Plans use that
// list; other plans use Free or Paid depending on Plan.IsFree.
type PlanPolicy struct {
	Free  []models.Channel            `yaml:"free"`
	Paid  []models.Channel            `yaml:"paid"`
	Plans map[string][]models.Channel `yaml:"plans"`
}

// DefaultPlanPolicy keeps sms and push for paid plans.
func DefaultPlanPolicy() *PlanPolicy {
	return &PlanPolicy{
		Free: []models.Channel{models.ChannelRealtime, models.ChannelEmail, models.ChannelInApp},
		Paid: append([]models.Channel(nil), models.AllChannels...),
	}
}

func (p *PlanPolicy) Allowed(user *models.User, channel models.Channel) bool {
	if user == nil {
		return false
	}
	return containsChannel(p.channelsFor(user.Plan), channel)
}

func (p *PlanPolicy) channelsFor(plan models.Plan) []models.Channel {
	if list, ok := p.Plans[strings.ToLower(strings.TrimSpace(string(plan)))]; ok {
		return list
	}
	if plan.IsFree() {
		return p.Free
	}
	return p.Paid
}

func containsChannel(list []models.Channel, channel models.Channel) bool {
	for _, c := range list {
		if c == channel {
			return true
		}
	}
	return false
}

// ParsePlanPolicy decodes a YAML policy document. Plan keys are matched
// case-insensitively.
func ParsePlanPolicy(data []byte) (*PlanPolicy, error) {
	var policy PlanPolicy
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&policy); err != nil {
		return nil, fmt.Errorf("parse plan policy: %w", err)
	}
	if len(policy.Free) == 0 && len(policy.Paid) == 0 && len(policy.Plans) == 0 {
		return nil, fmt.Errorf("parse plan policy: no rules")
	}
	plans := make(map[string][]models.Channel, len(policy.Plans))
	for name, channels := range policy.Plans {
		plans[strings.ToLower(strings.TrimSpace(name))] = channels
	}
	policy.Plans = plans
	return &policy, nil
}

// FilePolicy is a PlanPolicy loaded from a YAML file and reloaded when the
// file changes. A broken edit keeps the previous rules.
type FilePolicy struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[PlanPolicy]

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce time.Duration
	reloaded func()
}

// LoadFilePolicy reads path once. Call Watch to follow changes.
func LoadFilePolicy(path string, logger *slog.Logger) (*FilePolicy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &FilePolicy{
		path:     filepath.Clean(path),
		logger:   logger.With("component", "plan_policy"),
		debounce: 100 * time.Millisecond,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FilePolicy) Allowed(user *models.User, channel models.Channel) bool {
	return p.current.Load().Allowed(user, channel)
}

// Reload re-reads the file, keeping the old rules on error.
func (p *FilePolicy) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read plan policy: %w", err)
	}
	policy, err := ParsePlanPolicy(data)
	if err != nil {
		return err
	}
	p.current.Store(policy)
	return nil
}

// Watch reloads the policy whenever its file is written, created or renamed
// into place. It watches the parent directory so editor swaps are seen.
func (p *FilePolicy) Watch(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch plan policy: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	p.watcher = watcher
	p.cancel = cancel
	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

func (p *FilePolicy) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(p.debounce, func() {
			if err := p.Reload(); err != nil {
				p.logger.Warn("plan policy reload failed, keeping previous rules", "error", err)
				return
			}
			p.logger.Info("plan policy reloaded", "path", p.path)
			if p.reloaded != nil {
				p.reloaded()
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("plan policy watch error", "error", err)
		}
	}
}

// Close stops watching.
func (p *FilePolicy) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	watcher := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	p.wg.Wait()
	return err
}
