package notify

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mewayz/fabric/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// RecurringJob sends Template on a cron schedule to every active user with
// Role, or to every active member of OrganizationID when Role is empty.
type RecurringJob struct {
	Name           string
	Schedule       string
	Role           models.Role
	OrganizationID string
	Template       models.NotificationRequest
}

func (j RecurringJob) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("recurring job: name is required")
	}
	if j.Role == "" && strings.TrimSpace(j.OrganizationID) == "" {
		return fmt.Errorf("recurring job %s: role or organization is required", j.Name)
	}
	if _, err := cronParser.Parse(j.Schedule); err != nil {
		return fmt.Errorf("recurring job %s: invalid schedule %q: %w", j.Name, j.Schedule, err)
	}
	return nil
}

// RecurringEntry describes a registered job.
type RecurringEntry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Recurring runs RecurringJobs through a cron runner in UTC.
type Recurring struct {
	runner *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]RecurringJob
	ids  map[string]cron.EntryID
}

func newRecurring(logger *slog.Logger) *Recurring {
	adapter := cronLogger{logger: logger}
	return &Recurring{
		runner: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		jobs:   make(map[string]RecurringJob),
		ids:    make(map[string]cron.EntryID),
	}
}

func (r *Recurring) add(job RecurringJob, run func(RecurringJob)) error {
	if err := job.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("recurring job %s: already registered", job.Name)
	}
	id, err := r.runner.AddFunc(job.Schedule, func() { run(job) })
	if err != nil {
		return fmt.Errorf("recurring job %s: %w", job.Name, err)
	}
	r.jobs[job.Name] = job
	r.ids[job.Name] = id
	return nil
}

// Entries lists registered jobs ordered by name.
func (r *Recurring) Entries() []RecurringEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]RecurringEntry, 0, len(r.jobs))
	for name, job := range r.jobs {
		e := r.runner.Entry(r.ids[name])
		entries = append(entries, RecurringEntry{Name: name, Schedule: job.Schedule, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Stop halts the runner and waits for running jobs.
func (r *Recurring) Stop() {
	<-r.runner.Stop().Done()
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// StartRecurring registers jobs and starts the cron runner. It can be called
// once; jobs are validated before any is registered.
func (d *Dispatcher) StartRecurring(jobs []RecurringJob) error {
	if d.baseCtx.Err() != nil {
		return ErrClosed
	}
	for _, job := range jobs {
		if err := job.validate(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.recurring != nil {
		return fmt.Errorf("recurring jobs already started")
	}
	rec := newRecurring(d.logger)
	for _, job := range jobs {
		if err := rec.add(job, d.runRecurring); err != nil {
			return err
		}
	}
	d.recurring = rec
	rec.runner.Start()
	d.logger.Info("recurring notifications started", "jobs", len(jobs))
	return nil
}

// RecurringEntries lists registered recurring jobs.
func (d *Dispatcher) RecurringEntries() []RecurringEntry {
	d.mu.Lock()
	rec := d.recurring
	d.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Entries()
}

func (d *Dispatcher) runRecurring(job RecurringJob) {
	if !d.acquire() {
		return
	}
	defer d.wg.Done()
	ctx := d.baseCtx

	var (
		result *BulkResult
		err    error
	)
	if job.Role != "" {
		result, err = d.RoleDispatch(ctx, job.Role, job.Template, job.OrganizationID)
	} else {
		result, err = d.OrganizationDispatch(ctx, job.OrganizationID, job.Template)
	}
	if err != nil {
		d.logger.Warn("recurring notification failed", "job", job.Name, "error", err)
		return
	}
	d.logger.Info("recurring notification sent",
		"job", job.Name,
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed,
	)
}
