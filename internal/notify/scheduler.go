package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/mewayz/fabric/pkg/models"
)

// ScheduledItem is a request waiting for its delivery time.
type ScheduledItem struct {
	ID        string                     `json:"id"`
	Request   models.NotificationRequest `json:"request"`
	At        time.Time                  `json:"scheduledAt"`
	CreatedAt time.Time                  `json:"createdAt"`
}

type scheduledEntry struct {
	item  ScheduledItem
	timer *clock.Timer
}

// Scheduler holds one-shot timers for future notifications. Each item fires
// at most once and is forgotten when it fires or is cancelled. Pending items
// are lost on restart.
type Scheduler struct {
	clock   clock.Clock
	fire    func(ScheduledItem)
	onCount func(int)

	mu      sync.Mutex
	entries map[string]*scheduledEntry
	closed  bool
}

func newScheduler(clk clock.Clock, fire func(ScheduledItem), onCount func(int)) *Scheduler {
	if onCount == nil {
		onCount = func(int) {}
	}
	return &Scheduler{
		clock:   clk,
		fire:    fire,
		onCount: onCount,
		entries: make(map[string]*scheduledEntry),
	}
}

// Schedule arms a timer for req at at. It returns false after Close.
func (s *Scheduler) Schedule(req models.NotificationRequest, at time.Time) (ScheduledItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ScheduledItem{}, false
	}
	now := s.clock.Now()
	item := ScheduledItem{ID: uuid.NewString(), Request: req, At: at, CreatedAt: now}
	entry := &scheduledEntry{item: item}
	entry.timer = s.clock.AfterFunc(at.Sub(now), func() { s.run(item.ID) })
	s.entries[item.ID] = entry
	s.onCount(len(s.entries))
	return item, true
}

func (s *Scheduler) run(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	closed := s.closed
	count := len(s.entries)
	s.mu.Unlock()
	if !ok || closed {
		return
	}
	s.onCount(count)
	s.fire(entry.item)
}

// Cancel stops a pending item. It reports whether the item was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.entries, id)
	s.onCount(len(s.entries))
	return true
}

// List returns pending items ordered by delivery time.
func (s *Scheduler) List() []ScheduledItem {
	s.mu.Lock()
	items := make([]ScheduledItem, 0, len(s.entries))
	for _, entry := range s.entries {
		items = append(items, entry.item)
	}
	s.mu.Unlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].At.Equal(items[j].At) {
			return items[i].ID < items[j].ID
		}
		return items[i].At.Before(items[j].At)
	})
	return items
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops every pending timer. Pending items are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, id)
	}
	s.onCount(0)
}
