package notify

import (
	"fmt"
	"testing"

	"github.com/mewayz/fabric/pkg/models"
)

func record(id string, outcomes ...bool) *Record {
	r := &Record{NotificationID: id, Outcomes: make(map[models.Channel]models.ChannelOutcome)}
	for i, ok := range outcomes {
		channel := models.AllChannels[i]
		r.Outcomes[channel] = models.ChannelOutcome{Channel: channel, Success: ok}
	}
	return r
}

func TestTrackerEvictsOldest(t *testing.T) {
	tracker, err := NewTracker(3)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		tracker.Track(record(fmt.Sprintf("n-%d", i), true))
	}
	if tracker.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tracker.Len())
	}
	for _, id := range []string{"n-0", "n-1"} {
		if _, ok := tracker.Get(id); ok {
			t.Fatalf("%s should have been evicted", id)
		}
	}
	if _, ok := tracker.Get("n-4"); !ok {
		t.Fatal("newest record missing")
	}
}

func TestTrackerStats(t *testing.T) {
	tracker, err := NewTracker(0)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	if stats := tracker.Stats(); stats.TotalNotifications != 0 || stats.SuccessRate != 0 {
		t.Fatalf("empty stats = %+v", stats)
	}

	tracker.Track(record("a", true, true))
	tracker.Track(record("b", true, false, false, false))
	tracker.Track(record("c"))

	stats := tracker.Stats()
	if stats.TotalNotifications != 3 {
		t.Fatalf("TotalNotifications = %d", stats.TotalNotifications)
	}
	if stats.SuccessRate != 50 {
		t.Fatalf("SuccessRate = %v, want 50", stats.SuccessRate)
	}
	if got := stats.Channels[models.ChannelRealtime]; got != (ChannelStats{Total: 2, Successful: 2}) {
		t.Fatalf("realtime = %+v", got)
	}
	if got := stats.Channels[models.ChannelEmail]; got != (ChannelStats{Total: 2, Successful: 1}) {
		t.Fatalf("email = %+v", got)
	}
	if got := record("x", true, false).SuccessfulChannels(); got != 1 {
		t.Fatalf("SuccessfulChannels() = %d", got)
	}
}
