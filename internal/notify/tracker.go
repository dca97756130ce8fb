package notify

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mewayz/fabric/pkg/models"
)

// DefaultTrackingCapacity is the number of delivery records kept.
const DefaultTrackingCapacity = 1000

// Record is the delivery history of one notification.
type Record struct {
	NotificationID string                                   `json:"notificationId"`
	UserID         string                                   `json:"userId"`
	Type           models.NotificationType                  `json:"type"`
	Outcomes       map[models.Channel]models.ChannelOutcome `json:"outcomes"`
	Filtered       []models.Channel                         `json:"filtered,omitempty"`
	TrackedAt      time.Time                                `json:"trackedAt"`
}

// SuccessfulChannels counts channels that delivered.
func (r *Record) SuccessfulChannels() int {
	n := 0
	for _, outcome := range r.Outcomes {
		if outcome.Success {
			n++
		}
	}
	return n
}

// Tracker keeps the most recent delivery records, evicting the least
// recently tracked when full.
type Tracker struct {
	cache *lru.Cache[string, *Record]
}

func NewTracker(capacity int) (*Tracker, error) {
	if capacity <= 0 {
		capacity = DefaultTrackingCapacity
	}
	cache, err := lru.New[string, *Record](capacity)
	if err != nil {
		return nil, fmt.Errorf("delivery tracker: %w", err)
	}
	return &Tracker{cache: cache}, nil
}

func (t *Tracker) Track(record *Record) {
	t.cache.Add(record.NotificationID, record)
}

// Get returns a record without refreshing its recency.
func (t *Tracker) Get(id string) (*Record, bool) {
	return t.cache.Peek(id)
}

func (t *Tracker) Len() int {
	return t.cache.Len()
}

// ChannelStats counts outcomes on one channel.
type ChannelStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
}

// Stats summarizes the tracked records.
type Stats struct {
	TotalNotifications int                             `json:"totalNotifications"`
	SuccessRate        float64                         `json:"successRate"`
	Channels           map[models.Channel]ChannelStats `json:"channelStats"`
	ScheduledPending   int                             `json:"scheduledPending"`
}

// Stats aggregates outcomes over every retained record. SuccessRate is a
// percentage of channel deliveries.
func (t *Tracker) Stats() Stats {
	stats := Stats{Channels: make(map[models.Channel]ChannelStats)}
	var total, successful int
	for _, record := range t.cache.Values() {
		stats.TotalNotifications++
		for channel, outcome := range record.Outcomes {
			cs := stats.Channels[channel]
			cs.Total++
			total++
			if outcome.Success {
				cs.Successful++
				successful++
			}
			stats.Channels[channel] = cs
		}
	}
	if total > 0 {
		stats.SuccessRate = float64(successful) / float64(total) * 100
	}
	return stats
}
