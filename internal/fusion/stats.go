// v1
// internal/fusion/stats.go
package fusion

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nrgchamp/tagfusion/internal/report"
)

// Outcome classifies what Deliver did with a sighting.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDuplicate
	OutcomeQuiescent
	OutcomeMalformed
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeQuiescent:
		return "quiescent"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type counters struct {
	accepted   atomic.Uint64
	duplicates atomic.Uint64
	quiescent  atomic.Uint64
	malformed  atomic.Uint64
	dropped    atomic.Uint64
	elections  atomic.Uint64
	evictions  atomic.Uint64
	published  atomic.Uint64

	mu         sync.Mutex
	lastWinner *WinnerSummary
}

func (c *counters) setLastWinner(w Winner) {
	c.mu.Lock()
	c.lastWinner = &WinnerSummary{
		TagMAC:     w.TagMAC,
		ReceiverID: w.ReceiverID,
		RSSI:       w.RSSI,
		ReceivedAt: w.ReceivedAt,
	}
	c.mu.Unlock()
}

// WinnerSummary is the last election winner reported in coordinator status.
type WinnerSummary struct {
	TagMAC     string    `json:"tag_mac"`
	ReceiverID string    `json:"receiver_id"`
	RSSI       int       `json:"rssi"`
	ReceivedAt time.Time `json:"received_at"`
}

// Stats is a point-in-time view of the coordinator counters.
type Stats struct {
	InstanceID    string         `json:"instance_id"`
	Status        string         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	Timestamp     time.Time      `json:"timestamp"`
	Accepted      uint64         `json:"accepted"`
	Duplicates    uint64         `json:"duplicates"`
	Quiescent     uint64         `json:"quiescent"`
	Malformed     uint64         `json:"malformed"`
	Dropped       uint64         `json:"dropped"`
	ElectionCount uint64         `json:"election_count"`
	Evictions     uint64         `json:"evictions"`
	PublishCount  uint64         `json:"publish_count"`
	ActiveEntries int            `json:"active_entries"`
	Tags          int            `json:"tags"`
	TrackedTags   int            `json:"tracked_tags"`
	BallotOpen    bool           `json:"ballot_open"`
	LastWinner    *WinnerSummary `json:"last_winner,omitempty"`
}

// Stats snapshots the counters.
func (p *Pipeline) Stats() Stats {
	p.stats.mu.Lock()
	var last *WinnerSummary
	if p.stats.lastWinner != nil {
		cp := *p.stats.lastWinner
		last = &cp
	}
	p.stats.mu.Unlock()

	p.latestMu.RLock()
	tags := len(p.latest)
	p.latestMu.RUnlock()

	return Stats{
		InstanceID:    p.cfg.InstanceID,
		Status:        "online",
		StartedAt:     p.startedAt,
		Timestamp:     p.clock.Now().UTC(),
		Accepted:      p.stats.accepted.Load(),
		Duplicates:    p.stats.duplicates.Load(),
		Quiescent:     p.stats.quiescent.Load(),
		Malformed:     p.stats.malformed.Load(),
		Dropped:       p.stats.dropped.Load(),
		ElectionCount: p.stats.elections.Load(),
		Evictions:     p.stats.evictions.Load(),
		PublishCount:  p.stats.published.Load(),
		ActiveEntries: p.active.Len(),
		Tags:          tags,
		TrackedTags:   p.tags.count(),
		BallotOpen:    p.ballot.IsOpen(),
		LastWinner:    last,
	}
}

func sortEstimates(ests []report.Estimate) {
	sort.Slice(ests, func(i, j int) bool { return ests[i].TagMAC < ests[j].TagMAC })
}
