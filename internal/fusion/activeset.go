// v1
// internal/fusion/activeset.go
package fusion

import (
	"sort"
	"sync"
	"time"
)

// ActiveEntry is a fresh range estimate from one anchor.
type ActiveEntry struct {
	AnchorID string    `json:"anchor_id"`
	Distance float64   `json:"distance"`
	LastSeen time.Time `json:"last_seen"`
}

// Eviction describes an entry removed for staleness.
type Eviction struct {
	TagMAC   string
	AnchorID string
	Age      time.Duration
}

// ActiveSet holds, per tag, the anchors that reported within the staleness
// timeout.
type ActiveSet struct {
	mu   sync.Mutex
	tags map[string]map[string]ActiveEntry
}

// NewActiveSet returns an empty ActiveSet.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{tags: make(map[string]map[string]ActiveEntry)}
}

// Update records distance from anchor for tag.
func (s *ActiveSet) Update(tag, anchorID string, distance float64, seen time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchors, ok := s.tags[tag]
	if !ok {
		anchors = make(map[string]ActiveEntry)
		s.tags[tag] = anchors
	}
	anchors[anchorID] = ActiveEntry{AnchorID: anchorID, Distance: distance, LastSeen: seen}
}

// Evict removes entries older than timeout at now and returns them sorted
// by tag then anchor. Tags left without anchors are forgotten.
func (s *ActiveSet) Evict(now time.Time, timeout time.Duration) []Eviction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Eviction
	for tag, anchors := range s.tags {
		for id, e := range anchors {
			if age := now.Sub(e.LastSeen); age > timeout {
				delete(anchors, id)
				out = append(out, Eviction{TagMAC: tag, AnchorID: id, Age: age})
			}
		}
		if len(anchors) == 0 {
			delete(s.tags, tag)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TagMAC != out[j].TagMAC {
			return out[i].TagMAC < out[j].TagMAC
		}
		return out[i].AnchorID < out[j].AnchorID
	})
	return out
}

// Snapshot returns the active entries for tag sorted by anchor id.
func (s *ActiveSet) Snapshot(tag string) []ActiveEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchors := s.tags[tag]
	out := make([]ActiveEntry, 0, len(anchors))
	for _, e := range anchors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnchorID < out[j].AnchorID })
	return out
}

// Tags returns every tag with at least one active anchor in lexical order.
func (s *ActiveSet) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Len reports the total number of active (tag, anchor) entries.
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, anchors := range s.tags {
		n += len(anchors)
	}
	return n
}
