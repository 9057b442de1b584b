// v0
// internal/fusion/tags.go
package fusion

import (
	"sort"
	"sync"
	"time"

	"nrgchamp/tagfusion/internal/sighting"
)

// TagState is what the coordinator last heard from a tag. Telemetry fields
// keep their previous value when a later sighting omits them.
type TagState struct {
	TagMAC     string `json:"tag_mac"`
	ReceiverID string `json:"receiver_id"`
	RSSI       int    `json:"rssi"`
	// HighestSequence is the dedup high-water mark for the last sighting's key.
	HighestSequence uint64        `json:"highest_sequence"`
	LastSeen        time.Time     `json:"last_seen"`
	Temperature     *float64      `json:"temperature,omitempty"`
	TemperatureAt   *time.Time    `json:"temperature_at,omitempty"`
	Battery         *uint8        `json:"battery,omitempty"`
	BatteryAt       *time.Time    `json:"battery_at,omitempty"`
	Active          []ActiveEntry `json:"active"`
}

type tagStore struct {
	mu   sync.RWMutex
	tags map[string]TagState
}

func newTagStore() *tagStore {
	return &tagStore{tags: make(map[string]TagState)}
}

// observe merges an accepted sighting into the tag record.
func (t *tagStore) observe(s sighting.Sighting, highest uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.tags[s.TagMAC]
	st.TagMAC = s.TagMAC
	st.ReceiverID = s.ReceiverID
	st.RSSI = s.RSSI
	st.HighestSequence = highest
	st.LastSeen = s.ReceivedAt
	if s.Temperature != nil {
		v, at := *s.Temperature, s.ReceivedAt
		st.Temperature, st.TemperatureAt = &v, &at
	}
	if s.Battery != nil {
		v, at := *s.Battery, s.ReceivedAt
		st.Battery, st.BatteryAt = &v, &at
	}
	t.tags[s.TagMAC] = st
}

// fill completes missing telemetry of v from the tag record.
func (t *tagStore) fill(v Vote) Vote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.tags[v.TagMAC]
	if !ok {
		return v
	}
	if v.Battery == nil && st.Battery != nil {
		b := *st.Battery
		v.Battery = &b
	}
	if v.Temperature == nil && st.Temperature != nil {
		c := *st.Temperature
		v.Temperature = &c
	}
	return v
}

func (t *tagStore) get(tag string) (TagState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.tags[tag]
	return st, ok
}

func (t *tagStore) list() []TagState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TagState, 0, len(t.tags))
	for _, st := range t.tags {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagMAC < out[j].TagMAC })
	return out
}

func (t *tagStore) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tags)
}

// Tag returns the last known state of tag together with its active anchors.
func (p *Pipeline) Tag(tag string) (TagState, bool) {
	st, ok := p.tags.get(tag)
	if !ok {
		return TagState{}, false
	}
	st.Active = p.active.Snapshot(tag)
	return st, true
}

// Tags returns the state of every tag heard since startup.
func (p *Pipeline) Tags() []TagState {
	out := p.tags.list()
	for i := range out {
		out[i].Active = p.active.Snapshot(out[i].TagMAC)
	}
	return out
}
