// v0
// internal/fusion/dedup.go
package fusion

import (
	"fmt"
	"strings"
	"sync"
)

// KeyMode selects how per-tag state is partitioned.
type KeyMode string

const (
	// KeyTag shares state across all receivers of a tag.
	KeyTag KeyMode = "tag"
	// KeyTagReceiver keeps separate state per (tag, receiver).
	KeyTagReceiver KeyMode = "tag_receiver"
)

// ParseKeyMode accepts "tag" and "tag_receiver" (case-insensitive).
func ParseKeyMode(raw string) (KeyMode, error) {
	switch KeyMode(strings.ToLower(strings.TrimSpace(raw))) {
	case KeyTag:
		return KeyTag, nil
	case KeyTagReceiver:
		return KeyTagReceiver, nil
	default:
		return "", fmt.Errorf("unknown key mode %q", raw)
	}
}

// Key builds the state key for a sighting of tag seen by receiver.
func (m KeyMode) Key(tag, receiver string) string {
	if m == KeyTagReceiver {
		return tag + "|" + receiver
	}
	return tag
}

// Deduplicator admits only strictly increasing sequence numbers per key.
// Wraparound is not handled: a counter that restarts is rejected until it
// passes the stored maximum.
type Deduplicator struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewDeduplicator returns an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{last: make(map[string]uint64)}
}

// Accept reports whether seq is new for key and records it when it is.
func (d *Deduplicator) Accept(key string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, seen := d.last[key]
	if seen && seq <= prev {
		return false
	}
	d.last[key] = seq
	return true
}

// Last returns the highest accepted sequence for key.
func (d *Deduplicator) Last(key string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.last[key]
	return v, ok
}
