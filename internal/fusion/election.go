// v0
// internal/fusion/election.go
package fusion

import (
	"sync"

	"nrgchamp/tagfusion/internal/sighting"
)

// Vote is an accepted sighting recorded in the ballot together with the
// smoothed RSSI computed at ingest.
type Vote struct {
	sighting.Sighting
	SmoothedRSSI int
}

// Winner is the authoritative reading for one tag in one collection
// period.
type Winner struct {
	Vote
	// Candidates is the number of distinct receivers that reported the tag.
	Candidates int
}

type tagVotes struct {
	order      []string
	byReceiver map[string]Vote
}

// Ballot collects votes for one collection period. Votes are accepted only
// while the ballot is open.
type Ballot struct {
	mu    sync.Mutex
	open  bool
	tags  []string
	votes map[string]*tagVotes
}

// NewBallot returns a closed, empty ballot.
func NewBallot() *Ballot {
	return &Ballot{votes: make(map[string]*tagVotes)}
}

// Open starts accepting votes.
func (b *Ballot) Open() {
	b.mu.Lock()
	b.open = true
	b.mu.Unlock()
}

// IsOpen reports whether votes are currently recorded.
func (b *Ballot) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Record stores v, replacing any earlier vote from the same receiver for
// the same tag while keeping that receiver's first position. It returns
// false when the ballot is closed.
func (b *Ballot) Record(v Vote) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return false
	}
	tv, ok := b.votes[v.TagMAC]
	if !ok {
		tv = &tagVotes{byReceiver: make(map[string]Vote)}
		b.votes[v.TagMAC] = tv
		b.tags = append(b.tags, v.TagMAC)
	}
	if _, seen := tv.byReceiver[v.ReceiverID]; !seen {
		tv.order = append(tv.order, v.ReceiverID)
	}
	tv.byReceiver[v.ReceiverID] = v
	return true
}

// Close stops accepting votes, swaps out the collected votes and elects one
// winner per tag: the greatest RSSI, ties going to the receiver that voted
// first. Winners are returned in first-seen tag order.
func (b *Ballot) Close() []Winner {
	b.mu.Lock()
	tags, votes := b.tags, b.votes
	b.tags, b.votes = nil, make(map[string]*tagVotes)
	b.open = false
	b.mu.Unlock()

	winners := make([]Winner, 0, len(tags))
	for _, tag := range tags {
		tv := votes[tag]
		var (
			best  Vote
			found bool
		)
		for _, receiver := range tv.order {
			v := tv.byReceiver[receiver]
			if !found || outranks(v, best) {
				best, found = v, true
			}
		}
		if found {
			winners = append(winners, Winner{Vote: best, Candidates: len(tv.order)})
		}
	}
	return winners
}

// outranks reports whether v beats best. An RSSI of zero means "no
// reading" and loses to any real measurement.
func outranks(v, best Vote) bool {
	if v.RSSI == 0 {
		return false
	}
	if best.RSSI == 0 {
		return true
	}
	return v.RSSI > best.RSSI
}

// Discard drops any collected votes and closes the ballot.
func (b *Ballot) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.tags)
	b.tags, b.votes = nil, make(map[string]*tagVotes)
	b.open = false
	return n
}
