// v0
// internal/simulator/simulator_test.go
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nrgchamp/tagfusion/internal/anchor"
	"nrgchamp/tagfusion/internal/clock"
	"nrgchamp/tagfusion/internal/fusion"
	"nrgchamp/tagfusion/internal/sighting"
)

var t0 = time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC)

func square() Config {
	return Config{
		Receivers: []anchor.Anchor{
			{ID: "A", X: 0, Y: 0},
			{ID: "B", X: 10, Y: 0},
			{ID: "C", X: 0, Y: 10},
			{ID: "D", X: 10, Y: 10},
		},
		Tags:             []string{"aa-bb-cc-dd-ee-01"},
		ReferencePower:   -59,
		PathLossExponent: 2,
		Period:           80 * time.Second,
		Temperature:      5,
		Seed:             7,
	}
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	fail   bool
}

func (r *recorder) Publish(_ context.Context, topic string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broker down")
	}
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRSSIAtInvertsEstimator(t *testing.T) {
	assert.InDelta(t, -59.0, RSSIAt(1, -59, 2), 1e-12)
	assert.InDelta(t, -79.0, RSSIAt(10, -59, 2), 1e-12)
	assert.Equal(t, RSSIAt(0.1, -59, 2), RSSIAt(0, -59, 2), "distances are clamped")

	d, ok := fusion.EstimateDistance(int(RSSIAt(10, -59, 2)), -59, 2)
	require.True(t, ok)
	assert.InDelta(t, 10.0, d, 1e-9)
}

func TestStepIsDeterministicAndDecodable(t *testing.T) {
	cfg := square()
	cfg.NoiseStdDev = 3
	a, err := New(cfg)
	require.NoError(t, err)
	b, err := New(cfg)
	require.NoError(t, err)

	first := a.Step(t0)
	assert.Equal(t, first, b.Step(t0))
	require.Len(t, first, 4)

	var last uint64
	for _, r := range first {
		assert.Equal(t, "AA:BB:CC:DD:EE:01", r.MAC)
		assert.Greater(t, r.SequenceNumber, last)
		last = r.SequenceNumber
	}

	g, err := New(cfg)
	require.NoError(t, err)
	pub := &recorder{}
	require.NoError(t, g.Run(context.Background(), clock.NewFake(t0), pub, "election/votes/", time.Second, 1, discard()))
	require.Equal(t, 4, pub.count())
	for _, topic := range pub.topics {
		assert.Contains(t, []string{"election/votes/A", "election/votes/B", "election/votes/C", "election/votes/D"}, topic)
	}

	payload, err := json.Marshal(first[0])
	require.NoError(t, err)
	s, err := sighting.Decode(payload, t0)
	require.NoError(t, err)
	assert.Equal(t, first[0].ReceiverID, s.ReceiverID)
	assert.Equal(t, first[0].RSSI, s.RSSI)
	assert.Equal(t, first[0].SequenceNumber, s.SequenceNumber)
	require.NotNil(t, s.Battery)
	assert.Equal(t, first[0].Battery, *s.Battery)
}

func TestNoiselessStrongestReceiverIsNearest(t *testing.T) {
	g, err := New(square())
	require.NoError(t, err)
	g.Step(t0)

	// An eighth of a lap puts the tag at (7.5, 7.5).
	pos := g.Position(0, 10*time.Second)
	assert.InDelta(t, 7.5, pos.X, 1e-9)
	assert.InDelta(t, 7.5, pos.Y, 1e-9)

	readings := g.Step(t0.Add(10 * time.Second))
	require.Len(t, readings, 4)
	best := readings[0]
	for _, r := range readings[1:] {
		if r.RSSI > best.RSSI {
			best = r
		}
	}
	assert.Equal(t, "D", best.ReceiverID)
	assert.Equal(t, t0.Add(10*time.Second), best.Timestamp)
}

func TestDropRateSilencesReceivers(t *testing.T) {
	cfg := square()
	cfg.DropRate = 0.999
	g, err := New(cfg)
	require.NoError(t, err)
	total := 0
	for i := 0; i < 10; i++ {
		total += len(g.Step(t0.Add(time.Duration(i) * time.Second)))
	}
	assert.Less(t, total, 40)
}

func TestRunTicksUntilStepsSent(t *testing.T) {
	g, err := New(square())
	require.NoError(t, err)
	clk := clock.NewFake(t0)
	pub := &recorder{}

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background(), clk, pub, "election/votes", time.Second, 2, discard())
	}()
	require.Eventually(t, func() bool { return clk.Tickers() == 1 && pub.count() == 4 }, time.Second, time.Millisecond)
	clk.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop after the requested steps")
	}
	assert.Equal(t, 8, pub.count())
}

func TestRunKeepsGoingOnPublishErrorsAndStopsOnCancel(t *testing.T) {
	g, err := New(square())
	require.NoError(t, err)
	clk := clock.NewFake(t0)
	pub := &recorder{fail: true}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, clk, pub, "election/votes", time.Second, 0, discard()) }()
	require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
	assert.Zero(t, pub.count())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := square()
	cfg.Receivers = nil
	_, err := New(cfg)
	assert.ErrorIs(t, err, anchor.ErrEmptyTable)

	cfg = square()
	cfg.Tags = []string{"not-a-mac"}
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = square()
	cfg.DropRate = 1
	_, err = New(cfg)
	assert.Error(t, err)

	_, err = New(square())
	require.NoError(t, err)
	g, _ := New(square())
	assert.Error(t, g.Run(context.Background(), clock.NewFake(t0), &recorder{}, "p", 0, 1, discard()))
}
