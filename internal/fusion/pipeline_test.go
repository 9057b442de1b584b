// v1
// internal/fusion/pipeline_test.go
package fusion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nrgchamp/tagfusion/internal/anchor"
	"nrgchamp/tagfusion/internal/clock"
	"nrgchamp/tagfusion/internal/metrics"
	"nrgchamp/tagfusion/internal/report"
	"nrgchamp/tagfusion/internal/sighting"
	"nrgchamp/tagfusion/internal/solver"
)

const tag = "AA:BB:CC:DD:EE:01"

var epoch = time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC)

func triangleTable(t *testing.T) *anchor.Table {
	t.Helper()
	table, err := anchor.NewTable([]anchor.Anchor{
		{ID: "A", X: 0, Y: 0},
		{ID: "B", X: 4, Y: 0},
		{ID: "C", X: 2, Y: 3},
	})
	require.NoError(t, err)
	return table
}

type recordingSink struct {
	mu      sync.Mutex
	log     *[]string
	ests    []report.Estimate
	winners []Winner
	alerts  []Alert
	status  []Stats
	fail    bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) PublishEstimate(_ context.Context, est report.Estimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log != nil {
		*s.log = append(*s.log, "sink:"+est.TagMAC)
	}
	s.ests = append(s.ests, est)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) PublishWinner(_ context.Context, _ string, w Winner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.winners = append(s.winners, w)
	return nil
}

func (s *recordingSink) PublishAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) PublishStatus(_ context.Context, st Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, st)
	return nil
}

func (s *recordingSink) estimates() []report.Estimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]report.Estimate(nil), s.ests...)
}

type recordingJournal struct {
	log *[]string
}

func (j recordingJournal) Append(est report.Estimate) error {
	*j.log = append(*j.log, "journal:"+est.TagMAC)
	return nil
}

func newTestPipeline(t *testing.T, fc *clock.Fake, mutate func(*Config), deps Deps) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SmoothingKey = KeyTagReceiver
	cfg.InstanceID = "test-instance"
	if mutate != nil {
		mutate(&cfg)
	}
	deps.Clock = fc
	p, err := New(cfg, triangleTable(t), deps)
	require.NoError(t, err)
	return p
}

func sight(receiver string, rssi int, seq uint64, at time.Time) sighting.Sighting {
	return sighting.Sighting{TagMAC: tag, ReceiverID: receiver, RSSI: rssi, SequenceNumber: seq, Timestamp: at, ReceivedAt: at}
}

// elect runs one collection period containing a single sighting.
func elect(p *Pipeline, s sighting.Sighting) {
	p.OpenBallot()
	p.Deliver(s)
	p.CloseElection(context.Background(), s.ReceivedAt)
}

func TestNewRejectsEmptyAnchorTable(t *testing.T) {
	_, err := New(DefaultConfig(), nil, Deps{})
	assert.ErrorIs(t, err, anchor.ErrEmptyTable)
}

func TestNewRejectsInvalidTiming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CollectionPeriod = 6 * time.Second
	_, err := New(cfg, triangleTable(t), Deps{})
	assert.Error(t, err)
}

func TestDeliverOutcomes(t *testing.T) {
	fc := clock.NewFake(epoch)
	m := metrics.New()
	p := newTestPipeline(t, fc, nil, Deps{Metrics: m})

	assert.Equal(t, OutcomeQuiescent, p.Deliver(sight("A", -60, 1, epoch)), "ballot starts closed")
	p.OpenBallot()
	assert.Equal(t, OutcomeAccepted, p.Deliver(sight("A", -60, 2, epoch)))
	assert.Equal(t, OutcomeDuplicate, p.Deliver(sight("B", -50, 2, epoch)), "dedup is keyed by tag")

	_, err := p.Ingest([]byte(`{"receiver_id":"A","mac":"nope","rssi":-60,"sequence_number":9}`), "test")
	assert.ErrorIs(t, err, sighting.ErrMalformedInput)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Accepted)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(1), st.Quiescent)
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, "test-instance", st.InstanceID)
}

func TestMultilaterationThenEvictionFallsBack(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink := &recordingSink{}
	p := newTestPipeline(t, fc, nil, Deps{Sinks: []EstimateSink{sink}})

	// -66 dBm is ~2.24 m (A, B) and -65 dBm ~2.0 m (C) from (2, 1).
	elect(p, sight("A", -66, 1, epoch))
	elect(p, sight("B", -66, 2, epoch.Add(500*time.Millisecond)))
	elect(p, sight("C", -65, 3, epoch.Add(time.Second)))

	ests := p.Tick(context.Background(), epoch.Add(time.Second))
	require.Len(t, ests, 1)
	est := ests[0]
	assert.Equal(t, solver.MethodMultilateration, est.Method)
	require.NotNil(t, est.Point)
	assert.InDelta(t, 2.0, est.Point.X, 0.05)
	assert.InDelta(t, 1.0, est.Point.Y, 0.05)
	assert.Equal(t, []string{"A", "B", "C"}, est.Anchors)

	ests = p.Tick(context.Background(), epoch.Add(1500*time.Millisecond))
	require.Len(t, ests, 1, "every tick emits while anchors are active")
	assert.Equal(t, solver.MethodMultilateration, ests[0].Method)

	ests = p.Tick(context.Background(), epoch.Add(3200*time.Millisecond))
	require.Len(t, ests, 1)
	assert.Equal(t, solver.MethodBilateration, ests[0].Method)
	assert.Equal(t, []string{"B", "C"}, ests[0].Anchors)
	require.NotNil(t, ests[0].Point)
	assert.InDelta(t, ests[0].Point.DistanceTo(p.Anchors().Centroid()), ests[0].DistanceFromReference, 1e-9)

	ests = p.Tick(context.Background(), epoch.Add(3600*time.Millisecond))
	require.Len(t, ests, 1)
	assert.Equal(t, solver.MethodSingle, ests[0].Method)
	assert.Equal(t, "C", ests[0].AnchorID)
	assert.InDelta(t, 1.995, ests[0].DistanceFromReference, 0.01)

	assert.Empty(t, p.Tick(context.Background(), epoch.Add(5*time.Second)), "no active anchors, no estimate")
	assert.Len(t, sink.estimates(), 4)

	latest, ok := p.Latest(tag)
	require.True(t, ok)
	assert.Equal(t, solver.MethodSingle, latest.Method)

	// A reappears and becomes active again.
	elect(p, sight("A", -66, 4, epoch.Add(6*time.Second)))
	ests = p.Tick(context.Background(), epoch.Add(6*time.Second))
	require.Len(t, ests, 1)
	assert.Equal(t, "A", ests[0].AnchorID)
	assert.Equal(t, uint64(3), p.Stats().Evictions)
}

func TestZeroRSSIDoesNotActivateAnchor(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink := &recordingSink{}
	p := newTestPipeline(t, fc, nil, Deps{Sinks: []EstimateSink{sink}})

	elect(p, sight("A", 0, 1, epoch))
	assert.Empty(t, p.Active(tag))
	assert.Empty(t, p.Tick(context.Background(), epoch))
	assert.Len(t, sink.winners, 1, "the winner is still reported")
}

func TestUnknownReceiverIsNotActivated(t *testing.T) {
	fc := clock.NewFake(epoch)
	p := newTestPipeline(t, fc, nil, Deps{})
	elect(p, sight("rogue", -60, 1, epoch))
	assert.Empty(t, p.Active(tag))
}

func TestEverySightingRangesWinnerIsRepublished(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink := &recordingSink{}
	p := newTestPipeline(t, fc, nil, Deps{Sinks: []EstimateSink{sink}})

	p.OpenBallot()
	p.Deliver(sight("A", -70, 1, epoch))
	p.Deliver(sight("B", -65, 2, epoch))
	p.Deliver(sight("C", -80, 3, epoch))
	winners := p.CloseElection(context.Background(), epoch.Add(2*time.Second))
	require.Len(t, winners, 1)
	assert.Equal(t, "B", winners[0].ReceiverID)

	active := p.Active(tag)
	require.Len(t, active, 3)
	for i, id := range []string{"A", "B", "C"} {
		assert.Equal(t, id, active[i].AnchorID)
	}
	assert.Greater(t, active[2].Distance, active[0].Distance, "weaker reading, longer range")
	assert.Greater(t, active[0].Distance, active[1].Distance)

	// Outside a collection period sightings still refresh ranges.
	assert.Equal(t, OutcomeQuiescent, p.Deliver(sight("C", -60, 4, epoch.Add(3*time.Second))))
	active = p.Active(tag)
	require.Len(t, active, 3)
	assert.Equal(t, epoch.Add(3*time.Second), active[2].LastSeen)

	assert.Equal(t, uint64(1), p.Stats().ElectionCount)
	require.NotNil(t, p.Stats().LastWinner)
	assert.Equal(t, "B", p.Stats().LastWinner.ReceiverID)
	assert.Len(t, sink.winners, 1)
}

func TestDefaultConfigReachesMultilateration(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.InstanceID = "test-instance"
	p, err := New(cfg, triangleTable(t), Deps{Clock: fc, Sinks: []EstimateSink{sink}})
	require.NoError(t, err)

	ctx := context.Background()
	seq := uint64(0)
	step := 500 * time.Millisecond
	for i := 0; i <= 120; i++ {
		elapsed := time.Duration(i) * step
		now := epoch.Add(elapsed)
		if elapsed%cfg.ElectionInterval == 0 {
			p.OpenBallot()
		}
		for _, r := range []struct {
			id   string
			rssi int
		}{{"A", -66}, {"B", -66}, {"C", -65}} {
			seq++
			p.Deliver(sight(r.id, r.rssi, seq, now))
		}
		if elapsed%cfg.ElectionInterval == cfg.CollectionPeriod {
			p.CloseElection(ctx, now)
		}
		if elapsed%cfg.TickInterval == 0 {
			p.Tick(ctx, now)
		}
	}

	ests := sink.estimates()
	require.Len(t, ests, 61)
	for _, est := range ests {
		require.Equal(t, solver.MethodMultilateration, est.Method)
		require.NotNil(t, est.Point)
		assert.InDelta(t, 2.0, est.Point.X, 0.05)
		assert.InDelta(t, 1.0, est.Point.Y, 0.05)
	}
	assert.Equal(t, uint64(12), p.Stats().ElectionCount)
}

func TestEvictionResetsRangingWindow(t *testing.T) {
	fc := clock.NewFake(epoch)
	p := newTestPipeline(t, fc, nil, Deps{})

	for i := uint64(1); i <= 5; i++ {
		p.Deliver(sight("A", -50, i, epoch))
	}
	p.Tick(context.Background(), epoch.Add(4*time.Second))
	require.Empty(t, p.Active(tag))

	p.Deliver(sight("A", -70, 6, epoch.Add(5*time.Second)))
	want, ok := EstimateDistance(-70, p.Config().ReferencePower, p.Config().PathLossExponent)
	require.True(t, ok)
	active := p.Active(tag)
	require.Len(t, active, 1)
	assert.InDelta(t, want, active[0].Distance, 1e-9, "old readings must not leak into a re-activated anchor")
}

func TestTagStateKeepsLastKnownTelemetry(t *testing.T) {
	fc := clock.NewFake(epoch)
	p := newTestPipeline(t, fc, nil, Deps{})

	first := sight("A", -60, 1, epoch)
	battery, temp := uint8(80), 4.5
	first.Battery, first.Temperature = &battery, &temp
	p.Deliver(first)
	p.Deliver(sight("B", -62, 7, epoch.Add(time.Second)))
	p.Deliver(sight("A", -61, 7, epoch.Add(2*time.Second)))

	st, ok := p.Tag(tag)
	require.True(t, ok)
	assert.Equal(t, "B", st.ReceiverID)
	assert.Equal(t, -62, st.RSSI)
	assert.Equal(t, uint64(7), st.HighestSequence)
	assert.Equal(t, epoch.Add(time.Second), st.LastSeen, "duplicates do not refresh the record")
	require.NotNil(t, st.Battery)
	assert.Equal(t, uint8(80), *st.Battery)
	require.NotNil(t, st.BatteryAt)
	assert.Equal(t, epoch, *st.BatteryAt)
	require.NotNil(t, st.Temperature)
	assert.Equal(t, 4.5, *st.Temperature)
	assert.Len(t, st.Active, 2)

	_, ok = p.Tag("AA:BB:CC:DD:EE:99")
	assert.False(t, ok)
	all := p.Tags()
	require.Len(t, all, 1)
	assert.Equal(t, tag, all[0].TagMAC)
	assert.Equal(t, 1, p.Stats().TrackedTags)
}

func TestWinnerAlertsUseLastKnownTelemetry(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink := &recordingSink{}
	p := newTestPipeline(t, fc, nil, Deps{Sinks: []EstimateSink{sink}})

	low := sight("A", -70, 1, epoch)
	b := uint8(5)
	low.Battery = &b
	assert.Equal(t, OutcomeQuiescent, p.Deliver(low))

	elect(p, sight("B", -60, 2, epoch.Add(time.Second)))
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, AlertLowBattery, sink.alerts[0].Type)
	assert.Equal(t, 5.0, sink.alerts[0].Value)
	assert.Nil(t, sink.winners[0].Battery, "the republished winner is not altered")
}

func TestStatsReportBallotState(t *testing.T) {
	fc := clock.NewFake(epoch)
	p := newTestPipeline(t, fc, nil, Deps{})
	assert.False(t, p.Stats().BallotOpen)
	p.OpenBallot()
	assert.True(t, p.Stats().BallotOpen)
	p.CloseElection(context.Background(), epoch)
	assert.False(t, p.Stats().BallotOpen)
}

func TestJournalPrecedesSinks(t *testing.T) {
	fc := clock.NewFake(epoch)
	var order []string
	sink := &recordingSink{log: &order, fail: true}
	m := metrics.New()
	p := newTestPipeline(t, fc, nil, Deps{Journal: recordingJournal{log: &order}, Sinks: []EstimateSink{sink}, Metrics: m})

	elect(p, sight("A", -60, 1, epoch))
	p.Tick(context.Background(), epoch)
	assert.Equal(t, []string{"journal:" + tag, "sink:" + tag}, order)
	assert.Equal(t, uint64(1), p.Stats().PublishCount, "sink failures do not block finalization")
}

func TestAlertsReachSinks(t *testing.T) {
	fc := clock.NewFake(epoch)
	sink := &recordingSink{}
	p := newTestPipeline(t, fc, nil, Deps{Sinks: []EstimateSink{sink}})

	s := sight("A", -60, 1, epoch)
	low := uint8(5)
	s.Battery = &low
	elect(p, s)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, AlertLowBattery, sink.alerts[0].Type)
}

func TestOfferDropsWhenInboxFull(t *testing.T) {
	fc := clock.NewFake(epoch)
	p := newTestPipeline(t, fc, func(c *Config) { c.InboxSize = 1 }, Deps{})
	assert.True(t, p.Offer([]byte(`{}`), "test"))
	assert.False(t, p.Offer([]byte(`{}`), "test"))
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestRestoreKeepsNewest(t *testing.T) {
	fc := clock.NewFake(epoch)
	p := newTestPipeline(t, fc, nil, Deps{})
	p.Restore([]report.Estimate{
		{TagMAC: tag, Method: solver.MethodSingle, Timestamp: epoch.Add(time.Second)},
		{TagMAC: tag, Method: solver.MethodBilateration, Timestamp: epoch},
		{TagMAC: "AA:BB:CC:DD:EE:02", Method: solver.MethodSingle, Timestamp: epoch},
	})
	latest, ok := p.Latest(tag)
	require.True(t, ok)
	assert.Equal(t, solver.MethodSingle, latest.Method)
	positions := p.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, tag, positions[0].TagMAC)
}

func TestRunLoopsWithFakeClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	fc := clock.NewFake(epoch)
	sink := &recordingSink{}
	p := newTestPipeline(t, fc, nil, Deps{Sinks: []EstimateSink{sink}})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, run := range []func(context.Context) error{
		p.RunElection,
		p.RunTicks,
		p.RunInbox,
		func(ctx context.Context) error { return p.RunStatus(ctx, sink, 10*time.Second) },
	} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			errs <- run(ctx)
		}(run)
	}

	// election ticker + collection timer + tick ticker + status ticker
	require.Eventually(t, func() bool { return fc.Tickers() == 4 }, time.Second, time.Millisecond)

	payload := fmt.Sprintf(`{"receiver_id":"A","mac":%q,"rssi":-60,"sequence_number":1}`, tag)
	require.True(t, p.Offer([]byte(payload), "test"))
	require.Eventually(t, func() bool { return p.Stats().Accepted == 1 }, time.Second, time.Millisecond)

	fc.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return p.Stats().ElectionCount == 1 }, time.Second, time.Millisecond)

	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		_, ok := p.Latest(tag)
		return ok
	}, time.Second, time.Millisecond)
	ests := sink.estimates()
	require.NotEmpty(t, ests)
	assert.Equal(t, solver.MethodSingle, ests[0].Method)

	cancel()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
