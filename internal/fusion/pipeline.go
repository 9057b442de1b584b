// v1
// internal/fusion/pipeline.go
package fusion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nrgchamp/tagfusion/internal/anchor"
	"nrgchamp/tagfusion/internal/clock"
	"nrgchamp/tagfusion/internal/metrics"
	"nrgchamp/tagfusion/internal/report"
	"nrgchamp/tagfusion/internal/sighting"
	"nrgchamp/tagfusion/internal/solver"
)

// Config captures the tunables of one pipeline instance.
type Config struct {
	// ReferencePower is the RSSI expected at one metre, in dBm.
	ReferencePower float64
	// PathLossExponent is the environment exponent n of the path loss model.
	PathLossExponent float64
	// SmoothingWindow bounds the RSSI history averaged per smoothing key.
	SmoothingWindow int
	SmoothingKey    KeyMode
	DedupKey        KeyMode
	// StalenessTimeout is how long an anchor stays active without reports.
	StalenessTimeout time.Duration
	// CollectionPeriod is the part of each election interval during which
	// votes are recorded.
	CollectionPeriod time.Duration
	ElectionInterval time.Duration
	// TickInterval paces eviction and position evaluation.
	TickInterval time.Duration
	// InboxSize bounds the queue between transports and the consumer.
	InboxSize int
	// PublishTimeout bounds each sink delivery.
	PublishTimeout time.Duration
	Alerts         AlertThresholds
	// InstanceID identifies this coordinator in status reports.
	InstanceID string
}

// DefaultConfig returns the settings used by the deployed receivers.
func DefaultConfig() Config {
	return Config{
		ReferencePower:   DefaultReferencePower,
		PathLossExponent: DefaultPathLossExponent,
		SmoothingWindow:  DefaultWindowSize,
		SmoothingKey:     KeyTag,
		DedupKey:         KeyTag,
		StalenessTimeout: 3 * time.Second,
		CollectionPeriod: 2 * time.Second,
		ElectionInterval: 5 * time.Second,
		TickInterval:     time.Second,
		InboxSize:        1024,
		PublishTimeout:   2 * time.Second,
		Alerts:           DefaultAlertThresholds(),
	}
}

func (c Config) validate() error {
	if c.PathLossExponent <= 0 {
		return errors.New("path loss exponent must be positive")
	}
	if c.SmoothingWindow < 1 {
		return errors.New("smoothing window must be at least 1")
	}
	if c.StalenessTimeout <= 0 || c.CollectionPeriod <= 0 || c.ElectionInterval <= 0 || c.TickInterval <= 0 {
		return errors.New("timeouts and intervals must be positive")
	}
	if c.CollectionPeriod > c.ElectionInterval {
		return fmt.Errorf("collection period %s exceeds election interval %s", c.CollectionPeriod, c.ElectionInterval)
	}
	if c.InboxSize < 1 {
		return errors.New("inbox size must be at least 1")
	}
	if _, err := ParseKeyMode(string(c.SmoothingKey)); err != nil {
		return fmt.Errorf("smoothing key: %w", err)
	}
	if _, err := ParseKeyMode(string(c.DedupKey)); err != nil {
		return fmt.Errorf("dedup key: %w", err)
	}
	return nil
}

// EstimateSink receives finalized estimates.
type EstimateSink interface {
	Name() string
	PublishEstimate(ctx context.Context, est report.Estimate) error
}

// WinnerSink is implemented by sinks that also republish election winners.
type WinnerSink interface {
	PublishWinner(ctx context.Context, roundID string, w Winner) error
}

// AlertSink is implemented by sinks that forward telemetry alerts.
type AlertSink interface {
	PublishAlert(ctx context.Context, a Alert) error
}

// Journal persists finalized estimates before sinks see them.
type Journal interface {
	Append(est report.Estimate) error
}

// Deps are the collaborators injected into a Pipeline. Nil fields fall
// back to the real clock, a discarding logger and the default solver.
type Deps struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Solver  solver.Solver
	Journal Journal
	Sinks   []EstimateSink
}

type inboxItem struct {
	payload    []byte
	source     string
	receivedAt time.Time
}

// Pipeline owns all fusion state for one deployment: smoothing windows,
// dedup counters, the ballot, the active distance sets and per-tag
// telemetry.
type Pipeline struct {
	cfg     Config
	anchors *anchor.Table
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	solver  solver.Solver
	journal Journal

	smoother *Smoother
	// ranging smooths per (tag, receiver) whatever SmoothingKey says, so
	// each anchor's distance only averages its own readings.
	ranging *Smoother
	dedup   *Deduplicator
	ballot   *Ballot
	active   *ActiveSet
	alerts   *alertTracker
	tags     *tagStore
	inbox    chan inboxItem

	sinkMu sync.RWMutex
	sinks  []EstimateSink

	tickMu sync.Mutex

	latestMu sync.RWMutex
	latest   map[string]report.Estimate

	stats     counters
	startedAt time.Time
}

// New validates cfg and builds a Pipeline over anchors.
func New(cfg Config, anchors *anchor.Table, deps Deps) (*Pipeline, error) {
	if anchors == nil || anchors.Len() == 0 {
		return nil, anchor.ErrEmptyTable
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Solver == nil {
		deps.Solver = solver.LevenbergMarquardt{}
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	p := &Pipeline{
		cfg:       cfg,
		anchors:   anchors,
		clock:     deps.Clock,
		log:       deps.Logger,
		metrics:   deps.Metrics,
		solver:    deps.Solver,
		journal:   deps.Journal,
		smoother:  NewSmoother(cfg.SmoothingWindow),
		ranging:   NewSmoother(cfg.SmoothingWindow),
		dedup:     NewDeduplicator(),
		ballot:    NewBallot(),
		active:    NewActiveSet(),
		alerts:    newAlertTracker(cfg.Alerts),
		tags:      newTagStore(),
		inbox:     make(chan inboxItem, cfg.InboxSize),
		sinks:     append([]EstimateSink(nil), deps.Sinks...),
		latest:    make(map[string]report.Estimate),
		startedAt: deps.Clock.Now().UTC(),
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Anchors returns the anchor table.
func (p *Pipeline) Anchors() *anchor.Table { return p.anchors }

// AddSink registers an additional estimate sink.
func (p *Pipeline) AddSink(s EstimateSink) {
	if s == nil {
		return
	}
	p.sinkMu.Lock()
	p.sinks = append(p.sinks, s)
	p.sinkMu.Unlock()
}

func (p *Pipeline) sinkList() []EstimateSink {
	p.sinkMu.RLock()
	defer p.sinkMu.RUnlock()
	return append([]EstimateSink(nil), p.sinks...)
}

// Offer queues a raw payload for the inbox consumer without blocking. It
// returns false and counts a drop when the inbox is full.
func (p *Pipeline) Offer(payload []byte, source string) bool {
	item := inboxItem{payload: payload, source: source, receivedAt: p.clock.Now()}
	select {
	case p.inbox <- item:
		return true
	default:
		p.stats.dropped.Add(1)
		p.metrics.Sighting(metrics.OutcomeDropped)
		p.log.Warn("sighting_dropped", slog.String("source", source), slog.Int("inbox", cap(p.inbox)))
		return false
	}
}

// RunInbox is the single consumer of Offer. It returns when ctx ends.
func (p *Pipeline) RunInbox(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-p.inbox:
			_, _ = p.ingestAt(item.payload, item.source, item.receivedAt)
		}
	}
}

// Ingest decodes payload and delivers it synchronously.
func (p *Pipeline) Ingest(payload []byte, source string) (Outcome, error) {
	return p.ingestAt(payload, source, p.clock.Now())
}

func (p *Pipeline) ingestAt(payload []byte, source string, at time.Time) (Outcome, error) {
	s, err := sighting.Decode(payload, at)
	if err != nil {
		p.Reject(source, err)
		return OutcomeMalformed, err
	}
	return p.Deliver(s), nil
}

// Reject accounts for a record that failed Ingest.
func (p *Pipeline) Reject(source string, err error) {
	p.stats.malformed.Add(1)
	p.metrics.Sighting(metrics.OutcomeMalformed)
	p.log.Warn("sighting_malformed", slog.String("source", source), slog.Any("err", err))
}

// Deliver runs one validated sighting through dedup, ranging, smoothing and
// the ballot. Every accepted sighting refreshes its anchor's distance in the
// active set, whether or not a ballot is open. It never blocks on I/O and is
// safe for concurrent callers.
func (p *Pipeline) Deliver(s sighting.Sighting) Outcome {
	dedupKey := p.cfg.DedupKey.Key(s.TagMAC, s.ReceiverID)
	if !p.dedup.Accept(dedupKey, s.SequenceNumber) {
		p.stats.duplicates.Add(1)
		p.metrics.Sighting(metrics.OutcomeDuplicate)
		p.log.Debug("sighting_duplicate",
			slog.String("tag", s.TagMAC),
			slog.String("receiver", s.ReceiverID),
			slog.Uint64("seq", s.SequenceNumber),
		)
		return OutcomeDuplicate
	}
	highest, _ := p.dedup.Last(dedupKey)
	p.tags.observe(s, highest)

	smoothed := 0
	if s.RSSI != 0 {
		smoothed = p.smoother.Smooth(p.cfg.SmoothingKey.Key(s.TagMAC, s.ReceiverID), s.RSSI)
		p.observeRange(s)
	}
	if !p.ballot.Record(Vote{Sighting: s, SmoothedRSSI: smoothed}) {
		p.stats.quiescent.Add(1)
		p.metrics.Sighting(metrics.OutcomeQuiescent)
		return OutcomeQuiescent
	}
	p.stats.accepted.Add(1)
	p.metrics.Sighting(metrics.OutcomeAccepted)
	return OutcomeAccepted
}

func (p *Pipeline) observeRange(s sighting.Sighting) {
	if _, known := p.anchors.Lookup(s.ReceiverID); !known {
		p.log.Debug("sighting_unknown_anchor", slog.String("tag", s.TagMAC), slog.String("receiver", s.ReceiverID))
		return
	}
	rssi := p.ranging.Smooth(KeyTagReceiver.Key(s.TagMAC, s.ReceiverID), s.RSSI)
	dist, ok := EstimateDistance(rssi, p.cfg.ReferencePower, p.cfg.PathLossExponent)
	if !ok {
		return
	}
	p.active.Update(s.TagMAC, s.ReceiverID, dist, s.ReceivedAt)
}

// OpenBallot starts a collection period.
func (p *Pipeline) OpenBallot() {
	p.ballot.Open()
	p.log.Debug("ballot_opened")
}

// CloseElection ends the current collection period, elects one winner per
// tag, republishes the winners and evaluates telemetry alerts. Winner
// telemetry missing from the winning sighting is taken from the tag record.
func (p *Pipeline) CloseElection(ctx context.Context, now time.Time) []Winner {
	winners := p.ballot.Close()
	roundID := uuid.NewString()
	p.stats.elections.Add(1)

	candidates := make([]int, len(winners))
	for i, w := range winners {
		candidates[i] = w.Candidates
	}
	p.metrics.Election(candidates)

	for _, w := range winners {
		p.log.Info("election_winner",
			slog.String("round", roundID),
			slog.String("tag", w.TagMAC),
			slog.String("receiver", w.ReceiverID),
			slog.Int("rssi", w.RSSI),
			slog.Int("smoothed_rssi", w.SmoothedRSSI),
			slog.Int("candidates", w.Candidates),
		)
		p.stats.setLastWinner(w)
		if _, known := p.anchors.Lookup(w.ReceiverID); !known {
			p.log.Warn("winner_unknown_anchor", slog.String("tag", w.TagMAC), slog.String("receiver", w.ReceiverID))
		}
		p.publishWinner(ctx, roundID, w)
		for _, a := range p.alerts.evaluate(p.tags.fill(w.Vote), now) {
			p.metrics.Alert(a.Type)
			p.log.Warn("tag_alert", slog.String("tag", a.TagMAC), slog.String("type", a.Type), slog.Float64("value", a.Value))
			p.publishAlert(ctx, a)
		}
	}
	p.log.Info("election_closed", slog.String("round", roundID), slog.Int("winners", len(winners)))
	return winners
}

// DiscardBallot drops an unfinished collection period.
func (p *Pipeline) DiscardBallot() {
	if n := p.ballot.Discard(); n > 0 {
		p.log.Info("ballot_discarded", slog.Int("tags", n))
	}
}

// Tick evicts stale anchors and emits an estimate for every tag that still
// has at least one active anchor.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) []report.Estimate {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	evicted := p.active.Evict(now, p.cfg.StalenessTimeout)
	for _, e := range evicted {
		p.ranging.Forget(KeyTagReceiver.Key(e.TagMAC, e.AnchorID))
		p.log.Info("anchor_evicted",
			slog.String("tag", e.TagMAC),
			slog.String("anchor", e.AnchorID),
			slog.Duration("age", e.Age),
		)
	}
	p.stats.evictions.Add(uint64(len(evicted)))
	p.metrics.Evicted(len(evicted), p.active.Len())

	var out []report.Estimate
	for _, tag := range p.active.Tags() {
		entries := p.active.Snapshot(tag)
		obs := make([]solver.Observation, 0, len(entries))
		for _, e := range entries {
			a, ok := p.anchors.Lookup(e.AnchorID)
			if !ok {
				continue
			}
			obs = append(obs, solver.Observation{AnchorID: a.ID, Position: a.Position(), Distance: e.Distance})
		}
		fix, err := solver.Locate(p.solver, obs, p.anchors.Centroid())
		if err != nil {
			if errors.Is(err, solver.ErrNoActiveAnchors) {
				p.log.Debug("tag_without_active_anchors", slog.String("tag", tag))
				continue
			}
			p.log.Error("locate_failed", slog.String("tag", tag), slog.Any("err", err))
			continue
		}
		est := report.FromFix(tag, fix, now)
		p.finalize(ctx, est)
		out = append(out, est)
	}
	return out
}

func (p *Pipeline) finalize(ctx context.Context, est report.Estimate) {
	p.latestMu.Lock()
	p.latest[est.TagMAC] = est
	p.latestMu.Unlock()

	p.metrics.Estimate(string(est.Method), est.Point != nil, est.Residual, est.Iterations, est.Converged)
	attrs := []any{
		slog.String("tag", est.TagMAC),
		slog.String("method", string(est.Method)),
		slog.Float64("distance_from_reference", est.DistanceFromReference),
		slog.Int("anchors", len(est.Anchors)),
	}
	if est.Point != nil {
		attrs = append(attrs, slog.Float64("x", est.Point.X), slog.Float64("y", est.Point.Y), slog.Float64("residual", est.Residual))
	}
	if !est.Converged {
		p.log.Warn("solver_not_converged", append(attrs, slog.Int("iterations", est.Iterations))...)
	} else {
		p.log.Info("estimate_emitted", attrs...)
	}

	if p.journal != nil {
		if err := p.journal.Append(est); err != nil {
			p.metrics.PublishError("journal")
			p.log.Error("journal_append_failed", slog.String("tag", est.TagMAC), slog.Any("err", err))
		}
	}
	for _, s := range p.sinkList() {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err := s.PublishEstimate(pctx, est)
		cancel()
		if err != nil {
			p.metrics.PublishError(s.Name())
			p.log.Error("estimate_publish_failed", slog.String("sink", s.Name()), slog.String("tag", est.TagMAC), slog.Any("err", err))
		}
	}
	p.stats.published.Add(1)
}

func (p *Pipeline) publishWinner(ctx context.Context, roundID string, w Winner) {
	for _, s := range p.sinkList() {
		ws, ok := s.(WinnerSink)
		if !ok {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err := ws.PublishWinner(pctx, roundID, w)
		cancel()
		if err != nil {
			p.metrics.PublishError(s.Name())
			p.log.Error("winner_publish_failed", slog.String("sink", s.Name()), slog.Any("err", err))
		}
	}
}

func (p *Pipeline) publishAlert(ctx context.Context, a Alert) {
	for _, s := range p.sinkList() {
		as, ok := s.(AlertSink)
		if !ok {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err := as.PublishAlert(pctx, a)
		cancel()
		if err != nil {
			p.metrics.PublishError(s.Name())
			p.log.Error("alert_publish_failed", slog.String("sink", s.Name()), slog.Any("err", err))
		}
	}
}

// Restore seeds the latest-position snapshot, typically from the journal
// at startup. Restored estimates are not republished.
func (p *Pipeline) Restore(ests []report.Estimate) {
	p.latestMu.Lock()
	defer p.latestMu.Unlock()
	for _, est := range ests {
		if cur, ok := p.latest[est.TagMAC]; ok && cur.Timestamp.After(est.Timestamp) {
			continue
		}
		p.latest[est.TagMAC] = est
	}
}

// Latest returns the most recent estimate for tag.
func (p *Pipeline) Latest(tag string) (report.Estimate, bool) {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	est, ok := p.latest[tag]
	return est, ok
}

// Positions returns the most recent estimate of every tag.
func (p *Pipeline) Positions() []report.Estimate {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	out := make([]report.Estimate, 0, len(p.latest))
	for _, est := range p.latest {
		out = append(out, est)
	}
	sortEstimates(out)
	return out
}

// Active returns the current active distance entries of tag.
func (p *Pipeline) Active(tag string) []ActiveEntry {
	return p.active.Snapshot(tag)
}
