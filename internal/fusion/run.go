// v0
// internal/fusion/run.go
package fusion

import (
	"context"
	"log/slog"
	"time"
)

// StatusSink receives periodic coordinator status reports.
type StatusSink interface {
	PublishStatus(ctx context.Context, st Stats) error
}

// RunElection drives collection periods until ctx ends: the ballot opens at
// the start of every election interval and closes CollectionPeriod later.
// An unfinished ballot is discarded on shutdown.
func (p *Pipeline) RunElection(ctx context.Context) error {
	p.log.Info("election_loop_started",
		slog.Duration("collection_period", p.cfg.CollectionPeriod),
		slog.Duration("election_interval", p.cfg.ElectionInterval),
	)
	defer p.log.Info("election_loop_stopped")

	interval := p.clock.NewTicker(p.cfg.ElectionInterval)
	defer interval.Stop()

	p.OpenBallot()
	for {
		closeAt := p.clock.After(p.cfg.CollectionPeriod)
		select {
		case <-ctx.Done():
			p.DiscardBallot()
			return ctx.Err()
		case now := <-closeAt:
			p.CloseElection(ctx, now)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interval.C():
			p.OpenBallot()
		}
	}
}

// RunTicks drives eviction and position evaluation until ctx ends.
func (p *Pipeline) RunTicks(ctx context.Context) error {
	p.log.Info("tick_loop_started",
		slog.Duration("tick_interval", p.cfg.TickInterval),
		slog.Duration("staleness_timeout", p.cfg.StalenessTimeout),
	)
	defer p.log.Info("tick_loop_stopped")

	ticker := p.clock.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			p.Tick(ctx, now)
		}
	}
}

// RunStatus publishes Stats to sink every interval until ctx ends.
func (p *Pipeline) RunStatus(ctx context.Context, sink StatusSink, interval time.Duration) error {
	if sink == nil || interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			st := p.Stats()
			pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
			err := sink.PublishStatus(pctx, st)
			cancel()
			if err != nil {
				p.metrics.PublishError("status")
				p.log.Error("status_publish_failed", slog.Any("err", err))
				continue
			}
			p.log.Info("status_published",
				slog.Uint64("election_count", st.ElectionCount),
				slog.Uint64("publish_count", st.PublishCount),
			)
		}
	}
}
