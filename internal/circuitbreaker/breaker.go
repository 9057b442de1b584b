// v1
// internal/circuitbreaker/breaker.go
package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before probing
	SuccessesToClose int           // half-open successes required to close
}

// Breaker is a three-state circuit breaker guarding one dependency.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	probe  func(ctx context.Context) error

	mu        sync.Mutex
	state     State
	fails     int
	successes int
	openedAt  time.Time
	onChange  func(name string, from, to State)
}

// New builds a closed breaker. A nil logger discards breaker logs and a
// nil probe skips the half-open health check.
func New(name string, cfg Config, probe func(ctx context.Context) error, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.SuccessesToClose < 1 {
		cfg.SuccessesToClose = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Breaker{name: name, cfg: cfg, logger: logger, probe: probe, state: Closed}
	b.logger.Info("breaker_created",
		slog.String("name", name),
		slog.Int("max_failures", cfg.MaxFailures),
		slog.Int("successes_to_close", cfg.SuccessesToClose),
		slog.Duration("reset_timeout", cfg.ResetTimeout),
	)
	return b
}

// OnStateChange registers fn to observe every transition. fn runs while
// the breaker lock is held and must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == Open {
		since := time.Since(b.openedAt)
		if since < b.cfg.ResetTimeout {
			b.mu.Unlock()
			b.logger.Debug("breaker_fast_fail", slog.String("name", b.name), slog.Duration("since_open", since))
			return ErrOpen
		}
		b.transitionLocked(HalfOpen)
	}
	probing := b.state == HalfOpen
	b.mu.Unlock()

	if probing && b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.logger.Warn("breaker_probe_failed", slog.String("name", b.name), slog.Any("err", err))
			b.mu.Lock()
			b.tripLocked()
			b.mu.Unlock()
			return ErrOpen
		}
	}

	if err := op(ctx); err != nil {
		b.onFailure(err)
		if b.State() == Open {
			return ErrOpen
		}
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails = 0
	if b.state != HalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.SuccessesToClose {
		b.transitionLocked(Closed)
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails++
	b.logger.Warn("operation_failure", slog.String("name", b.name), slog.Int("failures", b.fails), slog.Any("err", err))
	if b.state == HalfOpen || b.fails >= b.cfg.MaxFailures {
		b.tripLocked()
	}
}

func (b *Breaker) tripLocked() {
	b.openedAt = time.Now()
	b.transitionLocked(Open)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == Closed {
		b.fails = 0
	}
	b.logger.Info("breaker_state_changed",
		slog.String("name", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
