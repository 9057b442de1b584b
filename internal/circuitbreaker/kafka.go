// v3
// internal/circuitbreaker/kafka.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter mirrors the subset of kafka.Writer used by the breaker wrappers.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageReader mirrors the subset of kafka.Reader used by the breaker wrappers.
type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// KafkaSettings are the tunables shared by the Kafka wrappers.
type KafkaSettings struct {
	Enabled bool
	// MaxFailures is both the trip threshold and the per-call attempt cap.
	MaxFailures      int
	SuccessesToClose int
	OpenTimeout      time.Duration
	// AttemptTimeout bounds each write attempt; zero disables it.
	AttemptTimeout time.Duration
	Backoff        time.Duration
}

// DefaultKafkaSettings returns the settings used when nothing overrides
// them. Protection is off by default.
func DefaultKafkaSettings() KafkaSettings {
	return KafkaSettings{
		MaxFailures:      5,
		SuccessesToClose: 2,
		OpenTimeout:      30 * time.Second,
		AttemptTimeout:   3 * time.Second,
		Backoff:          200 * time.Millisecond,
	}
}

// Validate rejects settings the wrappers cannot honour.
func (s KafkaSettings) Validate() error {
	switch {
	case s.MaxFailures < 1:
		return errors.New("breaker failure threshold must be >= 1")
	case s.SuccessesToClose < 1:
		return errors.New("breaker success threshold must be >= 1")
	case s.OpenTimeout <= 0:
		return errors.New("breaker open timeout must be > 0")
	case s.AttemptTimeout < 0 || s.Backoff < 0:
		return errors.New("breaker timeout and backoff must be >= 0")
	}
	return nil
}

// KafkaBreaker applies KafkaSettings around Kafka calls.
type KafkaBreaker struct {
	settings KafkaSettings
	breaker  *Breaker
}

// Enabled reports whether breaker protections are active.
func (k *KafkaBreaker) Enabled() bool {
	return k != nil && k.settings.Enabled && k.breaker != nil
}

// Breaker exposes the underlying breaker, nil when disabled.
func (k *KafkaBreaker) Breaker() *Breaker {
	if k == nil {
		return nil
	}
	return k.breaker
}

// NewKafkaBreaker validates s and builds a KafkaBreaker named name.
func NewKafkaBreaker(name string, s KafkaSettings, probe func(ctx context.Context) error, logger *slog.Logger) (*KafkaBreaker, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	kb := &KafkaBreaker{settings: s}
	if s.Enabled {
		kb.breaker = New(name, Config{
			MaxFailures:      s.MaxFailures,
			ResetTimeout:     s.OpenTimeout,
			SuccessesToClose: s.SuccessesToClose,
		}, probe, logger)
	}
	return kb, nil
}

// CBKafkaWriter wraps a kafka.Writer with circuit-breaker protection.
type CBKafkaWriter struct {
	breaker *KafkaBreaker
	writer  kafkaMessageWriter
}

// NewCBKafkaWriter wires breaker protections around the provided kafka writer.
func NewCBKafkaWriter(writer kafkaMessageWriter, breaker *KafkaBreaker) *CBKafkaWriter {
	return &CBKafkaWriter{writer: writer, breaker: breaker}
}

// WriteMessages publishes messages with retry/back-off driven by the breaker policy.
func (w *CBKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	if !w.breaker.Enabled() {
		return w.writer.WriteMessages(ctx, msgs...)
	}
	return w.breaker.do(ctx, true, func(execCtx context.Context) error {
		return w.writer.WriteMessages(execCtx, msgs...)
	})
}

// CBKafkaReader wraps a kafka.Reader with breaker protections.
type CBKafkaReader struct {
	breaker *KafkaBreaker
	reader  kafkaMessageReader
}

// NewCBKafkaReader wraps the reader, applying breaker logic to FetchMessage calls.
func NewCBKafkaReader(reader kafkaMessageReader, breaker *KafkaBreaker) *CBKafkaReader {
	return &CBKafkaReader{reader: reader, breaker: breaker}
}

// FetchMessage retrieves a message with breaker-enforced retry/back-off.
// Reader-side fetches are not bounded by the attempt timeout since an idle
// topic is not a failure.
func (r *CBKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r == nil || r.reader == nil {
		return kafka.Message{}, errors.New("nil kafka reader")
	}
	if !r.breaker.Enabled() {
		return r.reader.FetchMessage(ctx)
	}
	var msg kafka.Message
	err := r.breaker.do(ctx, false, func(execCtx context.Context) error {
		var innerErr error
		msg, innerErr = r.reader.FetchMessage(execCtx)
		return innerErr
	})
	return msg, err
}

func (k *KafkaBreaker) do(ctx context.Context, bounded bool, op func(ctx context.Context) error) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if bounded {
			attemptCtx, cancel = k.withAttemptContext(ctx)
		}
		err := k.breaker.Execute(attemptCtx, op)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrOpen) {
			if waitErr := k.waitBackoff(ctx); waitErr != nil {
				return waitErr
			}
			continue
		}
		if attempts >= k.settings.MaxFailures {
			return err
		}
		if waitErr := k.waitBackoff(ctx); waitErr != nil {
			return waitErr
		}
	}
}

func (k *KafkaBreaker) withAttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if k.settings.AttemptTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, k.settings.AttemptTimeout)
}

func (k *KafkaBreaker) waitBackoff(ctx context.Context) error {
	if k.settings.Backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(k.settings.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
