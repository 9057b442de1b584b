// v1
// internal/kafkaio/source.go
package kafkaio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/tagfusion/internal/circuitbreaker"
)

// SourceConfig captures the tunables of the sighting consumer.
type SourceConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
	Breaker     circuitbreaker.KafkaSettings
}

// Inbox accepts raw sighting payloads without blocking.
type Inbox interface {
	Offer(payload []byte, source string) bool
}

// messageFetcher captures the read capability shared by the raw Kafka
// reader and the circuit breaker wrapper.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

type messageCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Source streams sightings from a Kafka topic into an Inbox. Each message
// value is one sighting document.
type Source struct {
	cfg       SourceConfig
	reader    io.Closer
	fetcher   messageFetcher
	committer messageCommitter
	breaker   *circuitbreaker.KafkaBreaker
	log       *slog.Logger
	poll      time.Duration
}

// NewSource builds a consumer-group reader wrapped by the shared circuit
// breaker.
func NewSource(cfg SourceConfig, log *slog.Logger) (*Source, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("sightings topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	breaker, err := circuitbreaker.NewKafkaBreaker("tagfusion-sightings-consumer", cfg.Breaker, nil, log)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	log.Info("sightings_consumer_cb", slog.Bool("enabled", breaker.Enabled()))
	fetcher := circuitbreaker.NewCBKafkaReader(reader, breaker)
	return newSource(cfg, reader, fetcher, reader, breaker, log), nil
}

func newSource(cfg SourceConfig, closer io.Closer, fetcher messageFetcher, committer messageCommitter, breaker *circuitbreaker.KafkaBreaker, log *slog.Logger) *Source {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Source{cfg: cfg, reader: closer, fetcher: fetcher, committer: committer, breaker: breaker, log: log, poll: poll}
}

// Breaker exposes the consumer breaker.
func (s *Source) Breaker() *circuitbreaker.KafkaBreaker { return s.breaker }

// Close shuts down the underlying Kafka reader.
func (s *Source) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

// Run blocks until ctx is cancelled or the reader is closed, offering every
// message to inbox and committing it afterwards. A full inbox drops the
// message; it is still committed.
func (s *Source) Run(ctx context.Context, inbox Inbox) error {
	s.log.Info("sightings_consumer_started",
		slog.String("topic", s.cfg.Topic),
		slog.String("group", s.cfg.GroupID),
		slog.String("brokers", strings.Join(s.cfg.Brokers, ",")),
		slog.Duration("poll_timeout", s.poll),
	)
	defer s.log.Info("sightings_consumer_stopped")

	source := "kafka:" + s.cfg.Topic
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.poll)
		msg, err := s.fetcher.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			s.log.Error("sightings_consumer_fetch_error", slog.Any("err", err))
			continue
		}

		inbox.Offer(msg.Value, source)

		commitCtx, commitCancel := context.WithTimeout(ctx, s.poll)
		if err := s.committer.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				s.log.Error("sightings_consumer_commit_error", slog.Any("err", err), slog.Int64("offset", msg.Offset))
			}
		}
		commitCancel()
	}
}
