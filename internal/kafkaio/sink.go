// v1
// internal/kafkaio/sink.go
package kafkaio

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/tagfusion/internal/circuitbreaker"
	"nrgchamp/tagfusion/internal/report"
)

// SinkConfig captures the tunables of the estimate producer.
type SinkConfig struct {
	Brokers []string
	Topic   string
	Breaker circuitbreaker.KafkaSettings
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink publishes finalized estimates keyed by tag MAC so that all
// positions of one tag land on the same partition.
type Sink struct {
	topic   string
	writer  *kafka.Writer
	out     messageWriter
	breaker *circuitbreaker.KafkaBreaker
}

// NewSink builds a hash-balanced writer guarded by the circuit breaker.
func NewSink(cfg SinkConfig, log *slog.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("positions topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	breaker, err := circuitbreaker.NewKafkaBreaker("tagfusion-positions-writer", cfg.Breaker, nil, log)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Sink{topic: cfg.Topic, writer: w, out: circuitbreaker.NewCBKafkaWriter(w, breaker), breaker: breaker}, nil
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "kafka" }

// Breaker exposes the writer breaker.
func (s *Sink) Breaker() *circuitbreaker.KafkaBreaker { return s.breaker }

// PublishEstimate writes est as one message.
func (s *Sink) PublishEstimate(ctx context.Context, est report.Estimate) error {
	payload, err := report.Format(est)
	if err != nil {
		return err
	}
	return s.out.WriteMessages(ctx, kafka.Message{
		Key:   []byte(est.TagMAC),
		Value: payload,
		Time:  est.Timestamp,
	})
}

// Close flushes pending writes.
func (s *Sink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
