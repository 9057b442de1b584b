// v0
// internal/kafkaio/kafkaio_test.go
package kafkaio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/tagfusion/internal/report"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	messages []kafka.Message
	errs     []error
}

func (f *scriptedFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

type recordingCommitter struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *recordingCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.offsets = append(c.offsets, m.Offset)
	}
	return nil
}

type countingInbox struct {
	mu      sync.Mutex
	sources []string
	signal  chan struct{}
}

func (c *countingInbox) Offer(_ []byte, source string) bool {
	c.mu.Lock()
	c.sources = append(c.sources, source)
	n := len(c.sources)
	c.mu.Unlock()
	if n == 2 {
		close(c.signal)
	}
	return true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSourceOffersAndCommits(t *testing.T) {
	fetcher := &scriptedFetcher{
		errs: []error{errors.New("transient broker error")},
		messages: []kafka.Message{
			{Offset: 10, Value: []byte(`{"receiver_id":"a"}`)},
			{Offset: 11, Value: []byte(`{"receiver_id":"b"}`)},
		},
	}
	committer := &recordingCommitter{}
	src := newSource(SourceConfig{Topic: "tag-sightings", GroupID: "g", PollTimeout: 20 * time.Millisecond},
		nil, fetcher, committer, nil, discardLogger())
	inbox := &countingInbox{signal: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, inbox) }()

	select {
	case <-inbox.signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("messages were not offered")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if inbox.sources[0] != "kafka:tag-sightings" {
		t.Fatalf("unexpected source %q", inbox.sources[0])
	}
	committer.mu.Lock()
	defer committer.mu.Unlock()
	if len(committer.offsets) != 2 || committer.offsets[0] != 10 || committer.offsets[1] != 11 {
		t.Fatalf("expected offsets [10 11], got %v", committer.offsets)
	}
}

func TestSourceStopsWhenReaderClosed(t *testing.T) {
	fetcher := &scriptedFetcher{errs: []error{io.EOF}}
	src := newSource(SourceConfig{Topic: "t", GroupID: "g"}, nil, fetcher, &recordingCommitter{}, nil, discardLogger())
	if err := src.Run(context.Background(), &countingInbox{signal: make(chan struct{})}); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

type stubWriter struct {
	msgs []kafka.Message
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	s.msgs = append(s.msgs, msgs...)
	return nil
}

func TestSinkKeysByTag(t *testing.T) {
	w := &stubWriter{}
	sink := &Sink{topic: "tag-positions", out: w}
	at := time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC)
	est := report.Estimate{TagMAC: "AA:BB:CC:DD:EE:01", Method: "single", AnchorID: "a", DistanceFromReference: 1.5, Converged: true, Anchors: []string{"a"}, Timestamp: at}
	if err := sink.PublishEstimate(context.Background(), est); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("unexpected key %q", w.msgs[0].Key)
	}
	want, _ := report.Format(est)
	if string(w.msgs[0].Value) != string(want) {
		t.Fatalf("unexpected value %s", w.msgs[0].Value)
	}
	if sink.Name() != "kafka" {
		t.Fatalf("unexpected name %q", sink.Name())
	}
}

func TestConstructorsValidate(t *testing.T) {
	if _, err := NewSource(SourceConfig{Brokers: []string{"k:9092"}, GroupID: "g"}, discardLogger()); err == nil {
		t.Fatalf("expected missing topic error")
	}
	if _, err := NewSink(SinkConfig{Topic: "t"}, discardLogger()); err == nil {
		t.Fatalf("expected missing broker error")
	}
}
