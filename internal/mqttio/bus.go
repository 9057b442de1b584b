// v1
// internal/mqttio/bus.go
package mqttio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nrgchamp/tagfusion/internal/fusion"
	"nrgchamp/tagfusion/internal/report"
)

// Config describes the broker connection and topic layout.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// VotesTopic is the subscription filter for receiver sightings.
	VotesTopic     string
	WinnerPrefix   string
	LocationPrefix string
	AlertPrefix    string
	StatusTopic    string
	ConnectTimeout time.Duration
}

// Inbox accepts raw sighting payloads without blocking.
type Inbox interface {
	Offer(payload []byte, source string) bool
}

// Bus is the MQTT side of the coordinator: it feeds receiver votes into an
// Inbox and republishes winners, estimates, alerts and status.
type Bus struct {
	cfg    Config
	client mqtt.Client
	log    *slog.Logger

	mu    sync.Mutex
	inbox Inbox
}

// Dial connects to cfg.Broker. Subscriptions registered with Subscribe are
// restored on every reconnect.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Bus, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	b := &Bus{cfg: cfg, log: orDiscard(log)}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn("mqtt_connection_lost", slog.Any("err", err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.log.Info("mqtt_connected", slog.String("broker", cfg.Broker), slog.String("client_id", cfg.ClientID))
		b.mu.Lock()
		inbox := b.inbox
		b.mu.Unlock()
		if inbox != nil {
			if err := b.subscribe(context.Background(), inbox); err != nil {
				b.log.Error("mqtt_resubscribe_failed", slog.Any("err", err))
			}
		}
	})
	b.client = mqtt.NewClient(opts)

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := wait(cctx, b.client.Connect()); err != nil {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return b, nil
}

// NewWithClient wraps an already connected client.
func NewWithClient(client mqtt.Client, cfg Config, log *slog.Logger) *Bus {
	return &Bus{cfg: cfg, client: client, log: orDiscard(log)}
}

// Subscribe forwards every message on the votes topic to inbox.
func (b *Bus) Subscribe(ctx context.Context, inbox Inbox) error {
	b.mu.Lock()
	b.inbox = inbox
	b.mu.Unlock()
	return b.subscribe(ctx, inbox)
}

func (b *Bus) subscribe(ctx context.Context, inbox Inbox) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		inbox.Offer(msg.Payload(), "mqtt:"+msg.Topic())
	}
	if err := wait(ctx, b.client.Subscribe(b.cfg.VotesTopic, b.cfg.QoS, handler)); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.VotesTopic, err)
	}
	b.log.Info("mqtt_subscribed", slog.String("topic", b.cfg.VotesTopic), slog.Int("qos", int(b.cfg.QoS)))
	return nil
}

// Name identifies the sink in logs and metrics.
func (b *Bus) Name() string { return "mqtt" }

// PublishEstimate sends est on the location topic of its tag.
func (b *Bus) PublishEstimate(ctx context.Context, est report.Estimate) error {
	payload, err := report.Format(est)
	if err != nil {
		return err
	}
	return b.publish(ctx, report.LocationTopic(b.cfg.LocationPrefix, est.TagMAC), false, payload)
}

// winnerMessage is the republished election result.
type winnerMessage struct {
	RoundID        string   `json:"round_id"`
	ReceiverID     string   `json:"receiver_id"`
	MAC            string   `json:"mac"`
	RSSI           int      `json:"rssi"`
	SmoothedRSSI   int      `json:"smoothed_rssi"`
	SequenceNumber uint64   `json:"sequence_number"`
	Candidates     int      `json:"candidates"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Battery        *uint8   `json:"battery,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

// WinnerTopic is the topic a winner is republished on.
func WinnerTopic(prefix, receiver, tag string) string {
	return prefix + "/" + receiver + "/" + tag
}

// PublishWinner republishes the elected sighting of one tag.
func (b *Bus) PublishWinner(ctx context.Context, roundID string, w fusion.Winner) error {
	payload, err := json.Marshal(winnerMessage{
		RoundID:        roundID,
		ReceiverID:     w.ReceiverID,
		MAC:            w.TagMAC,
		RSSI:           w.RSSI,
		SmoothedRSSI:   w.SmoothedRSSI,
		SequenceNumber: w.SequenceNumber,
		Candidates:     w.Candidates,
		Temperature:    w.Temperature,
		Battery:        w.Battery,
		Timestamp:      w.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal winner: %w", err)
	}
	return b.publish(ctx, WinnerTopic(b.cfg.WinnerPrefix, w.ReceiverID, w.TagMAC), false, payload)
}

// PublishAlert sends a telemetry alert for one tag.
func (b *Bus) PublishAlert(ctx context.Context, a fusion.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return b.publish(ctx, b.cfg.AlertPrefix+"/"+a.TagMAC, false, payload)
}

// PublishStatus sends the retained coordinator status.
func (b *Bus) PublishStatus(ctx context.Context, st fusion.Stats) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return b.publish(ctx, b.cfg.StatusTopic, true, payload)
}

// Publish sends a raw, non-retained payload to topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.publish(ctx, topic, false, payload)
}

func (b *Bus) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if err := wait(ctx, b.client.Publish(topic, b.cfg.QoS, retained, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (b *Bus) Close() {
	if b.client == nil {
		return
	}
	b.client.Disconnect(250)
	b.log.Info("mqtt_disconnected")
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func orDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return log
}
