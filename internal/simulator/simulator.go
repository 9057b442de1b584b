// v0
// internal/simulator/simulator.go
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"nrgchamp/tagfusion/internal/anchor"
	"nrgchamp/tagfusion/internal/clock"
	"nrgchamp/tagfusion/internal/sighting"
	"nrgchamp/tagfusion/internal/solver"
)

// Receivers below this level are treated as out of range and stay silent.
const minAudibleRSSI = -100

// Config describes the simulated floor: the receivers, the tags walking
// through it and the radio model used to derive RSSI.
type Config struct {
	Receivers        []anchor.Anchor
	Tags             []string
	ReferencePower   float64
	PathLossExponent float64
	// NoiseStdDev is the standard deviation of the gaussian noise added to
	// each reading, in dBm.
	NoiseStdDev float64
	// DropRate is the probability that a receiver misses an advertisement.
	DropRate float64
	// Period is the time a tag needs to complete one lap.
	Period      time.Duration
	Temperature float64
	Seed        int64
}

// Reading is the JSON payload a receiver publishes for one advertisement.
type Reading struct {
	ReceiverID     string    `json:"receiver_id"`
	MAC            string    `json:"mac"`
	RSSI           int       `json:"rssi"`
	SequenceNumber uint64    `json:"sequence_number"`
	Battery        uint8     `json:"battery"`
	Temperature    float64   `json:"temperature"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher delivers a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Generator produces synthetic sightings for tags moving on a circle around
// the receivers' centroid.
type Generator struct {
	cfg      Config
	rng      *rand.Rand
	centroid solver.Point
	radius   float64
	seq      map[string]uint64
	battery  map[string]float64
	start    time.Time
	started  bool
}

// New validates cfg and returns a Generator seeded with cfg.Seed.
func New(cfg Config) (*Generator, error) {
	table, err := anchor.NewTable(cfg.Receivers)
	if err != nil {
		return nil, err
	}
	if len(cfg.Tags) == 0 {
		return nil, errors.New("simulator: at least one tag is required")
	}
	tags := make([]string, 0, len(cfg.Tags))
	for _, raw := range cfg.Tags {
		mac, err := sighting.NormalizeMAC(raw)
		if err != nil {
			return nil, fmt.Errorf("simulator: tag %q: %w", raw, err)
		}
		tags = append(tags, mac)
	}
	cfg.Tags = tags
	if cfg.PathLossExponent <= 0 {
		return nil, errors.New("simulator: path loss exponent must be positive")
	}
	if cfg.DropRate < 0 || cfg.DropRate >= 1 {
		return nil, errors.New("simulator: drop rate must be in [0, 1)")
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}

	c := table.Centroid()
	radius := 0.0
	for _, a := range table.All() {
		radius = math.Max(radius, math.Hypot(a.X-c.X, a.Y-c.Y))
	}
	// Tags walk halfway between the centroid and the outermost receiver.
	radius /= 2

	battery := make(map[string]float64, len(tags))
	for _, tag := range tags {
		battery[tag] = 100
	}
	return &Generator{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		centroid: c,
		radius:   radius,
		seq:      make(map[string]uint64, len(tags)),
		battery:  battery,
	}, nil
}

// RSSIAt inverts the log-distance path-loss model. Distances under 10 cm
// are clamped to avoid the singularity at the receiver.
func RSSIAt(distance, referencePower, pathLossExponent float64) float64 {
	distance = math.Max(distance, 0.1)
	return referencePower - 10*pathLossExponent*math.Log10(distance)
}

// Position returns where tag index i is after elapsed time. Tags are spread
// evenly around the lap.
func (g *Generator) Position(i int, elapsed time.Duration) solver.Point {
	phase := 2 * math.Pi * float64(i) / float64(len(g.cfg.Tags))
	angle := phase + 2*math.Pi*elapsed.Seconds()/g.cfg.Period.Seconds()
	return solver.Point{
		X: g.centroid.X + g.radius*math.Cos(angle),
		Y: g.centroid.Y + g.radius*math.Sin(angle),
	}
}

// Step produces one advertisement per tag as heard by every receiver in
// range. Sequence numbers grow per tag across all receivers so that readings
// survive deduplication keyed on either the tag or the tag and receiver.
func (g *Generator) Step(now time.Time) []Reading {
	if !g.started {
		g.start = now
		g.started = true
	}
	elapsed := now.Sub(g.start)

	var out []Reading
	for i, tag := range g.cfg.Tags {
		pos := g.Position(i, elapsed)
		g.battery[tag] = math.Max(0, g.battery[tag]-0.01)
		temp := g.cfg.Temperature + g.rng.NormFloat64()*0.2

		for _, idx := range g.rng.Perm(len(g.cfg.Receivers)) {
			rcv := g.cfg.Receivers[idx]
			if g.rng.Float64() < g.cfg.DropRate {
				continue
			}
			d := math.Hypot(pos.X-rcv.X, pos.Y-rcv.Y)
			rssi := RSSIAt(d, g.cfg.ReferencePower, g.cfg.PathLossExponent) + g.rng.NormFloat64()*g.cfg.NoiseStdDev
			rounded := int(math.Round(rssi))
			if rounded < minAudibleRSSI {
				continue
			}
			if rounded > -1 {
				rounded = -1
			}
			g.seq[tag]++
			out = append(out, Reading{
				ReceiverID:     rcv.ID,
				MAC:            tag,
				RSSI:           rounded,
				SequenceNumber: g.seq[tag],
				Battery:        uint8(math.Round(g.battery[tag])),
				Temperature:    math.Round(temp*100) / 100,
				Timestamp:      now.UTC(),
			})
		}
	}
	return out
}

// Topic joins prefix and the receiver id.
func Topic(prefix, receiverID string) string {
	return strings.TrimRight(prefix, "/") + "/" + receiverID
}

// Run publishes a Step every interval until ctx ends or steps batches have
// been sent. steps <= 0 runs until cancelled.
func (g *Generator) Run(ctx context.Context, clk clock.Clock, pub Publisher, prefix string, interval time.Duration, steps int, log *slog.Logger) error {
	if interval <= 0 {
		return errors.New("simulator: interval must be positive")
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	now := clk.Now()
	for {
		for _, r := range g.Step(now) {
			payload, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := pub.Publish(ctx, Topic(prefix, r.ReceiverID), payload); err != nil {
				log.Error("sim_publish_failed",
					slog.String("receiver_id", r.ReceiverID),
					slog.String("mac", r.MAC),
					slog.Any("err", err),
				)
				continue
			}
			log.Debug("sim_published",
				slog.String("receiver_id", r.ReceiverID),
				slog.String("mac", r.MAC),
				slog.Int("rssi", r.RSSI),
				slog.Uint64("sequence_number", r.SequenceNumber),
			)
		}
		sent++
		if steps > 0 && sent >= steps {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now = <-ticker.C():
		}
	}
}
