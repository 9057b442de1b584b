// v0
// internal/sighting/sighting.go
package sighting

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

// ErrMalformedInput marks records that cannot become a Sighting. Callers
// discard them and keep going.
var ErrMalformedInput = errors.New("malformed sighting")

const (
	minRSSI = -128
	maxRSSI = 127
)

// Sighting is one receiver's report of one tag advertisement. Values are
// immutable once returned by Ingest.
type Sighting struct {
	ReceiverID     string
	TagMAC         string
	RSSI           int
	SequenceNumber uint64
	Temperature    *float64
	Battery        *uint8
	// Timestamp is the producer-supplied observation time. Receivers are not
	// clock-synchronised, so it is informational only.
	Timestamp time.Time
	// ReceivedAt is stamped by the pipeline clock on delivery and drives
	// staleness.
	ReceivedAt time.Time
}

// Record is a parsed but unvalidated sighting. Pointer fields distinguish
// "absent" from zero values.
type Record struct {
	ReceiverID     string
	TagMAC         string
	RSSI           *float64
	SequenceNumber *uint64
	Temperature    *float64
	Battery        *float64
	Timestamp      time.Time
}

// Ingest validates rec and normalises it into a Sighting. It never touches
// tag state. When the producer omitted a timestamp, receivedAt is used.
func Ingest(rec Record, receivedAt time.Time) (Sighting, error) {
	receiver := strings.TrimSpace(rec.ReceiverID)
	if receiver == "" {
		return Sighting{}, fmt.Errorf("%w: receiver_id missing", ErrMalformedInput)
	}
	mac, err := NormalizeMAC(rec.TagMAC)
	if err != nil {
		return Sighting{}, err
	}
	if rec.RSSI == nil {
		return Sighting{}, fmt.Errorf("%w: rssi missing", ErrMalformedInput)
	}
	rssi, err := integral(*rec.RSSI, minRSSI, maxRSSI)
	if err != nil {
		return Sighting{}, fmt.Errorf("%w: rssi %v: %v", ErrMalformedInput, *rec.RSSI, err)
	}
	if rec.SequenceNumber == nil {
		return Sighting{}, fmt.Errorf("%w: sequence_number missing", ErrMalformedInput)
	}
	s := Sighting{
		ReceiverID:     receiver,
		TagMAC:         mac,
		RSSI:           int(rssi),
		SequenceNumber: *rec.SequenceNumber,
		Timestamp:      rec.Timestamp.UTC(),
		ReceivedAt:     receivedAt.UTC(),
	}
	if rec.Timestamp.IsZero() {
		s.Timestamp = receivedAt.UTC()
	}
	// Optional telemetry is dropped rather than rejected when implausible.
	if rec.Temperature != nil && !math.IsNaN(*rec.Temperature) && !math.IsInf(*rec.Temperature, 0) {
		t := *rec.Temperature
		s.Temperature = &t
	}
	if rec.Battery != nil {
		if b, err := integral(*rec.Battery, 0, 100); err == nil {
			v := uint8(b)
			s.Battery = &v
		}
	}
	return s, nil
}

// NormalizeMAC returns the canonical upper-case colon form of a 6-byte
// hardware address.
func NormalizeMAC(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: tag mac missing", ErrMalformedInput)
	}
	hw, err := net.ParseMAC(trimmed)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: tag mac %q", ErrMalformedInput, trimmed)
	}
	return strings.ToUpper(hw.String()), nil
}

func integral(v float64, lo, hi float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("not a number")
	}
	if v != math.Trunc(v) {
		return 0, errors.New("not an integer")
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("outside [%v, %v]", lo, hi)
	}
	return int64(v), nil
}
