// v1
// internal/sighting/decode.go
package sighting

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// wireSighting mirrors the JSON published by receivers while tolerating the
// field variants seen in the fleet (mac vs tag_mac, numeric strings).
type wireSighting struct {
	ReceiverID     string          `json:"receiver_id"`
	MAC            string          `json:"mac"`
	TagMAC         string          `json:"tag_mac"`
	RSSI           json.RawMessage `json:"rssi"`
	SequenceNumber json.RawMessage `json:"sequence_number"`
	Temperature    json.RawMessage `json:"temperature"`
	Battery        json.RawMessage `json:"battery"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// Decode parses one JSON sighting and runs it through Ingest.
func Decode(payload []byte, receivedAt time.Time) (Sighting, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var w wireSighting
	if err := dec.Decode(&w); err != nil {
		return Sighting{}, fmt.Errorf("%w: decode payload: %v", ErrMalformedInput, err)
	}
	return w.toSighting(receivedAt)
}

// DecodeBatch accepts a JSON object, a JSON array of objects, or
// newline-delimited JSON. Valid sightings are returned alongside one error
// per rejected element.
func DecodeBatch(r io.Reader, receivedAt time.Time) ([]Sighting, []error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, []error{fmt.Errorf("read body: %w", err)}
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, []error{fmt.Errorf("%w: empty body", ErrMalformedInput)}
	}

	var (
		out  []Sighting
		errs []error
	)
	push := func(w wireSighting) {
		s, err := w.toSighting(receivedAt)
		if err != nil {
			errs = append(errs, err)
			return
		}
		out = append(out, s)
	}

	if trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var items []wireSighting
		if err := dec.Decode(&items); err != nil {
			return nil, []error{fmt.Errorf("%w: decode array: %v", ErrMalformedInput, err)}
		}
		for _, item := range items {
			push(item)
		}
		return out, errs
	}

	if trimmed[0] == '{' && json.Valid(trimmed) {
		s, err := Decode(trimmed, receivedAt)
		if err != nil {
			return nil, []error{err}
		}
		return []Sighting{s}, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var w wireSighting
		if err := dec.Decode(&w); err != nil {
			errs = append(errs, fmt.Errorf("%w: line %d: %v", ErrMalformedInput, line, err))
			continue
		}
		push(w)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errs
}

func (w wireSighting) toSighting(receivedAt time.Time) (Sighting, error) {
	rec := Record{ReceiverID: w.ReceiverID, TagMAC: w.TagMAC}
	if strings.TrimSpace(rec.TagMAC) == "" {
		rec.TagMAC = w.MAC
	}
	var err error
	if rec.RSSI, err = parseOptionalFloat(w.RSSI); err != nil {
		return Sighting{}, fmt.Errorf("%w: rssi: %v", ErrMalformedInput, err)
	}
	if rec.SequenceNumber, err = parseOptionalUint(w.SequenceNumber); err != nil {
		return Sighting{}, fmt.Errorf("%w: sequence_number: %v", ErrMalformedInput, err)
	}
	// Telemetry parse failures only drop the field.
	rec.Temperature, _ = parseOptionalFloat(w.Temperature)
	rec.Battery, _ = parseOptionalFloat(w.Battery)
	if ts, err := parseTimestamp(w.Timestamp); err == nil {
		rec.Timestamp = ts
	}
	return Ingest(rec, receivedAt)
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// parseOptionalFloat reads numeric JSON values or numeric strings. Absent
// and null values yield nil without error.
func parseOptionalFloat(raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		f, err := asNumber.Float64()
		if err != nil {
			return nil, err
		}
		return &f, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, err
		}
		return &f, nil
	}
	return nil, errors.New("not a number")
}

func parseOptionalUint(raw json.RawMessage) (*uint64, error) {
	if isNull(raw) {
		return nil, nil
	}
	text := strings.TrimSpace(string(raw))
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		text = strings.TrimSpace(asString)
	}
	if v, err := strconv.ParseUint(text, 10, 64); err == nil {
		return &v, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, err
	}
	if f < 0 || f != math.Trunc(f) || f >= 1<<64 {
		return nil, fmt.Errorf("%v is not an unsigned integer", f)
	}
	v := uint64(f)
	return &v, nil
}

// parseTimestamp accepts RFC3339 strings, Unix seconds (fractional allowed)
// and Unix milliseconds, as numbers or numeric strings.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, errors.New("timestamp missing")
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return time.Time{}, errors.New("timestamp string empty")
		}
		if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return ts.UTC(), nil
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return fromUnix(f), nil
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp %q", trimmed)
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if f, err := asNumber.Float64(); err == nil {
			return fromUnix(f), nil
		}
	}
	return time.Time{}, errors.New("timestamp format not recognized")
}

// fromUnix treats values above 1e12 as milliseconds.
func fromUnix(v float64) time.Time {
	if math.Abs(v) >= 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
