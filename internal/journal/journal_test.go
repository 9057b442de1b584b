// v0
// internal/journal/journal_test.go
package journal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nrgchamp/tagfusion/internal/report"
	"nrgchamp/tagfusion/internal/solver"
)

func estimate(tag string, x float64, at time.Time) report.Estimate {
	pt := solver.Point{X: x, Y: 1}
	return report.Estimate{
		TagMAC:     tag,
		Method:     solver.MethodMultilateration,
		Point:      &pt,
		Residual:   0.02,
		Iterations: 7,
		Converged:  true,
		Anchors:    []string{"a", "b", "c"},
		Timestamp:  at,
	}
}

func TestAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "positions.jsonl")
	base := time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC)

	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, est := range []report.Estimate{
		estimate("AA:BB:CC:DD:EE:01", 1, base),
		estimate("AA:BB:CC:DD:EE:02", 5, base),
		estimate("AA:BB:CC:DD:EE:01", 2, base.Add(time.Second)),
	} {
		if err := j.Append(est); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if j.LastID() != 3 {
		t.Fatalf("expected last id 3, got %d", j.LastID())
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := j.Append(estimate("x", 0, base)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	latest := reopened.Latest()
	if len(latest) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(latest))
	}
	first := latest[0]
	if first.TagMAC != "AA:BB:CC:DD:EE:01" || first.Point == nil || first.Point.X != 2 {
		t.Fatalf("expected newest estimate for tag 01, got %+v", first)
	}
	if first.Iterations != 7 || !first.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected restored fields %+v", first)
	}

	if err := reopened.Append(estimate("AA:BB:CC:DD:EE:03", 3, base)); err != nil {
		t.Fatalf("append after reload: %v", err)
	}
	if reopened.LastID() != 4 {
		t.Fatalf("ids must continue after reload, got %d", reopened.LastID())
	}
}

func TestOpenRejectsCorruptJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.jsonl")
	if err := os.WriteFile(path, []byte("{\"id\":1,\"tag_mac\":\"x\",\"timestamp\":\"2024-05-02T15:00:00Z\"}\nnot json\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Open(path, nil)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestOpenRejectsOutOfOrderIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.jsonl")
	lines := "{\"id\":2,\"tag_mac\":\"x\",\"timestamp\":\"2024-05-02T15:00:00Z\"}\n" +
		"{\"id\":2,\"tag_mac\":\"x\",\"timestamp\":\"2024-05-02T15:00:01Z\"}\n"
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, nil); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
}
