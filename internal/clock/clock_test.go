// v0
// internal/clock/clock_test.go
package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresTickers(t *testing.T) {
	start := time.Date(2024, 5, 2, 15, 0, 0, 0, time.UTC)
	fc := NewFake(start)
	tk := fc.NewTicker(time.Second)

	fc.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatalf("ticker fired before its deadline")
	default:
	}

	fc.Advance(500 * time.Millisecond)
	select {
	case got := <-tk.C():
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected tick time: %v", got)
		}
	default:
		t.Fatalf("expected tick after one second")
	}
	if !fc.Now().Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected now: %v", fc.Now())
	}
}

func TestFakeStopRemovesTicker(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	tk := fc.NewTicker(time.Second)
	if fc.Tickers() != 1 {
		t.Fatalf("expected one ticker, got %d", fc.Tickers())
	}
	tk.Stop()
	if fc.Tickers() != 0 {
		t.Fatalf("expected ticker removed, got %d", fc.Tickers())
	}
	fc.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatalf("stopped ticker must not fire")
	default:
	}
}

func TestFakeAfterFiresOnce(t *testing.T) {
	fc := NewFake(time.Unix(100, 0))
	ch := fc.After(2 * time.Second)
	fc.Advance(time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}
	fc.Advance(5 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(time.Unix(102, 0)) {
			t.Fatalf("unexpected fire time: %v", got)
		}
	default:
		t.Fatalf("expected timer to fire")
	}
	if fc.Tickers() != 0 {
		t.Fatalf("one-shot timer should be released, got %d registered", fc.Tickers())
	}
}
