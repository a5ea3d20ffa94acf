package logutil

import (
	"io"
	"log"
	"testing"
	"time"
)

func silenceLog(t *testing.T) {
	t.Helper()
	prev := log.Writer()
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(prev) })
}

func TestPrintfOncePerInterval(t *testing.T) {
	silenceLog(t)

	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	l := NewLimiter(time.Minute)
	l.SetClock(func() time.Time { return now })

	if !l.Printf("dial", "dial failed") {
		t.Fatal("first occurrence should be logged")
	}
	if l.Printf("dial", "dial failed") {
		t.Fatal("repeat within the interval should be suppressed")
	}

	now = now.Add(59 * time.Second)
	if l.Printf("dial", "dial failed") {
		t.Fatal("still inside the interval")
	}

	now = now.Add(2 * time.Second)
	if !l.Printf("dial", "dial failed") {
		t.Fatal("interval elapsed, should log again")
	}
}

func TestPrintfTracksCausesIndependently(t *testing.T) {
	silenceLog(t)

	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	l := NewLimiter(time.Minute)
	l.SetClock(func() time.Time { return now })

	if !l.Printf("dial:py-1", "dial failed") {
		t.Fatal("first cause should be logged")
	}
	if !l.Printf("dial:py-2", "dial failed") {
		t.Fatal("a different cause has its own window")
	}
	if l.Printf("dial:py-1", "dial failed") {
		t.Fatal("first cause is still within its window")
	}
}
