package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEventLogAppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	el, err := NewEventLog(filepath.Join(dir, "events.log"), 2)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	defer el.Close()

	el.Append(EventBreakerOpened, "dependency down", map[string]any{"dependency": "chain"})
	el.Append(EventBreakerHalfOpen, "probe scheduled", nil)
	el.Append(EventBreakerClosed, "recovered", nil)

	recent := el.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(recent))
	}
	if recent[len(recent)-1].Kind != EventBreakerClosed {
		t.Fatalf("expected most recent event last, got %s", recent[len(recent)-1].Kind)
	}
}

func TestEventLogRotatesPastSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.log")

	// Pre-seed the file past the rotation threshold so the very next
	// Append triggers a roll, without actually writing 10 MiB of events.
	oversized := make([]byte, maxEventLogBytes+1)
	if err := os.WriteFile(path, oversized, 0o644); err != nil {
		t.Fatalf("seed oversized log: %v", err)
	}

	el, err := NewEventLog(path, 1)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	defer el.Close()

	el.Append(EventBreakerOpened, "dependency down", nil)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	var rolled, current bool
	for _, e := range entries {
		switch {
		case e.Name() == "resilience.log":
			current = true
		case strings.HasPrefix(e.Name(), "resilience.log."):
			rolled = true
		}
	}
	if !rolled {
		t.Fatalf("expected a rolled sibling file after exceeding the size threshold")
	}
	if !current {
		t.Fatalf("expected a fresh resilience.log to exist after rotation")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat rotated-to path: %v", err)
	}
	if info.Size() >= maxEventLogBytes {
		t.Fatalf("expected fresh log file to be small after rotation, got %d bytes", info.Size())
	}
}

func TestEventLogMarshalRecentJSON(t *testing.T) {
	dir := t.TempDir()
	el, err := NewEventLog(filepath.Join(dir, "events.log"), 10)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	defer el.Close()

	el.Append(EventWatchdogDegraded, "p2p transport unhealthy", nil)
	data, err := el.MarshalRecentJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty JSON payload")
	}
}
