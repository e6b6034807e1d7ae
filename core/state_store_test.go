package core

import (
	"path/filepath"
	"testing"
)

func TestStateStoreFirstRunReturnsNil(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "agent-state.json"))
	st, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state on first run, got %+v", st)
	}
}

func TestStateStoreRoundTrip(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "agent-state.json"))
	if _, err := store.UpdateHeartbeat("agent-1", NewBigInt(1000)); err != nil {
		t.Fatalf("update heartbeat: %v", err)
	}
	st, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st == nil {
		t.Fatalf("expected persisted state after first mutation")
	}
	if st.AgentIdentity != "agent-1" {
		t.Fatalf("expected identity to persist, got %q", st.AgentIdentity)
	}
}

func TestStateStorePendingTaskSet(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "agent-state.json"))
	if _, err := store.AddPendingTask("agent-1", NewBigInt(0), "task-a"); err != nil {
		t.Fatalf("add: %v", err)
	}
	st, err := store.AddPendingTask("agent-1", NewBigInt(0), "task-b")
	if err != nil {
		t.Fatalf("add second: %v", err)
	}
	if len(st.Recoverable.PendingTaskIDs) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(st.Recoverable.PendingTaskIDs))
	}
	st, err = store.RemovePendingTask("agent-1", NewBigInt(0), "task-a")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(st.Recoverable.PendingTaskIDs) != 1 || st.Recoverable.PendingTaskIDs[0] != "task-b" {
		t.Fatalf("expected only task-b to remain, got %v", st.Recoverable.PendingTaskIDs)
	}
}

func TestStateStoreShouldResetRecoveryCounter(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "agent-state.json"))
	st, err := store.RecordRecoveryAttempt("agent-1", NewBigInt(0), RecoverySoftReset)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if store.ShouldResetRecoveryCounter(st) {
		t.Fatalf("expected no reset immediately after a recovery attempt")
	}
}
