package core

// state_store.go is the extended agent state store (spec §3, §4.11):
// a single JSON object, read-modify-write with atomic rename, holding
// heartbeat, phase, recovery and breaker-snapshot data. Grounded on the
// teacher's HighAvailability.HA_Snapshot/HA_Restore (JSON marshal to/from a
// single file), generalized from a whole-ledger snapshot to a
// read-modify-write object and hardened with write-to-temp-then-rename so
// concurrent readers never observe a partially written file (spec §5, §8
// State atomicity).

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"synnergy-network/pkg/utils"
)

// AgentPhase is the coarse activity phase reported by the watchdog.
type AgentPhase string

const (
	PhaseIdle       AgentPhase = "idle"
	PhaseResearch   AgentPhase = "research"
	PhaseEvaluation AgentPhase = "evaluation"
	PhaseExecution  AgentPhase = "execution"
)

// RecoveryState tracks the watchdog's progressive-recovery escalation.
type RecoveryState struct {
	Attempts         int          `json:"attempts"`
	LastRecoveryTime time.Time    `json:"last_recovery_time"`
	CurrentLevel     RecoveryTier `json:"current_level"`
	InProgress       bool         `json:"in_progress"`
}

// RecoverableState is the checkpointed payload the backup agent replicates
// and a crash-restarted process rehydrates from.
type RecoverableState struct {
	LastCheckpoint  string          `json:"last_checkpoint,omitempty"`
	CheckpointData  json.RawMessage `json:"checkpoint_data,omitempty"`
	PendingTaskIDs  []string        `json:"pending_task_ids,omitempty"`
	SnapshotTime    time.Time       `json:"snapshot_time"`
}

// AgentState is the single persisted object described by spec §3.
type AgentState struct {
	AgentIdentity   string                  `json:"agent_identity"`
	Capital         BigInt                  `json:"capital"`
	CurrentBalance  BigInt                  `json:"current_balance"`
	Phase           AgentPhase              `json:"phase"`
	PhaseStartTime  time.Time               `json:"phase_start_time"`
	LastHeartbeat   time.Time               `json:"last_heartbeat"`
	CurrentTaskID   *string                 `json:"current_task_id,omitempty"`
	Recovery        RecoveryState           `json:"recovery"`
	BreakerSnapshot map[string]string       `json:"breaker_snapshot"`
	Recoverable     RecoverableState        `json:"recoverable"`
}

// defaultAgentState returns the zero-value state used on first run.
func defaultAgentState(identity string, capital BigInt) *AgentState {
	now := time.Now().UTC()
	return &AgentState{
		AgentIdentity:   identity,
		Capital:         capital,
		CurrentBalance:  capital,
		Phase:           PhaseIdle,
		PhaseStartTime:  now,
		LastHeartbeat:   now,
		BreakerSnapshot: make(map[string]string),
		Recoverable:     RecoverableState{SnapshotTime: now},
	}
}

// StateStore persists AgentState to a single path with a single in-process
// writer, matching the spec's "single writer per persisted file" invariant.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore binds a store to path without touching the filesystem.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads and validates the persisted state. A missing file or one
// failing validation is reported as (nil, nil) — "first run, initialize
// defaults" — rather than an error, per spec §4.11.
func (s *StateStore) Load() (*AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, utils.Wrap(err, "state store: read")
	}
	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil
	}
	if st.AgentIdentity == "" || st.LastHeartbeat.IsZero() {
		return nil, nil
	}
	return &st, nil
}

// save performs the atomic write+rename. Callers must hold s.mu.
func (s *StateStore) save(st *AgentState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return utils.Wrap(err, "state store: marshal")
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".agent-state-*.tmp")
	if err != nil {
		return utils.Wrap(err, "state store: temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return utils.Wrap(err, "state store: write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return utils.Wrap(err, "state store: close")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return utils.Wrap(err, "state store: rename")
	}
	return nil
}

// mutate loads the current state (or a fresh default), applies fn, and
// atomically persists the result.
func (s *StateStore) mutate(identity string, capital BigInt, fn func(*AgentState)) (*AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	var st *AgentState
	if err == nil {
		var loaded AgentState
		if jsonErr := json.Unmarshal(data, &loaded); jsonErr == nil && loaded.AgentIdentity != "" {
			st = &loaded
		}
	}
	if st == nil {
		st = defaultAgentState(identity, capital)
	}
	fn(st)
	if err := s.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateHeartbeat stamps LastHeartbeat with the current time.
func (s *StateStore) UpdateHeartbeat(identity string, capital BigInt) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.LastHeartbeat = time.Now().UTC()
	})
}

// StartPhase transitions to a new phase, resetting PhaseStartTime.
func (s *StateStore) StartPhase(identity string, capital BigInt, phase AgentPhase) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.Phase = phase
		st.PhaseStartTime = time.Now().UTC()
	})
}

// SetCurrentTask records (or clears, with a nil id) the active task.
func (s *StateStore) SetCurrentTask(identity string, capital BigInt, id *string) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.CurrentTaskID = id
	})
}

// RecordRecoveryAttempt bumps the attempt counter and marks recovery as
// in-progress at the given tier.
func (s *StateStore) RecordRecoveryAttempt(identity string, capital BigInt, level RecoveryTier) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.Recovery.Attempts++
		st.Recovery.CurrentLevel = level
		st.Recovery.LastRecoveryTime = time.Now().UTC()
		st.Recovery.InProgress = true
	})
}

// CompleteRecovery clears the in-progress flag.
func (s *StateStore) CompleteRecovery(identity string, capital BigInt) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.Recovery.InProgress = false
	})
}

// ShouldResetRecoveryCounter reports whether more than an hour has elapsed
// since the last recovery attempt.
func (s *StateStore) ShouldResetRecoveryCounter(st *AgentState) bool {
	if st.Recovery.LastRecoveryTime.IsZero() {
		return false
	}
	return time.Since(st.Recovery.LastRecoveryTime) > time.Hour
}

// ResetRecoveryCounter zeroes the attempt counter and tier.
func (s *StateStore) ResetRecoveryCounter(identity string, capital BigInt) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.Recovery.Attempts = 0
		st.Recovery.CurrentLevel = RecoveryNone
	})
}

// UpdateBreakerStates overwrites the breaker-state snapshot wholesale.
func (s *StateStore) UpdateBreakerStates(identity string, capital BigInt, snapshot map[string]string) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.BreakerSnapshot = snapshot
	})
}

// SaveCheckpoint records the latest checkpoint name and opaque data.
func (s *StateStore) SaveCheckpoint(identity string, capital BigInt, name string, data json.RawMessage) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.Recoverable.LastCheckpoint = name
		st.Recoverable.CheckpointData = data
		st.Recoverable.SnapshotTime = time.Now().UTC()
	})
}

// ClearRecoverableState discards the checkpoint and pending-task set. The
// settlement coordinator does not call it when a bet reaches a terminal
// outcome.
func (s *StateStore) ClearRecoverableState(identity string, capital BigInt) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		st.Recoverable = RecoverableState{SnapshotTime: time.Now().UTC()}
	})
}

// AddPendingTask appends id to the pending-task set if not already present.
func (s *StateStore) AddPendingTask(identity string, capital BigInt, id string) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		for _, existing := range st.Recoverable.PendingTaskIDs {
			if existing == id {
				return
			}
		}
		st.Recoverable.PendingTaskIDs = append(st.Recoverable.PendingTaskIDs, id)
	})
}

// RemovePendingTask removes id from the pending-task set.
func (s *StateStore) RemovePendingTask(identity string, capital BigInt, id string) (*AgentState, error) {
	return s.mutate(identity, capital, func(st *AgentState) {
		out := st.Recoverable.PendingTaskIDs[:0]
		for _, existing := range st.Recoverable.PendingTaskIDs {
			if existing != id {
				out = append(out, existing)
			}
		}
		st.Recoverable.PendingTaskIDs = out
	})
}

// ReplicateTo copies the current state file to dst atomically. The backup
// agent's periodic replication (spec §4.12) does not call it; it copies the
// state file itself with copyFileAtomically.
func (s *StateStore) ReplicateTo(dst string) error {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return utils.Wrap(err, "state store: replicate read")
	}
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".backup-state-*.tmp")
	if err != nil {
		return utils.Wrap(err, "state store: replicate temp")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return utils.Wrap(err, "state store: replicate write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dst)
}
