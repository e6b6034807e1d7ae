package core

// watchdog.go implements the priority-ordered health classifier and
// progressive recovery escalation of spec §4.7. Grounded on the teacher's
// fault_tolerance.go HealthChecker (periodic sampling, EWMA-style scoring)
// and PredictiveFailureDetector (threshold-based severity), generalized
// from peer RTT scoring to the multi-dimensional agent snapshot the spec
// describes.

import (
	"sync"
	"time"
)

// HealthStatus is the watchdog classifier's verdict for one sample.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthWarning  HealthStatus = "warning"
	HealthStuck    HealthStatus = "stuck"
	HealthCritical HealthStatus = "critical"
)

// RecoveryAction is the at-most-one action the classifier selects.
type RecoveryAction string

const (
	ActionNone             RecoveryAction = "none"
	ActionRestartProcess   RecoveryAction = "restart_process"
	ActionClearContext     RecoveryAction = "clear_context"
	ActionSendInterrupt    RecoveryAction = "send_interrupt"
	ActionKillAndRestart   RecoveryAction = "kill_workers_and_restart"
	ActionBackoffOutbound  RecoveryAction = "exponential_backoff_outbound"
)

// RecoveryTier is the escalating severity of a watchdog-initiated recovery.
type RecoveryTier int

const (
	RecoveryNone RecoveryTier = iota
	RecoverySoftReset
	RecoveryMediumReset
	RecoveryHardReset
	RecoveryHumanIntervention
)

func (t RecoveryTier) String() string {
	switch t {
	case RecoveryNone:
		return "none"
	case RecoverySoftReset:
		return "soft_reset"
	case RecoveryMediumReset:
		return "medium_reset"
	case RecoveryHardReset:
		return "hard_reset"
	case RecoveryHumanIntervention:
		return "human_intervention"
	default:
		return "unknown"
	}
}

// PhaseTimeouts maps a phase to its maximum elapsed duration before the
// watchdog considers it stuck.
var PhaseTimeouts = map[AgentPhase]time.Duration{
	PhaseResearch:   15 * time.Minute,
	PhaseEvaluation: 10 * time.Minute,
	PhaseExecution:  5 * time.Minute,
}

// WatchdogThresholds overrides the spec's documented defaults.
type WatchdogThresholds struct {
	HeartbeatCritical time.Duration // default 10m
	ToolCallRateWarn  float64       // per minute, default 60
	StallDuration     time.Duration // default 5m
	ErrorRateDegraded float64       // per hour, default 10
}

// DefaultWatchdogThresholds matches spec §4.7's table.
func DefaultWatchdogThresholds() WatchdogThresholds {
	return WatchdogThresholds{
		HeartbeatCritical: 10 * time.Minute,
		ToolCallRateWarn:  60,
		StallDuration:     5 * time.Minute,
		ErrorRateDegraded: 10,
	}
}

// Snapshot is one watchdog sample (spec §4.7).
type Snapshot struct {
	HeartbeatAge   time.Duration
	ToolCallRate   float64
	OutputStalled  bool
	MemoryUsage    uint64
	ErrorRatePerHr float64
	Phase          AgentPhase
	PhaseElapsed   time.Duration
}

// Verdict is the classifier's priority-ordered decision for one snapshot.
type Verdict struct {
	Status HealthStatus
	Action RecoveryAction
	Reason string
}

// Classify applies the priority table from spec §4.7: priority 1 dominates
// 2+, 2 dominates 3+, and so on — at most one action is ever returned.
func Classify(snap Snapshot, th WatchdogThresholds) Verdict {
	if snap.HeartbeatAge > th.HeartbeatCritical {
		return Verdict{Status: HealthCritical, Action: ActionRestartProcess, Reason: "heartbeat stale"}
	}
	if snap.ToolCallRate > th.ToolCallRateWarn {
		return Verdict{Status: HealthWarning, Action: ActionClearContext, Reason: "tool call rate exceeded"}
	}
	if snap.OutputStalled {
		return Verdict{Status: HealthStuck, Action: ActionSendInterrupt, Reason: "output stalled"}
	}
	if timeout, ok := PhaseTimeouts[snap.Phase]; ok && snap.PhaseElapsed > timeout {
		return Verdict{Status: HealthStuck, Action: ActionKillAndRestart, Reason: "phase timeout exceeded"}
	}
	if snap.ErrorRatePerHr > th.ErrorRateDegraded {
		return Verdict{Status: HealthDegraded, Action: ActionBackoffOutbound, Reason: "error rate elevated"}
	}
	return Verdict{Status: HealthHealthy, Action: ActionNone}
}

// RecoveryEscalator tracks the progressive-recovery counter described in
// spec §4.7: the tier escalates on each call within the hour and resets
// after an hour of inactivity.
type RecoveryEscalator struct {
	mu       sync.Mutex
	attempts int
	lastCall time.Time
}

// NewRecoveryEscalator constructs a fresh, zero-attempt escalator.
func NewRecoveryEscalator() *RecoveryEscalator {
	return &RecoveryEscalator{}
}

// DetermineRecoveryLevel returns the next tier and bumps the internal
// counter, resetting it first if more than an hour has elapsed since the
// previous call.
func (r *RecoveryEscalator) DetermineRecoveryLevel() RecoveryTier {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !r.lastCall.IsZero() && now.Sub(r.lastCall) > time.Hour {
		r.attempts = 0
	}
	r.lastCall = now

	if r.attempts < 4 {
		r.attempts++
	}
	switch r.attempts {
	case 1:
		return RecoverySoftReset
	case 2:
		return RecoveryMediumReset
	case 3:
		return RecoveryHardReset
	default:
		return RecoveryHumanIntervention
	}
}

// Reset zeroes the attempt counter, used when the caller already knows an
// hour has passed (e.g. resuming from a persisted state store).
func (r *RecoveryEscalator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.lastCall = time.Time{}
}

// OverallStatus derives the user-visible aggregate status (spec §7) from
// the latest watchdog verdict, the breaker registry, and a task success
// ratio in [0, 1].
func OverallStatus(latest Verdict, breakers map[string]BreakerState, taskSuccessRatio float64) string {
	for _, state := range breakers {
		if state == BreakerOpen {
			return "degraded"
		}
	}
	switch latest.Status {
	case HealthCritical, HealthStuck:
		return "unhealthy"
	case HealthDegraded, HealthWarning:
		return "degraded"
	}
	if taskSuccessRatio < 0.5 {
		return "degraded"
	}
	return "healthy"
}
