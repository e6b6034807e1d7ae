package core

// eventlog.go is the append-only resilience event log (spec §5): every
// circuit-breaker transition, watchdog escalation, failover and settlement
// decision is recorded here for post-incident review. resilience.log rotates
// to a timestamped sibling once it exceeds 10 MiB (spec §6). Grounded on the
// teacher's system_health_logging.go HealthLogger: structured logrus JSON
// output plus Prometheus counters, generalized from node/ledger metrics to
// resilience events.

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// maxEventLogBytes is the spec §6 rotation threshold for resilience.log.
const maxEventLogBytes = 10 * 1024 * 1024

// EventKind enumerates the resilience events the log records.
type EventKind string

const (
	EventBreakerOpened      EventKind = "breaker_opened"
	EventBreakerHalfOpen    EventKind = "breaker_half_open"
	EventBreakerClosed      EventKind = "breaker_closed"
	EventWatchdogDegraded   EventKind = "watchdog_degraded"
	EventWatchdogRecovered  EventKind = "watchdog_recovered"
	EventFailoverPromoted   EventKind = "failover_promoted"
	EventFailoverDemoted    EventKind = "failover_demoted"
	EventSettlementAgreed   EventKind = "settlement_agreed"
	EventSettlementDisputed EventKind = "settlement_disputed"
	EventArbitrationFiled   EventKind = "arbitration_filed"
	EventTaskCheckpointed   EventKind = "task_checkpointed"
	EventTaskResumed        EventKind = "task_resumed"
)

// Event is one append-only record.
type Event struct {
	Time   time.Time      `json:"time"`
	Kind   EventKind      `json:"kind"`
	Detail string         `json:"detail"`
	Fields map[string]any `json:"fields,omitempty"`
}

// EventLog appends structured JSON lines to a file and mirrors a per-kind
// Prometheus counter, the way HealthLogger mirrors ledger metrics to gauges.
// The backing file rotates once it exceeds maxEventLogBytes (spec §6).
type EventLog struct {
	mu   sync.Mutex
	log  *logrus.Logger
	file *os.File
	path string

	registry     *prometheus.Registry
	eventCounter *prometheus.CounterVec

	ring    []Event
	ringCap int
}

// NewEventLog opens (creating if necessary) path for append and wires a
// fresh Prometheus registry for event counts. ringCap bounds an in-memory
// tail of recent events, read through Recent; 0 disables the ring.
func NewEventLog(path string, ringCap int) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bilateral_bet_resilience_events_total",
		Help: "Count of resilience events by kind.",
	}, []string{"kind"})
	reg.MustRegister(counter)

	return &EventLog{
		log:          lg,
		file:         f,
		path:         path,
		registry:     reg,
		eventCounter: counter,
		ringCap:      ringCap,
	}, nil
}

// rotateIfNeeded rolls resilience.log to a timestamped sibling path and
// reopens a fresh file at el.path once the current file exceeds
// maxEventLogBytes. Called with el.mu held.
func (el *EventLog) rotateIfNeeded() {
	info, err := el.file.Stat()
	if err != nil || info.Size() <= maxEventLogBytes {
		return
	}

	if err := el.file.Close(); err != nil {
		return
	}
	rolled := fmt.Sprintf("%s.%d", el.path, time.Now().UTC().UnixNano())
	if err := os.Rename(el.path, rolled); err != nil {
		// Can't roll the old file aside; reopen it in place rather than
		// lose events.
		if f, reopenErr := os.OpenFile(el.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); reopenErr == nil {
			el.file = f
			el.log.SetOutput(f)
		}
		return
	}
	f, err := os.OpenFile(el.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	el.file = f
	el.log.SetOutput(f)
}

// Registry exposes the Prometheus registry so a metrics server can serve it.
func (el *EventLog) Registry() *prometheus.Registry { return el.registry }

// Append records an event under a monotonic lock, writing it to the
// underlying file and incrementing its Prometheus counter.
func (el *EventLog) Append(kind EventKind, detail string, fields map[string]any) {
	ev := Event{Time: time.Now().UTC(), Kind: kind, Detail: detail, Fields: fields}

	el.mu.Lock()
	defer el.mu.Unlock()

	el.rotateIfNeeded()

	el.eventCounter.WithLabelValues(string(kind)).Inc()
	entry := el.log.WithFields(logrus.Fields{"detail": detail})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Info(string(kind))

	if el.ringCap > 0 {
		el.ring = append(el.ring, ev)
		if len(el.ring) > el.ringCap {
			el.ring = el.ring[len(el.ring)-el.ringCap:]
		}
	}
}

// Recent returns a copy of the in-memory tail, most recent last.
func (el *EventLog) Recent() []Event {
	el.mu.Lock()
	defer el.mu.Unlock()
	out := make([]Event, len(el.ring))
	copy(out, el.ring)
	return out
}

// Close releases the underlying file.
func (el *EventLog) Close() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.file.Close()
}

// MarshalRecentJSON renders Recent() as a JSON array. The /health handler
// does not include it in its response.
func (el *EventLog) MarshalRecentJSON() ([]byte, error) {
	return json.Marshal(el.Recent())
}
