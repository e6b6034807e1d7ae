package core

// orchestrator.go is the resilience orchestrator (spec §2's final
// dependency-order entry): the top-level process type that owns every
// other component's lifecycle and runs the parallel scheduling model of
// spec §5 — a discovery refresher, a watchdog ticker, and (when enabled) the
// backup agent's replication and liveness tickers, alongside the P2P
// inbound server and on-demand settlement flows. Grounded on the teacher's
// api_node.go (owns an http.Server plus background goroutines, exposes a
// single Start/Shutdown pair) generalized from one node type to the full
// resilience stack.

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OrchestratorConfig bundles every tunable the orchestrator needs to start.
type OrchestratorConfig struct {
	Identity *Identity

	ContractDomain Domain
	P2PDomain      Domain

	Chain     ChainAdapter
	Discovery *Discovery
	Transport *Transport
	Trades    TradeStore
	Prices    *ExitPriceCache

	StateDir   string
	ListenAddr string
	Version    string

	WatchdogInterval    time.Duration
	WatchdogThresholds  WatchdogThresholds
	DiscoveryInterval   time.Duration
	SettlementScanEvery time.Duration

	BackupEnabled bool
	BackupCfg     BackupAgentConfig

	BreakerConfig BreakerConfig
}

// Agent is one running instance of the resilience core: identity, chain
// adapter, P2P transport/server, settlement coordinator, watchdog, task
// queue and (optionally) the backup agent. NewAgent opens its own event log,
// shared by the settlement coordinator, server and backup agent, and its own
// breaker registry (Breakers), which is not passed to any component; the
// Transport supplied in OrchestratorConfig keeps the registry it was built with.
type Agent struct {
	cfg OrchestratorConfig

	Events   *EventLog
	Breakers *BreakerRegistry
	State    *StateStore
	Tasks    *TaskQueue

	Settlement *SettlementCoordinator
	Server     *Server
	Backup     *BackupAgent

	escalator *RecoveryEscalator

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewAgent wires every component per OrchestratorConfig. The caller supplies
// an already-constructed ChainAdapter, Discovery and Transport since their
// own construction needs deployment-specific endpoints this package cannot
// guess.
func NewAgent(cfg OrchestratorConfig) (*Agent, error) {
	events, err := NewEventLog(cfg.StateDir+"/resilience.log", 512)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: event log: %w", err)
	}
	breakers := NewBreakerRegistry(cfg.BreakerConfig, events)
	state := NewStateStore(cfg.StateDir + "/agent-state.json")
	tasks, err := NewTaskQueue(cfg.StateDir + "/task-queue.json")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: task queue: %w", err)
	}

	settlementCfg := DefaultSettlementCoordinatorConfig()
	settlement := NewSettlementCoordinator(cfg.Identity, cfg.Chain, cfg.ContractDomain, cfg.P2PDomain,
		cfg.Discovery, cfg.Transport, cfg.Prices, cfg.Trades, events, settlementCfg)

	server := NewServer(cfg.Identity, cfg.P2PDomain, cfg.Discovery, cfg.Trades, settlement, cfg.Transport, events, cfg.Version)

	var backup *BackupAgent
	if cfg.BackupEnabled {
		backup = NewBackupAgent(cfg.BackupCfg, events)
	}

	return &Agent{
		cfg:        cfg,
		Events:     events,
		Breakers:   breakers,
		State:      state,
		Tasks:      tasks,
		Settlement: settlement,
		Server:     server,
		Backup:     backup,
		escalator:  NewRecoveryEscalator(),
	}, nil
}

// Start loads persisted state (initializing defaults on first run),
// recovers in-flight tasks, and launches every background worker. The P2P
// server is started in a goroutine and Start returns without waiting for it
// to listen; a listen failure is recorded in the event log, not returned.
// Workers continue in the background until Shutdown.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	a.running = true
	a.stop = make(chan struct{})
	a.mu.Unlock()

	st, err := a.State.Load()
	if err != nil {
		return fmt.Errorf("orchestrator: load state: %w", err)
	}
	if st == nil {
		if _, err := a.State.UpdateHeartbeat(a.identityKey(), NewBigInt(0)); err != nil {
			return fmt.Errorf("orchestrator: initialize state: %w", err)
		}
	}
	for _, task := range a.Tasks.RecoverTasks() {
		cp, ok := task.LatestCheckpoint()
		if a.Events != nil {
			detail := "resuming task with no checkpoint"
			if ok {
				detail = "resuming task from checkpoint " + cp.Name
			}
			a.Events.Append(EventTaskResumed, detail, map[string]any{"task_id": task.TaskID})
		}
	}

	if a.cfg.BackupEnabled && a.Backup != nil {
		if err := a.Backup.Start(); err != nil {
			return fmt.Errorf("orchestrator: start backup agent: %w", err)
		}
	}

	a.wg.Add(2)
	go a.discoveryLoop()
	go a.watchdogLoop()

	if a.Server != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Server.ListenAndServe(a.cfg.ListenAddr); err != nil && a.Events != nil {
				a.Events.Append(EventWatchdogDegraded, "p2p server exited: "+err.Error(), nil)
			}
		}()
	}
	return nil
}

// Shutdown stops every background worker and the P2P server, waiting up to
// grace for a clean exit.
func (a *Agent) Shutdown(ctx context.Context, grace time.Duration) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	close(a.stop)
	a.running = false
	a.mu.Unlock()

	if a.Backup != nil {
		a.Backup.Stop()
	}
	if a.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		_ = a.Server.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("orchestrator: shutdown grace period exceeded")
	}
}

func (a *Agent) discoveryLoop() {
	defer a.wg.Done()
	interval := a.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if a.cfg.Discovery != nil {
				a.cfg.Discovery.FetchPeers(context.Background())
			}
		}
	}
}

func (a *Agent) watchdogLoop() {
	defer a.wg.Done()
	interval := a.cfg.WatchdogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	th := a.cfg.WatchdogThresholds
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.runWatchdogTick(th)
		}
	}
}

func (a *Agent) runWatchdogTick(th WatchdogThresholds) {
	st, err := a.State.Load()
	if err != nil || st == nil {
		return
	}
	if st.Recovery.InProgress {
		return // spec §5: a second recovery cannot start until completeRecovery() is invoked.
	}

	snap := Snapshot{
		HeartbeatAge: time.Since(st.LastHeartbeat),
		Phase:        st.Phase,
		PhaseElapsed: time.Since(st.PhaseStartTime),
	}
	verdict := Classify(snap, th)
	if verdict.Status == HealthHealthy {
		if a.State.ShouldResetRecoveryCounter(st) {
			a.escalator.Reset()
			a.State.ResetRecoveryCounter(a.identityKey(), NewBigInt(0))
		}
		return
	}

	tier := a.escalator.DetermineRecoveryLevel()
	a.State.RecordRecoveryAttempt(a.identityKey(), NewBigInt(0), tier)
	if a.Events != nil {
		a.Events.Append(EventWatchdogDegraded, verdict.Reason, map[string]any{
			"status": string(verdict.Status), "action": string(verdict.Action), "tier": tier.String(),
		})
	}
	// Executing the chosen RecoveryAction (restarting the process, clearing
	// context, sending an interrupt, …) is a host-application integration
	// point; the orchestrator only classifies and records the attempt.
	a.State.CompleteRecovery(a.identityKey(), NewBigInt(0))
	if a.Events != nil {
		a.Events.Append(EventWatchdogRecovered, "recovery attempt completed", map[string]any{"tier": tier.String()})
	}
}

func (a *Agent) identityKey() string {
	return a.cfg.Identity.Address.Hex()
}
