package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testAgentConfig(t *testing.T) (OrchestratorConfig, *Identity) {
	t.Helper()
	dir := t.TempDir()
	id, _, err := NewRandomIdentity(128)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	contract := ContractDomain("bilateral-bets", "1", 1, Address{0xCC})
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	chain := NewMockChainAdapter(0)
	disc := NewDiscovery(chain, id.Address, time.Minute, 4, time.Second)
	breakerCfg := DefaultBreakerConfig()
	transport := NewTransport(DefaultTransportConfig(), NewBreakerRegistry(breakerCfg, nil), time.Minute)
	trades := NewMemoryTradeStore()
	prices := NewExitPriceCache(&staticPriceFetcher{prices: map[string]BigInt{}}, time.Minute, 2)

	cfg := OrchestratorConfig{
		Identity:            id,
		ContractDomain:      contract,
		P2PDomain:           p2p,
		Chain:               chain,
		Discovery:           disc,
		Transport:           transport,
		Trades:              trades,
		Prices:              prices,
		StateDir:            dir,
		ListenAddr:          "127.0.0.1:0",
		Version:             "test",
		WatchdogInterval:    20 * time.Millisecond,
		WatchdogThresholds:  DefaultWatchdogThresholds(),
		DiscoveryInterval:   20 * time.Millisecond,
		SettlementScanEvery: time.Minute,
		BreakerConfig:       breakerCfg,
	}
	return cfg, id
}

func TestAgentStartRecoversInFlightTasks(t *testing.T) {
	cfg, _ := testAgentConfig(t)
	queuePath := filepath.Join(cfg.StateDir, "task-queue.json")

	seed, err := NewTaskQueue(queuePath)
	if err != nil {
		t.Fatalf("seed task queue: %v", err)
	}
	task, err := seed.AddTask("settle-bet", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := seed.StartTask(task.TaskID); err != nil {
		t.Fatalf("start task: %v", err)
	}

	agent, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	defer agent.Shutdown(context.Background(), time.Second)

	recovered := agent.Tasks.RecoverTasks()
	if len(recovered) != 1 || recovered[0].TaskID != task.TaskID {
		t.Fatalf("expected the seeded running task to be recovered, got %+v", recovered)
	}
}

func TestAgentWatchdogTickRecordsDegradedEvent(t *testing.T) {
	cfg, id := testAgentConfig(t)
	agent, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	stale := defaultAgentState(id.Address.Hex(), NewBigInt(0))
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal stale state: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.StateDir, "agent-state.json"), data, 0o644); err != nil {
		t.Fatalf("write stale state: %v", err)
	}

	agent.runWatchdogTick(WatchdogThresholds{HeartbeatCritical: time.Minute, ToolCallRateWarn: 60, StallDuration: 5 * time.Minute, ErrorRateDegraded: 10})

	recent := agent.Events.Recent()
	found := false
	for _, ev := range recent {
		if ev.Kind == EventWatchdogDegraded {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a watchdog_degraded event after a stale heartbeat tick, got %+v", recent)
	}
}
