package main

// cmd/agent is the process entry point for one bilateral-betting bot
// instance: it loads environment configuration, derives or recovers the
// agent's signing identity, wires every core component through
// core.NewAgent, and runs until terminated. Grounded on the teacher's
// walletserver/main.go (config.Load then a single blocking ListenAndServe)
// generalized to cobra subcommands since this process has more than one
// operator-facing entry point (run the agent, mint a fresh identity).

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-network/core"
	"synnergy-network/pkg/config"
	"synnergy-network/pkg/utils"
)

func main() {
	root := &cobra.Command{Use: "agent", Short: "resilient P2P bilateral-betting bot core"}
	root.AddCommand(runCmd())
	root.AddCommand(identityCmd())
	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runCmd() *cobra.Command {
	var stateDir, listenAddr, mnemonic string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the agent's resilience orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(stateDir, listenAddr, mnemonic)
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "./agent-data", "directory for persisted agent state")
	cmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:8080", "P2P inbound server listen address")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "BIP-39 mnemonic for the agent's signing identity (falls back to AGENT_MNEMONIC)")
	return cmd
}

func identityCmd() *cobra.Command {
	var entropyBits int
	cmd := &cobra.Command{
		Use:   "identity-new",
		Short: "generate a fresh signing identity and print its mnemonic and address",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, mnemonic, err := core.NewRandomIdentity(entropyBits)
			if err != nil {
				return err
			}
			fmt.Printf("address:  %s\nmnemonic: %s\n", id.Address.Hex(), mnemonic)
			return nil
		},
	}
	cmd.Flags().IntVar(&entropyBits, "entropy-bits", 128, "mnemonic entropy size (128 or 256)")
	return cmd
}

func runAgent(stateDir, listenAddr, mnemonic string) error {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, continuing with process environment")
	}
	cfg := config.Load()

	logrus.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(utils.EnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if mnemonic == "" {
		mnemonic = utils.EnvOrDefault("AGENT_MNEMONIC", "")
	}
	if mnemonic == "" {
		return fmt.Errorf("agent: no signing mnemonic supplied (pass --mnemonic or set AGENT_MNEMONIC)")
	}
	identity, err := core.IdentityFromMnemonic(mnemonic)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("agent: create state dir: %w", err)
	}

	contractAddrHex := utils.EnvOrDefault("SETTLEMENT_CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000000")
	contractAddr, err := core.ParseAddress(contractAddrHex)
	if err != nil {
		return fmt.Errorf("agent: SETTLEMENT_CONTRACT_ADDRESS: %w", err)
	}
	chainID := int64(utils.EnvOrDefaultInt("CHAIN_ID", 1))
	contractDomain := core.ContractDomain("bilateral-bets", "1", chainID, contractAddr)
	p2pDomain := core.P2PDomain("bilateral-bets-p2p", "1", chainID)

	// A production chain adapter talks to the registry/vault/settlement
	// contracts named in spec §4.1; wiring a concrete implementation means
	// picking an RPC endpoint and ABI the spec deliberately leaves external.
	// MockChainAdapter stands in here so the orchestrator has something to
	// drive end-to-end; swap it for a real go-ethereum bound adapter when
	// one is available.
	chain := core.NewMockChainAdapter(0)

	breakerCfg := core.DefaultBreakerConfig()
	events, err := core.NewEventLog(filepath.Join(stateDir, "resilience.log"), 512)
	if err != nil {
		return fmt.Errorf("agent: event log: %w", err)
	}
	transport := core.NewTransport(core.TransportConfig{
		Retry: core.RetryPolicy{
			MaxAttempts: cfg.P2PMaxRetries,
			BaseDelay:   cfg.P2PBaseDelay,
			MaxDelay:    cfg.P2PMaxDelay,
		},
		RequestTimeout: cfg.P2PTimeout,
	}, core.NewBreakerRegistry(breakerCfg, events), time.Hour)

	discovery := core.NewDiscovery(chain, identity.Address, cfg.P2PDiscoveryCacheTTL, 10, cfg.P2PHealthCheckTimeout)
	trades := core.NewMemoryTradeStore()
	prices := core.NewExitPriceCache(core.NewHTTPPriceFetcher(cfg.BackendURL), 5*time.Minute, 8)

	backupCfg := core.DefaultBackupAgentConfig(
		filepath.Join(stateDir, "primary.pid"),
		filepath.Join(stateDir, "backup.pid"),
		filepath.Join(stateDir, "agent-state.json"),
		filepath.Join(stateDir, "backup-state.json"),
	)

	agent, err := core.NewAgent(core.OrchestratorConfig{
		Identity:            identity,
		ContractDomain:      contractDomain,
		P2PDomain:           p2pDomain,
		Chain:               chain,
		Discovery:           discovery,
		Transport:           transport,
		Trades:              trades,
		Prices:              prices,
		StateDir:            stateDir,
		ListenAddr:          listenAddr,
		Version:             "agent-dev",
		WatchdogInterval:    time.Minute,
		WatchdogThresholds:  core.DefaultWatchdogThresholds(),
		DiscoveryInterval:   30 * time.Second,
		SettlementScanEvery: time.Minute,
		BackupEnabled:       cfg.BackupAgentEnabled,
		BackupCfg:           backupCfg,
		BreakerConfig:       breakerCfg,
	})
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("agent: start: %w", err)
	}
	logrus.WithField("address", identity.Address.Hex()).WithField("listen", listenAddr).Info("agent started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := agent.Shutdown(shutdownCtx, 10*time.Second); err != nil {
		logrus.WithError(err).Warn("agent shutdown did not complete cleanly")
	}
	return nil
}
