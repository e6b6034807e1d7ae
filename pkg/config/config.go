package config

// Package config loads the resilience agent's environment-driven settings
// into a flat AgentConfig, per spec §6's enumerated env knobs. cmd/agent
// passes the P2P_*, BACKUP_AGENT_ENABLED and BACKEND_URL values on to the
// core constructors; the SETTLEMENT_* values are loaded but not passed on,
// since core.NewAgent always uses DefaultSettlementCoordinatorConfig. It
// mirrors the teacher's config.go layering (viper.AutomaticEnv over
// documented defaults) but replaces the YAML-file-plus-network-section
// shape with a flat, env-only surface since this agent has no genesis file
// or consensus parameters to load.
//
// Version: v0.1.0

import (
	"time"

	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// AgentConfig holds every spec §6 environment knob, already parsed into the
// types the core package's constructors expect.
type AgentConfig struct {
	BackupAgentEnabled bool

	P2PDiscoveryCacheTTL     time.Duration
	P2PHealthCheckTimeout    time.Duration
	P2PMaxRetries            int
	P2PBaseDelay             time.Duration
	P2PMaxDelay              time.Duration
	P2PTimeout               time.Duration

	SettlementMaxRetries          int
	SettlementP2PTimeout          time.Duration
	SettlementArbitrationTimeout  time.Duration
	SettlementProposalExpiry      time.Duration

	BackendURL string
}

// Load reads every knob from the process environment through pkg/utils,
// falling back to the spec's documented defaults for anything unset, so
// values set by cmd/agent's godotenv.Load call are picked up as well. The
// viper.AutomaticEnv call takes no part in these reads.
func Load() AgentConfig {
	viper.AutomaticEnv()

	return AgentConfig{
		BackupAgentEnabled: envBool("BACKUP_AGENT_ENABLED", false),

		P2PDiscoveryCacheTTL:  envMillis("P2P_DISCOVERY_CACHE_TTL_MS", time.Minute),
		P2PHealthCheckTimeout: envMillis("P2P_HEALTH_CHECK_TIMEOUT_MS", 2*time.Second),
		P2PMaxRetries:         utils.EnvOrDefaultInt("P2P_MAX_RETRIES", 3),
		P2PBaseDelay:          envMillis("P2P_BASE_DELAY_MS", 200*time.Millisecond),
		P2PMaxDelay:           envMillis("P2P_MAX_DELAY_MS", 2*time.Second),
		P2PTimeout:            envMillis("P2P_TIMEOUT_MS", 5*time.Second),

		SettlementMaxRetries:         utils.EnvOrDefaultInt("SETTLEMENT_MAX_RETRIES", 5),
		SettlementP2PTimeout:         envMillis("SETTLEMENT_P2P_TIMEOUT_MS", 5*time.Second),
		SettlementArbitrationTimeout: envMillis("SETTLEMENT_ARBITRATION_TIMEOUT_MS", 10*time.Second),
		SettlementProposalExpiry:     envSeconds("SETTLEMENT_PROPOSAL_EXPIRY_SECONDS", 2*time.Minute),

		BackendURL: utils.EnvOrDefault("BACKEND_URL", "http://localhost:8090"),
	}
}

func envBool(key string, fallback bool) bool {
	v := utils.EnvOrDefault(key, "")
	switch v {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return fallback
	}
}

func envMillis(key string, fallback time.Duration) time.Duration {
	ms := utils.EnvOrDefaultInt(key, int(fallback/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	s := utils.EnvOrDefaultInt(key, int(fallback/time.Second))
	return time.Duration(s) * time.Second
}
