// Package config provides configuration management functionality.
//
// This package loads configuration from environment variables (.env file
// honored via godotenv) with defaults for every recognized option.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/gateway"
	"github.com/amitsajwan/trading-ai-sub002/internal/orchestrator"
)

// Config holds application configuration.
type Config struct {
	DataDir  string // base directory for the engine database
	Port     int    // gateway HTTP/WebSocket port
	LogLevel string // debug, info, warn, error
	DevMode  bool

	Instruments []string
	Timeframes  []domain.Timeframe

	Orchestrator orchestrator.Config
	Gateway      gateway.Limits
}

// DBPath returns the path to the engine's SQLite database file under
// DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "engine.db")
}

// Load reads configuration from environment variables, falling back to
// documented defaults for anything unset.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("ENGINE_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	oc := orchestrator.DefaultConfig()
	oc.CycleInterval = time.Duration(getEnvAsInt("CYCLE_INTERVAL_SECONDS", int(oc.CycleInterval.Seconds()))) * time.Second
	oc.AgentTimeout = time.Duration(getEnvAsInt("AGENT_TIMEOUT_SECONDS", int(oc.AgentTimeout.Seconds()))) * time.Second
	oc.MinConfidence = getEnvAsFloat("MIN_CONFIDENCE", oc.MinConfidence)
	oc.MaxPositions = getEnvAsInt("MAX_POSITIONS", oc.MaxPositions)
	oc.AddToPositionPct = getEnvAsFloat("ADD_TO_POSITION_PCT", oc.AddToPositionPct)
	oc.SignalTTL = time.Duration(getEnvAsInt("SIGNAL_TTL_SECONDS", int(oc.SignalTTL.Seconds()))) * time.Second

	instruments := getEnvAsList("INSTRUMENTS", []string{"NIFTY", "BANKNIFTY"})
	oc.Instruments = instruments

	timeframes := parseTimeframes(getEnvAsList("TIMEFRAMES", []string{"1m", "5m", "15m"}))

	gw := gateway.DefaultLimits()
	gw.MaxChannels = getEnvAsInt("GATEWAY_MAX_CHANNELS_PER_CONN", gw.MaxChannels)
	gw.MaxWildcards = getEnvAsInt("GATEWAY_MAX_WILDCARDS_PER_CONN", gw.MaxWildcards)
	gw.RateMsgsPerSec = getEnvAsInt("GATEWAY_CLIENT_RATE_MSG_PER_S", gw.RateMsgsPerSec)
	gw.OutboundBuffer = getEnvAsInt("GATEWAY_OUTBOUND_BUFFER", gw.OutboundBuffer)
	gw.IdleTimeout = time.Duration(getEnvAsInt("GATEWAY_IDLE_TIMEOUT_S", int(gw.IdleTimeout.Seconds()))) * time.Second

	cfg := &Config{
		DataDir:      absDataDir,
		Port:         getEnvAsInt("GATEWAY_PORT", 8001),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		Instruments:  instruments,
		Timeframes:   timeframes,
		Orchestrator: oc,
		Gateway:      gw,
	}

	return cfg, nil
}

func parseTimeframes(raw []string) []domain.Timeframe {
	tfs := make([]domain.Timeframe, 0, len(raw))
	for _, r := range raw {
		tf := domain.Timeframe(strings.TrimSpace(r))
		if tf.Valid() {
			tfs = append(tfs, tf)
		}
	}
	if len(tfs) == 0 {
		return []domain.Timeframe{domain.TF1m, domain.TF5m, domain.TF15m}
	}
	return tfs
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
