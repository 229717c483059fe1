package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the gateway, loaded once at startup.
type Config struct {
	Addr string

	// Worker commands, split on whitespace: argv[0] plus arguments.
	ExtractionWorker []string
	BuildWorker      []string

	// Credential handed to worker children via their environment. Never
	// placed on a command line.
	GeminiAPIKey string

	// Extraction rounds are bounded; the build worker streams until exit.
	ExtractionTimeout time.Duration

	// Session lifecycle. A zero TTL disables eviction.
	SessionIdleTTL         time.Duration
	SessionJanitorInterval time.Duration

	// Build supervision toggles.
	FailBuildOnWorkerError bool
	KillWorkerOnDisconnect bool

	// Relay websocket keepalive.
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration

	// Optional Postgres agent registry. Empty means in-memory.
	DatabaseURL string

	// Model used by the deployed-agent test harness.
	TestModel string

	// Per-tenant chat limits. Each chat round spawns a worker process, so
	// the extraction path is the one worth limiting.
	LimitRPS                      float64
	LimitBurst                    int
	LimitMaxConcurrentExtractions int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MaxBodyBytes int64

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                          envOr("FORGE_ADDR", ":8080"),
		ExtractionWorker:              strings.Fields(envOr("FORGE_EXTRACTION_WORKER", "python3 scripts/builder.py")),
		BuildWorker:                   strings.Fields(envOr("FORGE_BUILD_WORKER", "python3 scripts/executioner.py")),
		GeminiAPIKey:                  strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		ExtractionTimeout:             envDurationOr("FORGE_EXTRACTION_TIMEOUT", 2*time.Minute),
		SessionIdleTTL:                envDurationOr("FORGE_SESSION_IDLE_TTL", 2*time.Hour),
		SessionJanitorInterval:        envDurationOr("FORGE_SESSION_JANITOR_INTERVAL", 5*time.Minute),
		FailBuildOnWorkerError:        envBoolOr("FORGE_FAIL_BUILD_ON_WORKER_ERROR", false),
		KillWorkerOnDisconnect:        envBoolOr("FORGE_KILL_WORKER_ON_DISCONNECT", false),
		WSPingInterval:                envDurationOr("FORGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:                envDurationOr("FORGE_WS_WRITE_TIMEOUT", 5*time.Second),
		DatabaseURL:                   strings.TrimSpace(os.Getenv("FORGE_DATABASE_URL")),
		TestModel:                     envOr("FORGE_TEST_MODEL", "gemini-2.0-flash"),
		LimitRPS:                      envFloat64Or("FORGE_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                    envIntOr("FORGE_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentExtractions: envIntOr("FORGE_MAX_CONCURRENT_EXTRACTIONS", 8),
		CORSAllowedOrigins:            make(map[string]struct{}),
		MaxBodyBytes:                  envInt64Or("FORGE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		ReadHeaderTimeout:             envDurationOr("FORGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                   envDurationOr("FORGE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:           envDurationOr("FORGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("FORGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if len(cfg.ExtractionWorker) == 0 {
		return Config{}, fmt.Errorf("FORGE_EXTRACTION_WORKER must not be empty")
	}
	if len(cfg.BuildWorker) == 0 {
		return Config{}, fmt.Errorf("FORGE_BUILD_WORKER must not be empty")
	}
	if cfg.ExtractionTimeout <= 0 {
		return Config{}, fmt.Errorf("FORGE_EXTRACTION_TIMEOUT must be > 0")
	}
	if cfg.SessionIdleTTL < 0 {
		return Config{}, fmt.Errorf("FORGE_SESSION_IDLE_TTL must be >= 0")
	}
	if cfg.SessionJanitorInterval <= 0 {
		return Config{}, fmt.Errorf("FORGE_SESSION_JANITOR_INTERVAL must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("FORGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("FORGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("FORGE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("FORGE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentExtractions < 0 {
		return Config{}, fmt.Errorf("FORGE_MAX_CONCURRENT_EXTRACTIONS must be >= 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("FORGE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("FORGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("FORGE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("FORGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// WorkerEnv returns the extra environment handed to worker children.
func (c Config) WorkerEnv() []string {
	if c.GeminiAPIKey == "" {
		return nil
	}
	return []string{"GEMINI_API_KEY=" + c.GeminiAPIKey}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
