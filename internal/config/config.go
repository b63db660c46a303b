// Package config loads the layered lattice configuration. Override order:
// built-in defaults < system config file < environment < workspace config
// file < runtime overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/latticehq/lattice/pkg/models"
)

// Config is the main configuration structure for lattice.
type Config struct {
	DataRoot  string          `yaml:"data_root"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Session   SessionConfig   `yaml:"session"`
	Policy    PolicyConfig    `yaml:"policy"`
	Quota     QuotaConfig     `yaml:"quota"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type GatewayConfig struct {
	Bind        string `yaml:"bind"`
	ProtocolMin int    `yaml:"protocol_min"`
	ProtocolMax int    `yaml:"protocol_max"`
	// AuthRequired rejects hellos without a valid token (NOT_LINKED).
	AuthRequired bool   `yaml:"auth_required"`
	JWTSecret    string `yaml:"jwt_secret"`
	StaticToken  string `yaml:"static_token"`
	MetricsBind  string `yaml:"metrics_bind"`
	// OutboundQueueMax bounds buffered frames per connection before the
	// server closes it instead of allocating unboundedly.
	OutboundQueueMax int `yaml:"outbound_queue_max"`
}

type LLMConfig struct {
	DefaultProvider string        `yaml:"default_provider"`
	DefaultModel    string        `yaml:"default_model"`
	MaxIterations   int           `yaml:"max_iterations"`
	MaxTokens       int           `yaml:"max_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	// CredentialCooldowns is the consecutive-failure cooldown ladder in
	// seconds. Default: 60, 300, 1500, 3600.
	CredentialCooldowns []int `yaml:"credential_cooldowns"`
}

type ToolsConfig struct {
	// Profile is the base tool policy profile (minimal|coding|messaging|full).
	Profile     string        `yaml:"profile"`
	GlobalAllow []string      `yaml:"global_allow"`
	GlobalDeny  []string      `yaml:"global_deny"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

type SandboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Image    string        `yaml:"image"`
	MemoryMB int           `yaml:"memory_mb"`
	CPUPct   int           `yaml:"cpu_pct"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	DefaultAgentID string `yaml:"default_agent_id"`
	// CompactionSoftTokenLimit triggers compaction when a session's running
	// token estimate exceeds it.
	CompactionSoftTokenLimit int `yaml:"compaction_soft_token_limit"`
	// CompactionTailKeep is the number of trailing messages preserved
	// verbatim by compaction.
	CompactionTailKeep int           `yaml:"compaction_tail_keep"`
	IdleArchiveAfter   time.Duration `yaml:"idle_archive_after"`
	HistoryWindow      int           `yaml:"history_window"`
}

type PolicyConfig struct {
	CacheMax int           `yaml:"cache_max"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type QuotaConfig struct {
	// DefaultsPerTier maps tier name -> quota kind -> limit.
	DefaultsPerTier map[string]map[string]int64 `yaml:"defaults_per_tier"`
	// ConcurrencyTimeout bounds waits for a concurrent-request slot.
	ConcurrencyTimeout time.Duration `yaml:"concurrency_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type EventsConfig struct {
	SubscriberQueueMax int `yaml:"subscriber_queue_max"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads system and workspace config files, applying the layered
// override order. Missing files are not errors.
func Load(systemPath, workspacePath string) (*Config, error) {
	cfg := Default()
	if err := mergeFile(cfg, systemPath); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := mergeFile(cfg, workspacePath); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays LATTICE_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LATTICE_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("LATTICE_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("LATTICE_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.StaticToken = v
		cfg.Gateway.AuthRequired = true
	}
	if v := os.Getenv("LATTICE_JWT_SECRET"); v != "" {
		cfg.Gateway.JWTSecret = v
	}
	if v := os.Getenv("LATTICE_LLM_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("LATTICE_LLM_MODEL"); v != "" {
		cfg.LLM.DefaultModel = v
	}
	if v := os.Getenv("LATTICE_TOOL_PROFILE"); v != "" {
		cfg.Tools.Profile = v
	}
	if v := os.Getenv("LATTICE_SANDBOX_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sandbox.Enabled = b
		}
	}
	if v := os.Getenv("LATTICE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataRoot == "" {
		cfg.DataRoot = "data"
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "127.0.0.1:18789"
	}
	if cfg.Gateway.ProtocolMin == 0 {
		cfg.Gateway.ProtocolMin = 1
	}
	if cfg.Gateway.ProtocolMax == 0 {
		cfg.Gateway.ProtocolMax = 1
	}
	if cfg.Gateway.OutboundQueueMax == 0 {
		cfg.Gateway.OutboundQueueMax = 256
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.MaxIterations == 0 {
		cfg.LLM.MaxIterations = 25
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = 60 * time.Second
	}
	if len(cfg.LLM.CredentialCooldowns) == 0 {
		cfg.LLM.CredentialCooldowns = []int{60, 300, 1500, 3600}
	}
	if cfg.Tools.Profile == "" {
		cfg.Tools.Profile = "coding"
	}
	if cfg.Tools.ExecTimeout == 0 {
		cfg.Tools.ExecTimeout = 60 * time.Second
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "alpine:3.20"
	}
	if cfg.Sandbox.MemoryMB == 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.CPUPct == 0 {
		cfg.Sandbox.CPUPct = 50
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 30 * time.Second
	}
	if cfg.Session.DefaultAgentID == "" {
		cfg.Session.DefaultAgentID = "main"
	}
	if cfg.Session.CompactionSoftTokenLimit == 0 {
		cfg.Session.CompactionSoftTokenLimit = 24000
	}
	if cfg.Session.CompactionTailKeep == 0 {
		cfg.Session.CompactionTailKeep = 8
	}
	if cfg.Session.IdleArchiveAfter == 0 {
		cfg.Session.IdleArchiveAfter = 30 * 24 * time.Hour
	}
	if cfg.Session.HistoryWindow == 0 {
		cfg.Session.HistoryWindow = 100
	}
	if cfg.Policy.CacheMax == 0 {
		cfg.Policy.CacheMax = 1000
	}
	if cfg.Policy.CacheTTL == 0 {
		cfg.Policy.CacheTTL = 5 * time.Minute
	}
	if cfg.Quota.ConcurrencyTimeout == 0 {
		cfg.Quota.ConcurrencyTimeout = 10 * time.Second
	}
	if cfg.Quota.DefaultsPerTier == nil {
		cfg.Quota.DefaultsPerTier = defaultTierQuotas()
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = time.Second
	}
	if cfg.Events.SubscriberQueueMax == 0 {
		cfg.Events.SubscriberQueueMax = 256
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func defaultTierQuotas() map[string]map[string]int64 {
	return map[string]map[string]int64{
		string(models.TierFree): {
			string(models.QuotaSessions):           20,
			string(models.QuotaAPICallsPerMinute):  100,
			string(models.QuotaTokensPerDay):       200_000,
			string(models.QuotaConcurrentRequests): 2,
			string(models.QuotaMessagesPerSession): 500,
		},
		string(models.TierBasic): {
			string(models.QuotaSessions):           200,
			string(models.QuotaAPICallsPerMinute):  600,
			string(models.QuotaTokensPerDay):       2_000_000,
			string(models.QuotaConcurrentRequests): 8,
			string(models.QuotaMessagesPerSession): 2000,
		},
		string(models.TierProfessional): {
			string(models.QuotaSessions):           2000,
			string(models.QuotaAPICallsPerMinute):  3000,
			string(models.QuotaTokensPerDay):       20_000_000,
			string(models.QuotaConcurrentRequests): 32,
			string(models.QuotaMessagesPerSession): 10000,
		},
		string(models.TierEnterprise): {},
	}
}

// TierQuotas converts the configured tier defaults to typed keys.
func (c *Config) TierQuotas() map[models.Tier]map[models.QuotaKind]int64 {
	out := make(map[models.Tier]map[models.QuotaKind]int64, len(c.Quota.DefaultsPerTier))
	for tier, byKind := range c.Quota.DefaultsPerTier {
		m := make(map[models.QuotaKind]int64, len(byKind))
		for kind, limit := range byKind {
			m[models.QuotaKind(kind)] = limit
		}
		out[models.Tier(tier)] = m
	}
	return out
}
