// Package config loads node settings from an optional YAML file, a .env file
// and PREDATOR_* environment variables. Every setting has a default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/anshveerturna/PredatorBrowser/pkg/breaker"
	"github.com/anshveerturna/PredatorBrowser/pkg/cluster"
	"github.com/anshveerturna/PredatorBrowser/pkg/engine"
	"github.com/anshveerturna/PredatorBrowser/pkg/idempotency"
	"github.com/anshveerturna/PredatorBrowser/pkg/quota"
	"github.com/anshveerturna/PredatorBrowser/pkg/tokenbudget"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PREDATOR"

// Store and audit backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	SLO         SLOConfig         `mapstructure:"slo"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Action      ActionConfig      `mapstructure:"action"`
	Token       TokenConfig       `mapstructure:"token"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Store       StoreConfig       `mapstructure:"store"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Driver      DriverConfig      `mapstructure:"driver"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	ReadTimeoutMS  int    `mapstructure:"read_timeout_ms"`
	WriteTimeoutMS int    `mapstructure:"write_timeout_ms"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

type ClusterConfig struct {
	ShardCount         int `mapstructure:"shard_count"`
	DispatchIntervalMS int `mapstructure:"dispatch_interval_ms"`
	MonitorIntervalMS  int `mapstructure:"monitor_interval_ms"`
	LightWeight        int `mapstructure:"light_weight"`
	HeavyWeight        int `mapstructure:"heavy_weight"`
	NodeCount          int `mapstructure:"node_count"`
}

type SLOConfig struct {
	MaxActiveSessions   int     `mapstructure:"max_active_sessions"`
	MaxInflightActions  int     `mapstructure:"max_inflight_actions"`
	MaxLoopLagP95MS     int     `mapstructure:"max_loop_lag_p95_ms"`
	MaxOpenFDs          int     `mapstructure:"max_open_fds"`
	MaxRSSMB            int64   `mapstructure:"max_rss_mb"`
	MaxBreakerOpenRatio float64 `mapstructure:"max_breaker_open_ratio"`
	RecoveryFactor      float64 `mapstructure:"recovery_factor"`
	StaleAfterIntervals int     `mapstructure:"stale_after_intervals"`
}

type QuotaConfig struct {
	MaxConcurrentSessions int64  `mapstructure:"max_concurrent_sessions"`
	MaxActionsPerMinute   int64  `mapstructure:"max_actions_per_minute"`
	MaxArtifactBytes      int64  `mapstructure:"max_artifact_bytes"`
	MaxStepTokens         int64  `mapstructure:"max_step_tokens"`
	SessionLeaseTTLS      int    `mapstructure:"session_lease_ttl_s"`
	ProfilesPath          string `mapstructure:"profiles_path"`
}

type BreakerConfig struct {
	FailureThreshold int     `mapstructure:"failure_threshold"`
	FailureRatio     float64 `mapstructure:"failure_ratio"`
	WindowS          int     `mapstructure:"window_s"`
	CooldownS        int     `mapstructure:"cooldown_s"`
	MaxCooldownS     int     `mapstructure:"max_cooldown_s"`
	HalfOpenTrials   int     `mapstructure:"half_open_trials"`
}

type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	InitialBackoffMS int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `mapstructure:"max_backoff_ms"`
}

type ActionConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
}

type TokenConfig struct {
	Budget           int `mapstructure:"budget"`
	StateDeltaTokens int `mapstructure:"state_delta_tokens"`
	NetworkTokens    int `mapstructure:"network_tokens"`
	MetadataTokens   int `mapstructure:"metadata_tokens"`
}

type IdempotencyConfig struct {
	ReservationTTLS int    `mapstructure:"reservation_ttl_s"`
	Policy          string `mapstructure:"policy"` // wait, conflict
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	DSN           string `mapstructure:"dsn"`
}

type AuditConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	HMACKey string `mapstructure:"hmac_key"`
	Actor   string `mapstructure:"actor"`
}

type DriverConfig struct {
	Mode          string  `mapstructure:"mode"` // dryrun, rod
	Headless      bool    `mapstructure:"headless"`
	ControlURL    string  `mapstructure:"control_url"`
	ArtifactDir   string  `mapstructure:"artifact_dir"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	ApprovalKey   string  `mapstructure:"approval_key"`
}

type TelemetryConfig struct {
	EventsPath   string `mapstructure:"events_path"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Environment  string `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout_ms", 5000)
	v.SetDefault("server.write_timeout_ms", 60000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("cluster.shard_count", 3)
	v.SetDefault("cluster.dispatch_interval_ms", 20)
	v.SetDefault("cluster.monitor_interval_ms", 250)
	v.SetDefault("cluster.light_weight", 3)
	v.SetDefault("cluster.heavy_weight", 1)
	v.SetDefault("cluster.node_count", 2)

	v.SetDefault("slo.max_active_sessions", 120)
	v.SetDefault("slo.max_inflight_actions", 120)
	v.SetDefault("slo.max_loop_lag_p95_ms", 1200)
	v.SetDefault("slo.max_open_fds", 1024)
	v.SetDefault("slo.max_rss_mb", 1024)
	v.SetDefault("slo.max_breaker_open_ratio", 0.5)
	v.SetDefault("slo.recovery_factor", 0.85)
	v.SetDefault("slo.stale_after_intervals", 3)

	v.SetDefault("quota.max_concurrent_sessions", 10)
	v.SetDefault("quota.max_actions_per_minute", 120)
	v.SetDefault("quota.max_artifact_bytes", 512<<20)
	v.SetDefault("quota.max_step_tokens", 1200)
	v.SetDefault("quota.session_lease_ttl_s", 300)
	v.SetDefault("quota.profiles_path", "")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_ratio", 0.5)
	v.SetDefault("breaker.window_s", 120)
	v.SetDefault("breaker.cooldown_s", 60)
	v.SetDefault("breaker.max_cooldown_s", 900)
	v.SetDefault("breaker.half_open_trials", 1)

	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_backoff_ms", 250)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("action.timeout_ms", 30000)
	v.SetDefault("token.budget", 1200)
	v.SetDefault("token.state_delta_tokens", 500)
	v.SetDefault("token.network_tokens", 250)
	v.SetDefault("token.metadata_tokens", 250)
	v.SetDefault("idempotency.reservation_ttl_s", 120)
	v.SetDefault("idempotency.policy", "wait")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.dsn", "")

	v.SetDefault("audit.backend", BackendMemory)
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.hmac_key", "")
	v.SetDefault("audit.actor", "predator")

	v.SetDefault("driver.mode", "dryrun")
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.control_url", "")
	v.SetDefault("driver.artifact_dir", "")
	v.SetDefault("driver.rate_per_second", 100)
	v.SetDefault("driver.approval_key", "")

	v.SetDefault("telemetry.events_path", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.environment", "development")
}

// Load reads path (when non-empty), then .env in the working directory, then
// the environment. Environment values win over the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"cluster.shard_count":          c.Cluster.ShardCount,
		"cluster.dispatch_interval_ms": c.Cluster.DispatchIntervalMS,
		"cluster.monitor_interval_ms":  c.Cluster.MonitorIntervalMS,
		"cluster.light_weight":         c.Cluster.LightWeight,
		"cluster.heavy_weight":         c.Cluster.HeavyWeight,
		"cluster.node_count":           c.Cluster.NodeCount,
		"retry.max_attempts":           c.Retry.MaxAttempts,
		"action.timeout_ms":            c.Action.TimeoutMS,
		"token.budget":                 c.Token.Budget,
	}
	for key, n := range positive {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, n))
		}
	}
	worst := time.Duration(c.Retry.MaxAttempts) * (ms(c.Action.TimeoutMS) + ms(c.Retry.MaxBackoffMS))
	if worst > c.ReservationTTL() {
		errs = append(errs, fmt.Errorf("idempotency.reservation_ttl_s: %s is shorter than a full retry cycle of %s", c.ReservationTTL(), worst))
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	switch c.Audit.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("audit.backend: unknown backend %q", c.Audit.Backend))
	}
	if (c.Store.Backend == BackendSQLite || c.Store.Backend == BackendPostgres) && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Backend))
	}
	if c.Audit.Backend != BackendMemory && c.Audit.DSN == "" {
		errs = append(errs, fmt.Errorf("audit.dsn is required for %s", c.Audit.Backend))
	}
	switch c.Idempotency.Policy {
	case "wait", "conflict":
	default:
		errs = append(errs, fmt.Errorf("idempotency.policy: unknown policy %q", c.Idempotency.Policy))
	}
	switch c.Driver.Mode {
	case "dryrun", "rod":
	default:
		errs = append(errs, fmt.Errorf("driver.mode: unknown mode %q", c.Driver.Mode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// ClusterSettings returns the scheduler settings.
func (c *Config) ClusterSettings() cluster.Config {
	return cluster.Config{
		Shards:           c.Cluster.ShardCount,
		DispatchInterval: ms(c.Cluster.DispatchIntervalMS),
		LightWeight:      c.Cluster.LightWeight,
		HeavyWeight:      c.Cluster.HeavyWeight,
	}
}

// MonitorInterval returns the admission refresh interval.
func (c *Config) MonitorInterval() time.Duration { return ms(c.Cluster.MonitorIntervalMS) }

// NodeSLO returns the admission ceilings.
func (c *Config) NodeSLO() cluster.SLO {
	return cluster.SLO{
		MaxActiveSessions:   c.SLO.MaxActiveSessions,
		MaxInflightActions:  c.SLO.MaxInflightActions,
		MaxLoopLagP95:       ms(c.SLO.MaxLoopLagP95MS),
		MaxOpenFDs:          c.SLO.MaxOpenFDs,
		MaxRSSBytes:         c.SLO.MaxRSSMB << 20,
		MaxBreakerOpenRatio: c.SLO.MaxBreakerOpenRatio,
		RecoveryFactor:      c.SLO.RecoveryFactor,
		StaleAfter:          c.SLO.StaleAfterIntervals,
	}
}

// QuotaLimits returns the default tenant limits.
func (c *Config) QuotaLimits() quota.Limits {
	return quota.Limits{
		MaxConcurrentSessions: c.Quota.MaxConcurrentSessions,
		MaxActionsPerMinute:   c.Quota.MaxActionsPerMinute,
		MaxArtifactBytes:      c.Quota.MaxArtifactBytes,
		MaxStepTokens:         c.Quota.MaxStepTokens,
	}
}

// QuotaProfiles returns the tenant limits, overlaid with the profiles file
// when one is configured.
func (c *Config) QuotaProfiles() (*quota.Profiles, error) {
	if c.Quota.ProfilesPath == "" {
		return quota.NewProfiles(c.QuotaLimits()), nil
	}
	return quota.LoadProfiles(c.Quota.ProfilesPath, c.QuotaLimits())
}

// SessionLeaseTTL returns the workflow session lease lifetime.
func (c *Config) SessionLeaseTTL() time.Duration { return secs(c.Quota.SessionLeaseTTLS) }

// BreakerSettings returns the domain breaker thresholds.
func (c *Config) BreakerSettings() breaker.Config {
	b := breaker.DefaultConfig()
	b.FailureThreshold = c.Breaker.FailureThreshold
	b.FailureRatio = c.Breaker.FailureRatio
	b.Window = secs(c.Breaker.WindowS)
	b.Cooldown = secs(c.Breaker.CooldownS)
	b.MaxCooldown = secs(c.Breaker.MaxCooldownS)
	b.HalfOpenTrials = c.Breaker.HalfOpenTrials
	return b
}

// ReservationTTL returns how long an idempotency reservation outlives a
// crashed holder.
func (c *Config) ReservationTTL() time.Duration { return secs(c.Idempotency.ReservationTTLS) }

// EngineSettings returns the engine settings for node.
func (c *Config) EngineSettings(node string) engine.Config {
	policy := idempotency.PolicyWait
	if c.Idempotency.Policy == "conflict" {
		policy = idempotency.PolicyConflict
	}
	return engine.Config{
		NodeID:         node,
		Actor:          c.Audit.Actor,
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: ms(c.Retry.InitialBackoffMS),
		MaxBackoff:     ms(c.Retry.MaxBackoffMS),
		ActionTimeout:  ms(c.Action.TimeoutMS),
		TokenBudget:    c.Token.Budget,
		GroupBudgets: tokenbudget.GroupBudgets{
			tokenbudget.GroupStateDelta: c.Token.StateDeltaTokens,
			tokenbudget.GroupNetwork:    c.Token.NetworkTokens,
			tokenbudget.GroupMetadata:   c.Token.MetadataTokens,
		},
		Policy: policy,
	}
}
