// Package config loads hookflow configuration.
// Priority: flags > HOOKFLOW_* env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/internal/validation"
)

// EnvPrefix prefixes every environment override, e.g. HOOKFLOW_SERVER_ADDR.
const EnvPrefix = "HOOKFLOW"

// Config holds all hookflow configuration.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Log        LogConfig         `mapstructure:"log"`
	Store      StoreConfig       `mapstructure:"store"`
	Engine     engine.Config     `mapstructure:"engine"`
	Validation validation.Limits `mapstructure:"validation"`
	RateLimit  ratelimit.Config  `mapstructure:"ratelimit"`
	Workflows  WorkflowsConfig   `mapstructure:"workflows"`
	Scheduler  SchedulerConfig   `mapstructure:"scheduler"`
	Retention  RetentionConfig   `mapstructure:"retention"`
	MCP        MCPConfig         `mapstructure:"mcp"`
	Actions    ActionsConfig     `mapstructure:"actions"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustTierHeader honors X-Hookflow-Tier from callers. Enable only behind
	// a gateway that sets it.
	TrustTierHeader bool `mapstructure:"trust_tier_header"`
	// APIKeys grants a rate-limit tier to callers presenting X-Api-Key.
	APIKeys []APIKey `mapstructure:"api_keys"`
}

// APIKey is a list entry rather than a map key because viper folds map keys
// to lower case.
type APIKey struct {
	Key  string `mapstructure:"key"`
	Tier string `mapstructure:"tier"`
}

// KeyTiers indexes the configured API keys.
func (s ServerConfig) KeyTiers() map[string]string {
	out := make(map[string]string, len(s.APIKeys))
	for _, k := range s.APIKeys {
		out[k.Key] = k.Tier
	}
	return out
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// StoreConfig configures persistence. An empty Path keeps all state in memory.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// WorkflowsConfig points at the definitions registered on startup.
type WorkflowsConfig struct {
	Dir string `mapstructure:"dir"`
}

type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// RetentionConfig bounds how long execution logs are kept.
type RetentionConfig struct {
	Logs  time.Duration `mapstructure:"logs"`  // zero keeps logs forever
	Sweep string        `mapstructure:"sweep"` // cron spec of the pruning job
}

// MCPConfig configures the Model Context Protocol surface.
type MCPConfig struct {
	// SSE mounts the SSE transport on the HTTP ingress under Path.
	SSE  bool   `mapstructure:"sse"`
	Path string `mapstructure:"path"`
	// Tier is the rate-limit tier of events submitted through MCP tools.
	Tier string `mapstructure:"tier"`
}

type ActionsConfig struct {
	HTTP actions.HTTPConfig `mapstructure:"http"`
}

// SchedulerSettings combines the scheduler and retention sections.
func (c *Config) SchedulerSettings() scheduler.Config {
	return scheduler.Config{
		Enabled:        c.Scheduler.Enabled,
		ResyncInterval: c.Scheduler.ResyncInterval,
		LogRetention:   c.Retention.Logs,
		RetentionSweep: c.Retention.Sweep,
	}
}

// Loader reads configuration through viper from an afero filesystem.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader over fs. A nil fs reads the OS filesystem.
func NewLoader(fs afero.Fs) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Viper exposes the underlying instance so callers can bind CLI flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads path, or hookflow.{yaml,json} from the working directory or
// /etc/hookflow when path is empty, and returns the validated configuration.
// A missing default file is not an error; a missing explicit path is.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("hookflow")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/hookflow")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is a convenience for NewLoader(fs).Load(path).
func Load(fs afero.Fs, path string) (*Config, error) {
	return NewLoader(fs).Load(path)
}

// ConfigFileUsed reports the file the last Load read, if any.
func (l *Loader) ConfigFileUsed() string { return l.v.ConfigFileUsed() }

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := NewLoader(afero.NewMemMapFs()).Load("")
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.trust_tier_header", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.path", "hookflow.db")

	ec := engine.DefaultConfig()
	v.SetDefault("engine.max_concurrent", ec.MaxConcurrent)
	v.SetDefault("engine.default_timeout", ec.DefaultTimeout)
	v.SetDefault("engine.history_size", ec.HistorySize)
	v.SetDefault("engine.retry_base_delay", ec.RetryBaseDelay)
	v.SetDefault("engine.retry_max_delay", ec.RetryMaxDelay)
	v.SetDefault("engine.persist_attempts", ec.PersistAttempts)
	v.SetDefault("engine.persist_backoff", ec.PersistBackoff)
	v.SetDefault("engine.circuit_breaker.enabled", ec.CircuitBreaker.Enabled)
	v.SetDefault("engine.circuit_breaker.failure_threshold", ec.CircuitBreaker.FailureThreshold)
	v.SetDefault("engine.circuit_breaker.cooldown", ec.CircuitBreaker.Cooldown)
	v.SetDefault("engine.circuit_breaker.half_open_max", ec.CircuitBreaker.HalfOpenMax)

	lim := validation.DefaultLimits()
	v.SetDefault("validation.max_string_length", lim.MaxStringLength)
	v.SetDefault("validation.max_depth", lim.MaxDepth)
	v.SetDefault("validation.max_name_length", lim.MaxNameLength)
	v.SetDefault("validation.max_execution_id_length", lim.MaxExecutionIDLength)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", ratelimit.BackendMemory)
	v.SetDefault("ratelimit.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("ratelimit.redis.prefix", "hookflow:rl")

	v.SetDefault("workflows.dir", "workflows")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.resync_interval", scheduler.DefaultResyncInterval)

	v.SetDefault("retention.logs", 30*24*time.Hour)
	v.SetDefault("retention.sweep", scheduler.DefaultRetentionSweep)

	v.SetDefault("mcp.sse", false)
	v.SetDefault("mcp.path", "/mcp")
	v.SetDefault("mcp.tier", string(ratelimit.TierAuthenticated))

	v.SetDefault("actions.http.max_response_body", 10<<20)
	v.SetDefault("actions.http.default_timeout", 30*time.Second)
	v.SetDefault("actions.http.user_agent", "hookflow")
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects inconsistent values, reporting every problem found.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.ShutdownTimeout >= 0, "server.shutdown_timeout must not be negative")
	for i, k := range c.Server.APIKeys {
		check(k.Key != "", "server.api_keys[%d]: key is required", i)
		check(ratelimit.ParseTier(k.Tier) == ratelimit.Tier(strings.ToLower(strings.TrimSpace(k.Tier))),
			"server.api_keys[%d]: unknown tier %q", i, k.Tier)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	check(c.Engine.MaxConcurrent > 0, "engine.max_concurrent must be positive")
	check(c.Engine.DefaultTimeout > 0, "engine.default_timeout must be positive")
	check(c.Engine.HistorySize > 0, "engine.history_size must be positive")
	check(c.Engine.RetryBaseDelay >= 0, "engine.retry_base_delay must not be negative")
	check(c.Engine.RetryMaxDelay >= c.Engine.RetryBaseDelay, "engine.retry_max_delay must be at least retry_base_delay")
	if cb := c.Engine.CircuitBreaker; cb.Enabled {
		check(cb.FailureThreshold > 0, "engine.circuit_breaker.failure_threshold must be positive")
		check(cb.Cooldown > 0, "engine.circuit_breaker.cooldown must be positive")
	}

	check(c.Validation.MaxStringLength > 0, "validation.max_string_length must be positive")
	check(c.Validation.MaxDepth > 0, "validation.max_depth must be positive")
	check(c.Validation.MaxNameLength > 0, "validation.max_name_length must be positive")
	check(c.Validation.MaxExecutionIDLength > 0, "validation.max_execution_id_length must be positive")

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case ratelimit.BackendMemory, "":
		case ratelimit.BackendRedis:
			check(len(c.RateLimit.Redis.Addrs) > 0, "ratelimit.redis.addrs is required for the redis backend")
		default:
			errs = append(errs, fmt.Errorf("ratelimit.backend %q must be memory or redis", c.RateLimit.Backend))
		}
		if _, err := c.RateLimit.Quotas(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Scheduler.Enabled {
		check(c.Scheduler.ResyncInterval > 0, "scheduler.resync_interval must be positive")
	}
	check(c.Retention.Logs >= 0, "retention.logs must not be negative")
	if c.Retention.Logs > 0 {
		if _, err := cronParser.Parse(c.Retention.Sweep); err != nil {
			errs = append(errs, fmt.Errorf("retention.sweep %q: %w", c.Retention.Sweep, err))
		}
	}

	if c.MCP.SSE {
		check(strings.HasPrefix(c.MCP.Path, "/") && c.MCP.Path != "/", "mcp.path %q must be an absolute path below /", c.MCP.Path)
	}
	check(ratelimit.ParseTier(c.MCP.Tier) == ratelimit.Tier(strings.ToLower(strings.TrimSpace(c.MCP.Tier))),
		"mcp.tier: unknown tier %q", c.MCP.Tier)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
