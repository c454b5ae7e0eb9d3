// Package ratelimit implements tiered sliding-window admission control for
// events entering the engine.
package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// Tier selects the request budget applied to a key.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// ParseTier maps a header or config value to a Tier. Unknown values fall
// back to anonymous.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierAuthenticated:
		return TierAuthenticated
	case TierPremium:
		return TierPremium
	default:
		return TierAnonymous
	}
}

// Quota is the budget of one tier: Limit requests per trailing Window.
type Quota struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// DefaultQuotas returns the built-in per-minute budgets.
func DefaultQuotas() map[Tier]Quota {
	return map[Tier]Quota{
		TierAnonymous:     {Limit: 10, Window: time.Minute},
		TierAuthenticated: {Limit: 100, Window: time.Minute},
		TierPremium:       {Limit: 1000, Window: time.Minute},
	}
}

// Info describes the state of a key's window after an Allow call.
type Info struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // zero when admitted
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (i Info) RetryAfterSeconds() int {
	if i.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(i.RetryAfter.Seconds()))
}

// Headers renders the standard rate-limit response headers.
func (i Info) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(i.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(i.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(i.ResetAt.Unix(), 10),
	}
	if s := i.RetryAfterSeconds(); s > 0 {
		h["Retry-After"] = strconv.Itoa(s)
	}
	return h
}

// Limiter admits or rejects requests per key. Implementations never return
// errors: a rejected request is reported through the boolean and Info.
type Limiter interface {
	Allow(key string, tier Tier) (bool, Info)
	Reset(key string)
}

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and configures a Limiter.
type Config struct {
	Enabled bool             `mapstructure:"enabled"`
	Backend string           `mapstructure:"backend"` // memory | redis
	Tiers   map[string]Quota `mapstructure:"tiers"`
	Redis   RedisConfig      `mapstructure:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Prefix   string   `mapstructure:"prefix"`
}

// Quotas merges configured tiers over the defaults.
func (c Config) Quotas() (map[Tier]Quota, error) {
	quotas := DefaultQuotas()
	for name, q := range c.Tiers {
		tier := Tier(strings.ToLower(name))
		switch tier {
		case TierAnonymous, TierAuthenticated, TierPremium:
		default:
			return nil, fmt.Errorf("ratelimit: unknown tier %q", name)
		}
		if q.Limit <= 0 {
			return nil, fmt.Errorf("ratelimit: tier %q limit must be positive", name)
		}
		if q.Window <= 0 {
			q.Window = time.Minute
		}
		quotas[tier] = q
	}
	return quotas, nil
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
	prefix string
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrefix namespaces storage keys.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default(), prefix: "hookflow:ratelimit"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func quotaFor(quotas map[Tier]Quota, tier Tier) (Tier, Quota) {
	if q, ok := quotas[tier]; ok {
		return tier, q
	}
	return TierAnonymous, quotas[TierAnonymous]
}

func tiersOf(quotas map[Tier]Quota) []Tier {
	out := make([]Tier, 0, len(quotas))
	for t := range quotas {
		out = append(out, t)
	}
	return out
}

// Unlimited admits everything. It backs disabled rate limiting.
type Unlimited struct{}

func (Unlimited) Allow(string, Tier) (bool, Info) { return true, Info{Limit: -1, Remaining: -1} }
func (Unlimited) Reset(string)                    {}

var _ Limiter = Unlimited{}
