package ratelimit

import "fmt"

// New builds the limiter selected by cfg. Disabled limiting returns Unlimited.
func New(cfg Config, opts ...Option) (Limiter, error) {
	if !cfg.Enabled {
		return Unlimited{}, nil
	}
	quotas, err := cfg.Quotas()
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryLimiter(quotas, opts...), nil
	case BackendRedis:
		if len(cfg.Redis.Addrs) == 0 {
			return nil, fmt.Errorf("ratelimit: redis backend requires at least one address")
		}
		if cfg.Redis.Prefix != "" {
			opts = append(opts, WithPrefix(cfg.Redis.Prefix))
		}
		return NewRedisLimiter(NewRedisClient(cfg.Redis), quotas, opts...), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", cfg.Backend)
	}
}
