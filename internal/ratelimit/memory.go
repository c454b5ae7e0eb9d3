package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	c "github.com/patrickmn/go-cache"
)

// window is the sliding log of admission timestamps for one (key, tier).
// A dead window was removed by Reset; holders must fetch a fresh one.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
	dead   bool
}

// sweepInterval spaces the expired-window sweeps run from Allow.
const sweepInterval = 10 * time.Minute

// MemoryLimiter keeps windows in process memory. Idle windows expire after
// twice their tier window and are swept on the request path, so the limiter
// runs no background goroutine.
type MemoryLimiter struct {
	quotas    map[Tier]Quota
	opts      options
	cache     *c.Cache
	create    sync.Mutex
	lastSweep atomic.Int64
}

// NewMemoryLimiter creates an in-memory limiter. A nil quotas map uses
// DefaultQuotas.
func NewMemoryLimiter(quotas map[Tier]Quota, opts ...Option) *MemoryLimiter {
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	m := &MemoryLimiter{
		quotas: quotas,
		opts:   buildOptions(opts),
		// A zero cleanup interval keeps go-cache from starting its janitor.
		cache: c.New(c.NoExpiration, 0),
	}
	m.lastSweep.Store(time.Now().UnixNano())
	return m
}

func (m *MemoryLimiter) cacheKey(tier Tier, key string) string {
	return string(tier) + ":" + key
}

func (m *MemoryLimiter) windowFor(k string, ttl time.Duration) *window {
	if w, ok := m.cache.Get(k); ok {
		return w.(*window)
	}
	m.create.Lock()
	defer m.create.Unlock()
	if w, ok := m.cache.Get(k); ok {
		return w.(*window)
	}
	w := &window{}
	m.cache.Set(k, w, ttl)
	return w
}

// sweep drops expired windows at most once per sweepInterval.
func (m *MemoryLimiter) sweep() {
	last := m.lastSweep.Load()
	now := time.Now().UnixNano()
	if now-last < int64(sweepInterval) || !m.lastSweep.CompareAndSwap(last, now) {
		return
	}
	m.cache.DeleteExpired()
}

// lockWindow returns the live window for k with its mutex held.
func (m *MemoryLimiter) lockWindow(k string, ttl time.Duration) *window {
	for {
		w := m.windowFor(k, ttl)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// touch extends the expiry of w unless Reset retired it or another window
// replaced it. The caller holds w.mu.
func (m *MemoryLimiter) touch(k string, w *window, ttl time.Duration) {
	if w.dead {
		return
	}
	m.create.Lock()
	defer m.create.Unlock()
	if cur, ok := m.cache.Get(k); ok && cur.(*window) != w {
		return
	}
	m.cache.Set(k, w, ttl)
}

// Allow records a request for key when the tier budget permits it.
func (m *MemoryLimiter) Allow(key string, tier Tier) (bool, Info) {
	m.sweep()
	tier, q := quotaFor(m.quotas, tier)
	k := m.cacheKey(tier, key)
	ttl := 2 * q.Window

	w := m.lockWindow(k, ttl)
	defer w.mu.Unlock()

	now := m.opts.now()
	cutoff := now.Add(-q.Window)
	drop := 0
	for drop < len(w.stamps) && !w.stamps[drop].After(cutoff) {
		drop++
	}
	w.stamps = w.stamps[drop:]

	info := Info{Limit: q.Limit}
	if len(w.stamps) < q.Limit {
		w.stamps = append(w.stamps, now)
		info.Remaining = q.Limit - len(w.stamps)
		info.ResetAt = w.stamps[0].Add(q.Window)
		m.touch(k, w, ttl)
		return true, info
	}

	info.ResetAt = w.stamps[0].Add(q.Window)
	info.RetryAfter = info.ResetAt.Sub(now)
	return false, info
}

// Reset clears the windows of key in every tier. A request already holding
// one of those windows starts over on a fresh one.
func (m *MemoryLimiter) Reset(key string) {
	for _, tier := range tiersOf(m.quotas) {
		k := m.cacheKey(tier, key)
		v, ok := m.cache.Get(k)
		if !ok {
			continue
		}
		w := v.(*window)
		w.mu.Lock()
		w.dead = true
		m.create.Lock()
		if cur, ok := m.cache.Get(k); ok && cur.(*window) == w {
			m.cache.Delete(k)
		}
		m.create.Unlock()
		w.mu.Unlock()
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
