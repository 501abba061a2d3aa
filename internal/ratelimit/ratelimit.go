package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a per-key token bucket held in process memory.
type Memory struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewMemory allows perMinute requests per key per minute, with bursts of the same size.
func NewMemory(perMinute int) *Memory {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &Memory{
		limiters: make(map[string]*entry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		idleTTL:  10 * time.Minute,
		lastGC:   time.Now(),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.limiters[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[key] = e
	}
	e.lastSeen = now

	if now.Sub(m.lastGC) > m.idleTTL {
		for k, v := range m.limiters {
			if now.Sub(v.lastSeen) > m.idleTTL {
				delete(m.limiters, k)
			}
		}
		m.lastGC = now
	}

	return e.lim.AllowN(now, 1), nil
}

// Counter is a shared fixed-window counter, e.g. redisstore.Store.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Window limits each key to limit hits per window using a shared Counter,
// so every server instance sees the same budget.
type Window struct {
	counter Counter
	prefix  string
	limit   int64
	window  time.Duration
}

func NewWindow(counter Counter, prefix string, limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Window{counter: counter, prefix: prefix, limit: int64(limit), window: window}
}

func (w *Window) Allow(ctx context.Context, key string) (bool, error) {
	n, err := w.counter.Hit(ctx, w.prefix+":"+key, w.window)
	if err != nil {
		return false, err
	}
	return n <= w.limit, nil
}
