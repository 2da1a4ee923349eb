// Package lane implements the two-lane FIFO concurrency scheduler:
// named lanes with a per-lane concurrency cap, strict FIFO admission, and
// nested session-lane-then-global-lane enqueue, built around a
// mutex-guarded admission queue. An optional per-lane golang.org/x/time/rate
// limiter smooths admission rate beyond the bare concurrency cap, useful
// for the global lane fronting a rate-limited provider, without disturbing
// the strict-FIFO concurrency guarantee, which the queue below enforces on
// its own.
package lane

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// GlobalLane is the name of the configurable process-wide lane.
const GlobalLane = "main"

// SessionLane builds the fixed-concurrency-1 lane name for a session key.
func SessionLane(sessionKey string) string { return "session:" + sessionKey }

// Manager owns the process-wide map of named lanes, keyed by name. Lanes
// are created on demand and deleted once both their queue and active count
// reach zero.
type Manager struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// NewManager constructs an empty lane manager.
func NewManager() *Manager {
	return &Manager{lanes: make(map[string]*lane)}
}

// Config configures a lane when it is first created.
type Config struct {
	// MaxConcurrent is the lane's concurrency cap, at least 1.
	MaxConcurrent int
	// AdmitRate, if set, additionally smooths the rate of admissions
	// (requests/sec); nil disables rate smoothing.
	AdmitRate *rate.Limiter
}

type waiter struct {
	ready chan struct{}
}

type lane struct {
	mu            sync.Mutex
	maxConcurrent int
	active        int
	queue         []*waiter
	admitRate     *rate.Limiter
}

// SetMaxConcurrent changes a lane's cap, creating the lane if needed. A cap
// increase drains additional queued waiters immediately.
func (m *Manager) SetMaxConcurrent(name string, n int) {
	if n < 1 {
		n = 1
	}
	l := m.getOrCreate(name, Config{MaxConcurrent: n})
	l.mu.Lock()
	l.maxConcurrent = n
	l.admitLocked()
	l.mu.Unlock()
}

func (m *Manager) getOrCreate(name string, cfg Config) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[name]
	if !ok {
		max := cfg.MaxConcurrent
		if max < 1 {
			max = 1
		}
		l = &lane{maxConcurrent: max, admitRate: cfg.AdmitRate}
		m.lanes[name] = l
	}
	return l
}

func (m *Manager) reap(name string, l *lane) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.mu.Lock()
	empty := l.active == 0 && len(l.queue) == 0
	l.mu.Unlock()
	if empty {
		delete(m.lanes, name)
	}
}

// Run enqueues fn on the named lane, blocking until admitted (active <
// maxConcurrent and, if configured, the rate limiter allows it), runs fn,
// then admits the next waiter. Admission is strict FIFO. If ctx is
// cancelled while queued, Run returns ctx.Err() without ever running fn.
func (m *Manager) Run(ctx context.Context, name string, cfg Config, fn func(ctx context.Context) error) error {
	l := m.getOrCreate(name, cfg)
	defer m.reap(name, l)

	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	if l.admitRate != nil {
		if err := l.admitRate.Wait(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

func (l *lane) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.maxConcurrent && len(l.queue) == 0 {
		l.active++
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, q := range l.queue {
			if q == w {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *lane) release() {
	l.mu.Lock()
	l.active--
	l.admitLocked()
	l.mu.Unlock()
}

// admitLocked promotes queued waiters while capacity allows. Callers hold l.mu.
func (l *lane) admitLocked() {
	for l.active < l.maxConcurrent && len(l.queue) > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.active++
		close(w.ready)
	}
}

// RunSessionThenGlobal enqueues fn on the session lane (fixed maxConcurrent
// 1), whose admitted callback itself enqueues on the global lane (cap
// globalMaxConcurrent, optionally rate-smoothed by globalAdmitRate): a run
// is only "active" once both lanes have admitted it. globalAdmitRate may be
// nil to disable rate smoothing.
func (m *Manager) RunSessionThenGlobal(ctx context.Context, sessionKey string, globalMaxConcurrent int, globalAdmitRate *rate.Limiter, fn func(ctx context.Context) error) error {
	return m.Run(ctx, SessionLane(sessionKey), Config{MaxConcurrent: 1}, func(ctx context.Context) error {
		return m.Run(ctx, GlobalLane, Config{MaxConcurrent: globalMaxConcurrent, AdmitRate: globalAdmitRate}, fn)
	})
}

// Snapshot reports a lane's active count and queue depth, for telemetry.
func (m *Manager) Snapshot(name string) (active, queued int, ok bool) {
	m.mu.Lock()
	l, exists := m.lanes[name]
	m.mu.Unlock()
	if !exists {
		return 0, 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, len(l.queue), true
}
