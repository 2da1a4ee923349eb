package heartbeat

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultDuplicateWindow = 24 * time.Hour

// DuplicateCache persists the duplicate-suppression window
// across process restarts. internal/heartbeat/rediscache implements this
// against Redis; Runner's own in-memory lastText/lastTextAt fields are the
// default when no Cache is configured.
type DuplicateCache interface {
	Get(ctx context.Context, runnerID string) (text string, at time.Time, ok bool, err error)
	Set(ctx context.Context, runnerID, text string, at time.Time, ttl time.Duration) error
}

// ActiveHours bounds heartbeat execution to a local-time-of-day window
//. StartMinute/EndMinute are minutes-of-day [0, 1440). When
// EndMinute <= StartMinute the window wraps past midnight.
type ActiveHours struct {
	StartMinute int
	EndMinute   int
}

// contains reports whether minuteOfDay falls in [StartMinute, EndMinute),
// wrapping past midnight when EndMinute <= StartMinute.
func (a ActiveHours) contains(minuteOfDay int) bool {
	if a.EndMinute <= a.StartMinute {
		return minuteOfDay >= a.StartMinute || minuteOfDay < a.EndMinute
	}
	return minuteOfDay >= a.StartMinute && minuteOfDay < a.EndMinute
}

// TaskHandler is dispatched with the pending tasks and the triggering
// request; it may return response text to forward.
type TaskHandler func(ctx context.Context, pending []Task, req Request) (text string, err error)

// Config configures a Runner.
type Config struct {
	RunnerID        string // identifies this runner's cache entries; required when Cache is set
	TaskFilePath    string
	IntervalMs      int64
	CoalesceMs      int64         // debounce window for the underlying Coalescer; <= 0 uses its 250ms default
	DuplicateWindow time.Duration // default 24h
	ActiveHours     *ActiveHours  // nil disables the gate
	Now             func() time.Time
	Cache           DuplicateCache // optional durable backing for lastText/lastTextAt
}

// Runner is the heartbeat scheduler: single-shot-rearm timers
// recomputed from lastRunAt, active-hours gating, task parsing, handler
// dispatch, and duplicate-text suppression.
type Runner struct {
	cfg      Config
	handlers []TaskHandler

	mu         sync.Mutex
	lastRunAt  time.Time
	lastText   string
	lastTextAt time.Time
	timer      *time.Timer
	coalescer  *Coalescer
}

// NewRunner builds a Runner. Handlers registered via AddHandler are invoked
// in order on each runOnce; their returned texts are joined with "\n\n" and
// treated as a single response for duplicate-suppression purposes.
func NewRunner(cfg Config) *Runner {
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = defaultDuplicateWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Runner{cfg: cfg}
	r.coalescer = NewCoalescer(r.runOnce, time.Duration(cfg.CoalesceMs)*time.Millisecond)
	return r
}

// AddHandler registers a task handler.
func (r *Runner) AddHandler(h TaskHandler) { r.handlers = append(r.handlers, h) }

// Start schedules the next run at lastRunAt + intervalMs (or now if this is
// the first run). The scheduling timer only issues a wake request — all
// execution flows through the coalescer.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleNextLocked(ctx)
}

// Stop halts the scheduling timer and the coalescer.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.coalescer.Stop()
}

// RequestNow issues an immediate wake request with the given reason,
// bypassing the interval schedule (e.g. for the CLI's `exec` entry point).
func (r *Runner) RequestNow(ctx context.Context, reason Reason, source string) {
	r.coalescer.Request(ctx, reason, source)
}

func (r *Runner) scheduleNextLocked(ctx context.Context) {
	if r.timer != nil {
		r.timer.Stop()
	}
	base := r.lastRunAt
	if base.IsZero() {
		base = r.cfg.Now()
	}
	d := base.Add(time.Duration(r.cfg.IntervalMs) * time.Millisecond).Sub(r.cfg.Now())
	if d < 0 {
		d = 0
	}
	r.timer = time.AfterFunc(d, func() {
		r.coalescer.Request(ctx, ReasonInterval, "scheduler")
	})
}

// runOnce executes the dispatch sequence and is the Handler passed to
// the coalescer.
func (r *Runner) runOnce(ctx context.Context, req Request) (Result, error) {
	now := r.cfg.Now()

	if r.cfg.ActiveHours != nil {
		minuteOfDay := now.Hour()*60 + now.Minute()
		if !r.cfg.ActiveHours.contains(minuteOfDay) {
			r.rescheduleAfter(ctx)
			return Result{Status: StatusSkipped, Reason: "outside-active-hours"}, nil
		}
	}

	tasks, err := ParseTasks(r.cfg.TaskFilePath)
	if err != nil {
		return Result{}, err
	}
	pending := PendingTasks(tasks)

	if len(pending) == 0 && req.Reason != ReasonExec {
		if err := r.commit(ctx, now, ""); err != nil {
			return Result{}, err
		}
		r.rescheduleAfter(ctx)
		return Result{Status: StatusSkipped, Reason: "no-pending-tasks"}, nil
	}

	var texts []string
	for _, h := range r.handlers {
		text, err := h(ctx, pending, req)
		if err != nil {
			return Result{}, err
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	combined := strings.Join(texts, "\n\n")

	lastText, lastTextAt, err := r.loadLastText(ctx)
	if err != nil {
		return Result{}, err
	}
	duplicate := combined != "" &&
		strings.TrimSpace(combined) == strings.TrimSpace(lastText) &&
		now.Sub(lastTextAt) < r.cfg.DuplicateWindow

	if duplicate {
		if err := r.commit(ctx, now, ""); err != nil {
			return Result{}, err
		}
		r.rescheduleAfter(ctx)
		return Result{Status: StatusSkipped, Reason: "duplicate-text"}, nil
	}

	if err := r.commit(ctx, now, combined); err != nil {
		return Result{}, err
	}
	r.rescheduleAfter(ctx)
	return Result{Status: StatusRan, Text: combined}, nil
}

// loadLastText reads the last forwarded text/timestamp, preferring the
// durable cache when configured and falling back to the in-memory fields.
func (r *Runner) loadLastText(ctx context.Context) (string, time.Time, error) {
	if r.cfg.Cache != nil {
		text, at, ok, err := r.cfg.Cache.Get(ctx, r.cfg.RunnerID)
		if err != nil {
			return "", time.Time{}, err
		}
		if ok {
			return text, at, nil
		}
		return "", time.Time{}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastText, r.lastTextAt, nil
}

// commit sets lastRunAt, and lastText/lastTextAt when text is non-empty
//, persisting to the durable cache when configured.
func (r *Runner) commit(ctx context.Context, now time.Time, text string) error {
	r.mu.Lock()
	r.lastRunAt = now
	if text != "" {
		r.lastText = text
		r.lastTextAt = now
	}
	r.mu.Unlock()

	if text == "" || r.cfg.Cache == nil {
		return nil
	}
	return r.cfg.Cache.Set(ctx, r.cfg.RunnerID, text, now, r.cfg.DuplicateWindow+time.Hour)
}

func (r *Runner) rescheduleAfter(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleNextLocked(ctx)
}
