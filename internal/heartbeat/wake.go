// Package heartbeat implements the heartbeat wake coalescer and
// runner: a debounced execution trigger layered under a
// single-shot-rearm scheduler that parses a markdown task file and
// dispatches to registered handlers. Coalescer and Runner are cooperative
// state machines guarded by a single mutex around a small state struct, no
// channels or extra goroutines beyond the timer callback itself.
package heartbeat

import (
	"context"
	"sync"
	"time"
)

// Reason is a wake request's trigger, ordered by priority for merging
//: exec > cron > interval > retry > requested.
type Reason string

const (
	ReasonExec      Reason = "exec"
	ReasonCron      Reason = "cron"
	ReasonInterval  Reason = "interval"
	ReasonRetry     Reason = "retry"
	ReasonRequested Reason = "requested"
)

var reasonPriority = map[Reason]int{
	ReasonExec:      5,
	ReasonCron:      4,
	ReasonInterval:  3,
	ReasonRetry:     2,
	ReasonRequested: 1,
}

// maxReason returns whichever of a, b has higher priority; an empty a
// (first request) always yields b.
func maxReason(a, b Reason) Reason {
	if a == "" {
		return b
	}
	if reasonPriority[b] > reasonPriority[a] {
		return b
	}
	return a
}

// Request is one wake invocation handed to the handler.
type Request struct {
	Reason Reason
	Source string
}

// Status is a handler or coalescer outcome tag.
type Status string

const (
	StatusRan     Status = "ran"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one handler invocation.
type Result struct {
	Status Status
	Reason string
	Text   string // optional response text, forwarded by the runner
}

// Handler runs one heartbeat invocation and reports its outcome.
type Handler func(ctx context.Context, req Request) (Result, error)

const defaultCoalesceMs = 250

// Coalescer debounces wake requests: concurrent requests within
// coalesceMs collapse into one handler invocation, and if a request arrives
// while the handler is already running, exactly one more invocation is
// guaranteed after it returns.
type Coalescer struct {
	handler    Handler
	coalesceMs time.Duration

	mu            sync.Mutex
	running       bool
	scheduled     bool
	pendingReason Reason
	pendingSource string
	timer         *time.Timer
}

// NewCoalescer builds a Coalescer around handler. coalesceMs <= 0 uses the
// 250ms default.
func NewCoalescer(handler Handler, coalesceMs time.Duration) *Coalescer {
	if coalesceMs <= 0 {
		coalesceMs = defaultCoalesceMs * time.Millisecond
	}
	return &Coalescer{handler: handler, coalesceMs: coalesceMs}
}

// Request records a wake request with priority-max reason merge and
// schedules execution per the coalescer's debounce policy.
func (c *Coalescer) Request(ctx context.Context, reason Reason, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingReason = maxReason(c.pendingReason, reason)
	if c.pendingSource == "" {
		c.pendingSource = source
	}

	if c.running {
		c.scheduled = true
		return
	}
	if c.timer != nil {
		return // already armed: coalesced
	}
	c.armLocked(ctx, c.coalesceMs)
}

// armLocked starts a timer that fires c.fire after d. Callers hold c.mu.
func (c *Coalescer) armLocked(ctx context.Context, d time.Duration) {
	c.timer = time.AfterFunc(d, func() { c.fire(ctx) })
}

func (c *Coalescer) fire(ctx context.Context) {
	c.mu.Lock()
	reason := c.pendingReason
	source := c.pendingSource
	c.pendingReason = ""
	c.pendingSource = ""
	c.timer = nil
	c.running = true
	c.mu.Unlock()

	result, err := c.handler(ctx, Request{Reason: reason, Source: source})

	c.mu.Lock()
	c.running = false
	rearmZero := c.scheduled
	c.scheduled = false
	retryArm := err == nil && result.Status == StatusSkipped && result.Reason == "requests-in-flight"
	if retryArm {
		c.pendingReason = maxReason(c.pendingReason, ReasonRetry)
		c.armLocked(ctx, time.Second)
	} else if rearmZero {
		c.armLocked(ctx, 0)
	}
	c.mu.Unlock()
}

// Stop clears any armed timer and pending "run again" flag. A handler
// invocation already in flight still completes.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.scheduled = false
}
