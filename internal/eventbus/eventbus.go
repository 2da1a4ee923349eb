// Package eventbus implements the run event bus: a fan-out publisher
// keyed by run id, stamping each emission with a monotonically increasing
// per-run sequence number and a millisecond timestamp, and releasing the
// sequence counter for a run once its lifecycle reaches end or error. The
// subscriber map is RWMutex-guarded and Publish snapshots it before
// iterating; subscriber errors are swallowed rather than aborting the
// publish.
package eventbus

import (
	"context"
	"sync"

	"github.com/openclaw/miniagent/internal/telemetry"
)

// Stream names an event's category.
type Stream string

const (
	StreamLifecycle Stream = "lifecycle"
	StreamAssistant Stream = "assistant"
	StreamTool      Stream = "tool"
	StreamSubagent  Stream = "subagent"
	StreamError     Stream = "error"
)

// LifecyclePhase is the subset of opaque "phase" data values this package
// inspects to decide when to release a run's sequence counter.
type LifecyclePhase string

const (
	PhaseEnd   LifecyclePhase = "end"
	PhaseError LifecyclePhase = "error"
)

// Event is a single bus emission: a run id, a per-run sequence
// number, a millisecond timestamp, a stream name, and an opaque data map.
type Event struct {
	RunID  string
	Seq    int64
	TimeMs int64
	Stream Stream
	Data   map[string]any
}

// Subscriber receives published events. HandleEvent errors are logged and
// swallowed — one failing subscriber never prevents delivery to the rest,
// and never fails the publisher.
type Subscriber interface {
	HandleEvent(evt Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(evt Event) error

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(evt Event) error { return f(evt) }

// Subscription lets a caller stop receiving events.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Unsubscribe removes the subscriber. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Bus is a per-process fan-out publisher with per-run sequence stamping.
type Bus struct {
	log telemetry.Logger

	mu      sync.RWMutex
	subs    map[uint64]Subscriber
	nextID  uint64

	seqMu sync.Mutex
	seq   map[string]int64
}

// New constructs an empty Bus. log may be nil, in which case a no-op logger
// is used.
func New(log telemetry.Logger) *Bus {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Bus{
		log:  log,
		subs: make(map[uint64]Subscriber),
		seq:  make(map[string]int64),
	}
}

// Subscribe registers sub to receive every future Publish call until the
// returned Subscription is unsubscribed.
func (b *Bus) Subscribe(sub Subscriber) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	return &Subscription{bus: b, id: id}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// nextSeq returns the next sequence number for runID, starting at 1.
func (b *Bus) nextSeq(runID string) int64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	n := b.seq[runID] + 1
	b.seq[runID] = n
	return n
}

// releaseSeq drops the sequence counter for runID, freeing the small amount
// of state the bus keeps per run. A subsequent Publish for the same run id
// (e.g. a retried run reusing an id, which callers should avoid) starts
// renumbering from 1.
func (b *Bus) releaseSeq(runID string) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	delete(b.seq, runID)
}

// Publish stamps evt with the next sequence number and timestamp for its
// run id and fans it out to every current subscriber. Subscribers are
// snapshotted under a read lock before delivery so a subscriber that
// unsubscribes or subscribes during HandleEvent never deadlocks or is
// skipped/double-delivered mid-publish. A subscriber's returned error is
// logged and otherwise ignored — delivery to every other subscriber still
// happens.
//
// If evt.Stream is StreamLifecycle and evt.Data["phase"] is "end" or
// "error" (accepting both string and LifecyclePhase), the run's sequence
// counter is released after delivery.
func (b *Bus) Publish(runID string, timeMs int64, stream Stream, data map[string]any) Event {
	evt := Event{
		RunID:  runID,
		Seq:    b.nextSeq(runID),
		TimeMs: timeMs,
		Stream: stream,
		Data:   data,
	}

	b.mu.RLock()
	snapshot := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		if err := s.HandleEvent(evt); err != nil {
			b.log.Error(context.Background(), "eventbus: subscriber failed", "run_id", runID, "stream", string(stream), "error", err)
		}
	}

	if stream == StreamLifecycle && isTerminalPhase(data) {
		b.releaseSeq(runID)
	}

	return evt
}

func isTerminalPhase(data map[string]any) bool {
	if data == nil {
		return false
	}
	switch v := data["phase"].(type) {
	case string:
		return v == string(PhaseEnd) || v == string(PhaseError)
	case LifecyclePhase:
		return v == PhaseEnd || v == PhaseError
	default:
		return false
	}
}
