package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/miniagent/internal/eventbus"
	"github.com/openclaw/miniagent/internal/message"
	"github.com/openclaw/miniagent/internal/model"
	"github.com/openclaw/miniagent/internal/sessionlog"
	"github.com/openclaw/miniagent/internal/telemetry"
	"github.com/openclaw/miniagent/internal/tools"
)

// fakeMetrics records every call made to it, for asserting telemetry call
// sites actually fire rather than merely type-checking against the
// interface.
type fakeMetrics struct {
	counters []string
	gauges   []string
	timers   []string
}

func (f *fakeMetrics) IncCounter(name string, value float64, tags ...string) {
	f.counters = append(f.counters, name)
}
func (f *fakeMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	f.timers = append(f.timers, name)
}
func (f *fakeMetrics) RecordGauge(name string, value float64, tags ...string) {
	f.gauges = append(f.gauges, name)
}

// textStream replays a single text response then io.EOF.
type textStream struct {
	text string
	sent bool
	done bool
}

func (s *textStream) Recv() (model.Event, error) {
	if !s.sent {
		s.sent = true
		return model.Event{Kind: model.EventTextDelta, Delta: s.text}, nil
	}
	if !s.done {
		s.done = true
		return model.Event{Kind: model.EventTextEnd, Content: s.text}, nil
	}
	return model.Event{}, io.EOF
}
func (s *textStream) Metadata() map[string]any { return nil }
func (s *textStream) Close() error             { return nil }

// queueClient hands out one scripted stream per call, erroring once the
// queue is exhausted so a test can assert on exactly how many calls happened.
type queueClient struct {
	name  string
	queue []model.Streamer
	calls int
}

func (c *queueClient) Name() string { return c.name }
func (c *queueClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if c.calls >= len(c.queue) {
		return nil, errors.New("queueClient: no more scripted streams")
	}
	s := c.queue[c.calls]
	c.calls++
	return s, nil
}

func newRegistry(client model.Client) *model.Registry {
	r := model.NewRegistry()
	r.Register(client)
	return r
}

type echoingTool struct{}

func (echoingTool) Name() string        { return "noop" }
func (echoingTool) Description() string { return "does nothing" }
func (echoingTool) Schema() any         { return nil }
func (echoingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

func newTestOrchestrator(t *testing.T, client model.Client) *Orchestrator {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echoingTool{}))

	logs := sessionlog.New(filepath.Join(t.TempDir(), "sessions"))

	o, err := New(Config{
		Models:            newRegistry(client),
		Tools:             reg,
		Logs:              logs,
		Bus:               eventbus.New(nil),
		DefaultProvider:   client.Name(),
		TokenBudget:       100000,
		MaxTurns:          10,
		MaxConcurrentRuns: 2,
		NowMs:             func() int64 { return time.Now().UnixMilli() },
	})
	require.NoError(t, err)
	return o
}

func TestOrchestrator_RunPersistsUserAndAssistantMessages(t *testing.T) {
	client := &queueClient{name: "fake", queue: []model.Streamer{&textStream{text: "hello there"}}}
	o := newTestOrchestrator(t, client)

	out, err := o.Run(context.Background(), RunInput{AgentID: "bot", Session: "s1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out.Text)
	assert.Equal(t, "agent:bot:s1", out.SessionKey)

	msgs, err := o.cfg.Logs.Load(out.SessionKey)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.RoleUser, msgs[0].Role)
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)
}

func TestOrchestrator_RunRecordsTurnCounterAndLaneGauge(t *testing.T) {
	client := &queueClient{name: "fake", queue: []model.Streamer{&twoToolCallStream{}, &textStream{text: "hello there"}}}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echoingTool{}))
	logs := sessionlog.New(filepath.Join(t.TempDir(), "sessions"))
	metrics := &fakeMetrics{}

	o, err := New(Config{
		Models:            newRegistry(client),
		Tools:             reg,
		Logs:              logs,
		Bus:               eventbus.New(nil),
		DefaultProvider:   client.Name(),
		TokenBudget:       100000,
		MaxTurns:          10,
		MaxConcurrentRuns: 2,
		Metrics:           metrics,
		Tracer:            telemetry.NewNoopTracer(),
		NowMs:             func() int64 { return time.Now().UnixMilli() },
	})
	require.NoError(t, err)

	_, err = o.Run(context.Background(), RunInput{AgentID: "bot", Session: "s1", Text: "hi"})
	require.NoError(t, err)

	assert.Contains(t, metrics.counters, "orchestrator.turns")
	assert.Contains(t, metrics.gauges, "orchestrator.lane_queue_depth")
	assert.Contains(t, metrics.timers, "agentloop.tool_call_duration")
}

func TestNew_BuildsGlobalAdmitRateOnlyWhenConfigured(t *testing.T) {
	reg := tools.NewRegistry()
	logs := sessionlog.New(filepath.Join(t.TempDir(), "sessions"))
	client := &queueClient{name: "fake"}

	without, err := New(Config{
		Models: newRegistry(client), Tools: reg, Logs: logs, Bus: eventbus.New(nil),
		DefaultProvider: client.Name(), TokenBudget: 100000, MaxConcurrentRuns: 2,
	})
	require.NoError(t, err)
	assert.Nil(t, without.globalAdmitRate)

	with, err := New(Config{
		Models: newRegistry(client), Tools: reg, Logs: logs, Bus: eventbus.New(nil),
		DefaultProvider: client.Name(), TokenBudget: 100000, MaxConcurrentRuns: 2, MaxRunsPerSecond: 5,
	})
	require.NoError(t, err)
	assert.NotNil(t, with.globalAdmitRate)
}

func TestOrchestrator_SecondRunSeesFirstRunsHistory(t *testing.T) {
	client := &queueClient{name: "fake", queue: []model.Streamer{
		&textStream{text: "first reply"},
		&textStream{text: "second reply"},
	}}
	o := newTestOrchestrator(t, client)

	_, err := o.Run(context.Background(), RunInput{AgentID: "bot", Session: "s1", Text: "one"})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), RunInput{AgentID: "bot", Session: "s1", Text: "two"})
	require.NoError(t, err)

	msgs, err := o.cfg.Logs.Load("agent:bot:s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestOrchestrator_UnknownProviderErrors(t *testing.T) {
	client := &queueClient{name: "fake", queue: []model.Streamer{&textStream{text: "x"}}}
	o := newTestOrchestrator(t, client)

	_, err := o.Run(context.Background(), RunInput{AgentID: "bot", Session: "s1", Text: "hi", Provider: "nonexistent"})
	assert.Error(t, err)
}

// abortClient streams a response that blocks until its run's context is
// cancelled, simulating a provider Abort must interrupt mid-stream.
type abortClient struct{ name string }

func (c *abortClient) Name() string { return c.name }
func (c *abortClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	return &blockingStream{ctx: ctx}, nil
}

type blockingStream struct{ ctx context.Context }

func (s *blockingStream) Recv() (model.Event, error) {
	<-s.ctx.Done()
	return model.Event{}, s.ctx.Err()
}
func (s *blockingStream) Metadata() map[string]any { return nil }
func (s *blockingStream) Close() error             { return nil }

func TestOrchestrator_AbortCancelsInFlightRun(t *testing.T) {
	o := newTestOrchestrator(t, &abortClient{name: "fake"})

	runID := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		// Steal the run id the same way an external caller would have to:
		// by polling the orchestrator's live cancel set until it appears.
		for {
			o.mu.Lock()
			for id := range o.cancels {
				o.mu.Unlock()
				runID <- id
				return
			}
			o.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		_, err := o.Run(context.Background(), RunInput{AgentID: "bot", Session: "s1", Text: "hi"})
		done <- err
	}()

	id := <-runID
	assert.True(t, o.Abort(id))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe abort")
	}
}

func TestOrchestrator_SteerIsDrainedByAgentLoop(t *testing.T) {
	// Two tool calls in one turn: the loop checks the steering queue
	// between calls, so steering takes effect after the first and leaves
	// the second synthesized as cancelled rather than executed.
	client := &queueClient{name: "fake", queue: []model.Streamer{
		&twoToolCallStream{},
		&textStream{text: "done"},
	}}
	o := newTestOrchestrator(t, client)

	sessKey := "agent:bot:s1"
	o.Steer(sessKey, "check the logs too")

	out, err := o.Run(context.Background(), RunInput{AgentID: "bot", Session: "s1", Text: "hi"})
	require.NoError(t, err)
	assert.True(t, out.Steered)
	assert.Equal(t, 1, out.ToolCalls)
}

// twoToolCallStream emits two completed tool calls then io.EOF.
type twoToolCallStream struct {
	i int
}

func (s *twoToolCallStream) Recv() (model.Event, error) {
	events := []model.Event{
		{Kind: model.EventToolCallStart, ToolCallID: "t1", ToolCallName: "noop"},
		{Kind: model.EventToolCallEnd, ToolCall: model.ToolCall{ID: "t1", Name: "noop", Arguments: map[string]any{}}},
		{Kind: model.EventToolCallStart, ToolCallID: "t2", ToolCallName: "noop"},
		{Kind: model.EventToolCallEnd, ToolCall: model.ToolCall{ID: "t2", Name: "noop", Arguments: map[string]any{}}},
	}
	if s.i >= len(events) {
		return model.Event{}, io.EOF
	}
	ev := events[s.i]
	s.i++
	return ev, nil
}
func (s *twoToolCallStream) Metadata() map[string]any { return nil }
func (s *twoToolCallStream) Close() error             { return nil }

func TestOrchestrator_SpawnSubagentWritesSummaryToParentLog(t *testing.T) {
	client := &queueClient{name: "fake", queue: []model.Streamer{&textStream{text: "child's result"}}}
	o := newTestOrchestrator(t, client)

	parentKey := "agent:bot:main"
	require.NoError(t, o.cfg.Logs.Append(parentKey, message.NewUserText("parent turn", 0)))

	childKey, err := o.SpawnSubagent("bot", parentKey, "do a thing")
	require.NoError(t, err)
	assert.Contains(t, childKey, "agent:bot:subagent:")

	require.Eventually(t, func() bool {
		msgs, err := o.cfg.Logs.Load(parentKey)
		if err != nil || len(msgs) < 2 {
			return false
		}
		last := msgs[len(msgs)-1]
		return strings.Contains(last.PlainText(), "[subagent summary]")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_SubagentCannotSpawnSubagent(t *testing.T) {
	client := &queueClient{name: "fake", queue: []model.Streamer{&textStream{text: "x"}}}
	o := newTestOrchestrator(t, client)

	_, err := o.SpawnSubagent("bot", "agent:bot:subagent:abc", "nested task")
	assert.Error(t, err)
}

func TestNew_RejectsTokenBudgetBelowHardFloor(t *testing.T) {
	_, err := New(Config{
		Models:      model.NewRegistry(),
		Tools:       tools.NewRegistry(),
		Logs:        sessionlog.New(t.TempDir()),
		TokenBudget: HardFloorTokens - 1,
	})
	assert.Error(t, err)
}
