package agentloop

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/miniagent/internal/eventbus"
	"github.com/openclaw/miniagent/internal/message"
	"github.com/openclaw/miniagent/internal/model"
	"github.com/openclaw/miniagent/internal/retry"
	"github.com/openclaw/miniagent/internal/tools"
	"github.com/openclaw/miniagent/internal/window"
)

// fakeStream replays a fixed event list then io.EOF, optionally returning an
// error from Recv once the list is exhausted instead.
type fakeStream struct {
	events []model.Event
	i      int
	endErr error
}

func (s *fakeStream) Recv() (model.Event, error) {
	if s.i >= len(s.events) {
		if s.endErr != nil {
			return model.Event{}, s.endErr
		}
		return model.Event{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}
func (s *fakeStream) Metadata() map[string]any { return nil }
func (s *fakeStream) Close() error             { return nil }

// fakeClient returns one fakeStream per call from a queue, so a test can
// script a sequence of turns.
type fakeClient struct {
	queue []*fakeStream
	calls int
}

func (c *fakeClient) Name() string { return "fake" }
func (c *fakeClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if c.calls >= len(c.queue) {
		return nil, errors.New("fakeClient: no more scripted streams")
	}
	s := c.queue[c.calls]
	c.calls++
	return s, nil
}

type echoingTool struct{}

func (echoingTool) Name() string        { return "noop" }
func (echoingTool) Description() string { return "does nothing" }
func (echoingTool) Schema() any         { return nil }
func (echoingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

func registryWithNoop() *tools.Registry {
	r := tools.NewRegistry()
	_ = r.Register(echoingTool{})
	return r
}

func newTestLoop(client model.Client, reg *tools.Registry) *Loop {
	return New(Config{
		Client:      client,
		Tools:       reg,
		Bus:         eventbus.New(nil),
		TokenBudget: 100000,
		MaxTurns:    10,
		NowMs:       func() int64 { return 1 },
		RetryConfig: retry.Config{Attempts: 2},
	})
}

func TestLoop_TerminatesOnZeroToolCalls(t *testing.T) {
	client := &fakeClient{queue: []*fakeStream{
		{events: []model.Event{
			{Kind: model.EventTextDelta, Delta: "hello"},
			{Kind: model.EventTextEnd, Content: "hello"},
		}},
	}}
	l := newTestLoop(client, registryWithNoop())

	out, err := l.Run(context.Background(), Input{
		RunID:    "run-1",
		Messages: []message.Message{message.NewUserText("hi", 0)},
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, 0, out.ToolCalls)
}

func TestLoop_ExecutesToolCallThenTerminatesNextTurn(t *testing.T) {
	client := &fakeClient{queue: []*fakeStream{
		{events: []model.Event{
			{Kind: model.EventToolCallStart, ToolCallID: "t1", ToolCallName: "noop"},
			{Kind: model.EventToolCallEnd, ToolCall: model.ToolCall{ID: "t1", Name: "noop", Arguments: map[string]any{}}},
		}},
		{events: []model.Event{
			{Kind: model.EventTextDelta, Delta: "done"},
			{Kind: model.EventTextEnd, Content: "done"},
		}},
	}}
	l := newTestLoop(client, registryWithNoop())

	out, err := l.Run(context.Background(), Input{
		RunID:    "run-2",
		Messages: []message.Message{message.NewUserText("hi", 0)},
	})

	require.NoError(t, err)
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, 1, out.ToolCalls)

	var sawToolResult bool
	for _, m := range out.Messages {
		for _, b := range m.Blocks {
			if b.Kind == message.BlockToolResult && b.Content == "ok" {
				sawToolResult = true
			}
		}
	}
	assert.True(t, sawToolResult)
}

func TestLoop_StopsAtMaxTurns(t *testing.T) {
	streams := make([]*fakeStream, 0, 5)
	for i := 0; i < 5; i++ {
		streams = append(streams, &fakeStream{events: []model.Event{
			{Kind: model.EventToolCallStart, ToolCallID: "t", ToolCallName: "noop"},
			{Kind: model.EventToolCallEnd, ToolCall: model.ToolCall{ID: "t", Name: "noop", Arguments: map[string]any{}}},
		}})
	}
	client := &fakeClient{queue: streams}
	l := newTestLoop(client, registryWithNoop())
	l.cfg.MaxTurns = 3

	out, err := l.Run(context.Background(), Input{
		RunID:    "run-3",
		Messages: []message.Message{message.NewUserText("hi", 0)},
	})

	require.NoError(t, err)
	assert.Equal(t, 3, out.Turns)
}

func TestLoop_SteeringDrainsQueueAndStopsEarly(t *testing.T) {
	client := &fakeClient{queue: []*fakeStream{
		{events: []model.Event{
			{Kind: model.EventToolCallStart, ToolCallID: "t1", ToolCallName: "noop"},
			{Kind: model.EventToolCallEnd, ToolCall: model.ToolCall{ID: "t1", Name: "noop", Arguments: map[string]any{}}},
			{Kind: model.EventToolCallStart, ToolCallID: "t2", ToolCallName: "noop"},
			{Kind: model.EventToolCallEnd, ToolCall: model.ToolCall{ID: "t2", Name: "noop", Arguments: map[string]any{}}},
		}},
	}}
	l := newTestLoop(client, registryWithNoop())

	steering := &fakeSteering{items: []string{"stop and check the logs"}}
	out, err := l.Run(context.Background(), Input{
		RunID:    "run-4",
		Messages: []message.Message{message.NewUserText("hi", 0)},
		Steering: steering,
	})

	require.NoError(t, err)
	assert.True(t, out.Steered)
	assert.Equal(t, 1, out.ToolCalls, "should stop after the first tool call once steering has entries")
	assert.Equal(t, 0, steering.Len(), "steering queue should be drained")
}

type fakeSteering struct {
	items []string
}

func (f *fakeSteering) Drain() []string {
	out := f.items
	f.items = nil
	return out
}
func (f *fakeSteering) Len() int { return len(f.items) }

func TestLoop_ContextOverflowTriggersCompactionAndRetriesTurn(t *testing.T) {
	client := &fakeClient{queue: []*fakeStream{
		{endErr: errors.New("400 context length exceeded")},
		{events: []model.Event{
			{Kind: model.EventTextDelta, Delta: "recovered"},
			{Kind: model.EventTextEnd, Content: "recovered"},
		}},
	}}
	summarizer := &fakeSummarizer{summary: "summary of earlier turns"}
	history := []message.Message{
		message.NewUserText("the first thing we discussed at length", 0),
		message.NewAssistantText("a correspondingly long reply about it", 1),
		message.NewUserText("a follow-up question", 2),
	}
	budget := window.EstimateTokens(history) // fits exactly; half of it will not
	l := New(Config{
		Client:      client,
		Tools:       registryWithNoop(),
		Summarizer:  summarizer,
		TokenBudget: budget,
		MaxTurns:    5,
		NowMs:       func() int64 { return 1 },
		RetryConfig: retry.Config{Attempts: 1},
	})

	out, err := l.Run(context.Background(), Input{
		RunID:    "run-5",
		Messages: history,
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Text)
	assert.True(t, summarizer.called)
}

type fakeSummarizer struct {
	summary string
	called  bool
}

func (f *fakeSummarizer) Summarize(ctx context.Context, dropped []message.Message) (string, error) {
	f.called = true
	return f.summary, nil
}

func TestLoop_FatalErrorIsReturnedWithoutRetry(t *testing.T) {
	client := &fakeClient{queue: []*fakeStream{
		{endErr: errors.New("401 unauthorized")},
	}}
	l := newTestLoop(client, registryWithNoop())

	_, err := l.Run(context.Background(), Input{
		RunID:    "run-6",
		Messages: []message.Message{message.NewUserText("hi", 0)},
	})

	assert.Error(t, err)
	assert.Equal(t, 1, client.calls, "auth failures are not retried")
}
