// Package agentloop implements the per-turn agent loop: stream a model
// response, append the assistant message, execute returned tool calls
// sequentially with steering checks between them, and either terminate or
// iterate. Progress is reported through event-bus emissions, per-turn spans
// and tool-duration metrics; the loop writes no log lines itself.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/miniagent/internal/eventbus"
	"github.com/openclaw/miniagent/internal/message"
	"github.com/openclaw/miniagent/internal/model"
	"github.com/openclaw/miniagent/internal/retry"
	"github.com/openclaw/miniagent/internal/telemetry"
	"github.com/openclaw/miniagent/internal/tools"
	"github.com/openclaw/miniagent/internal/window"
)

// SteeringQueue lets a caller inject new user instructions mid-run. Drain
// removes and returns everything queued so far, in order.
type SteeringQueue interface {
	Drain() []string
	Len() int
}

// Summarizer matches window.Summarizer, re-declared here so callers can
// construct a Loop without importing internal/window directly for the type.
type Summarizer = window.Summarizer

// Config configures one Loop instance. All fields are required unless
// noted.
type Config struct {
	Client      model.Client
	Tools       *tools.Registry
	Bus         *eventbus.Bus // optional; nil disables event emission
	Log         telemetry.Logger
	Metrics     telemetry.Metrics // optional; nil disables tool-duration recording
	Tracer      telemetry.Tracer  // optional; nil disables per-turn spans
	Summarizer  Summarizer        // optional; nil disables mid-run compaction
	TokenBudget int               // estimated-token ceiling before pruning/compaction
	MaxTurns    int               // 0 means unlimited
	NowMs       func() int64
	RetryConfig retry.Config
}

// Loop runs turns for a single invocation.
type Loop struct {
	cfg Config
}

// New builds a Loop. Unset NowMs, RetryConfig, Log, Metrics and Tracer fall
// back to defaults; MaxTurns is kept as given (0 means unlimited).
func New(cfg Config) *Loop {
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return 0 }
	}
	if cfg.RetryConfig.Attempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Log == nil {
		cfg.Log = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	return &Loop{cfg: cfg}
}

// Input is a single loop invocation's starting state.
type Input struct {
	RunID        string
	SessionKey   string
	SystemPrompt string
	Tools        []model.ToolDescriptor
	Messages     []message.Message // pre-loop history plus the new user turn
	Steering     SteeringQueue     // optional
}

// Output is the loop's terminal result.
type Output struct {
	Text      string
	Turns     int
	ToolCalls int
	Steered   bool
	Messages  []message.Message // every message appended during the run, in order
}

// Run executes turns until termination: zero tool calls, MaxTurns reached,
// cancellation, or a fatal provider error.
func (l *Loop) Run(ctx context.Context, in Input) (Output, error) {
	working := append([]message.Message{}, in.Messages...)
	var appended []message.Message
	var totalToolCalls int
	compactedOnce := false
	turn := 0

	for {
		if err := ctx.Err(); err != nil {
			return Output{Messages: appended, Turns: turn, ToolCalls: totalToolCalls}, err
		}
		if l.cfg.MaxTurns > 0 && turn >= l.cfg.MaxTurns {
			break
		}
		turn++

		turnCtx, span := l.cfg.Tracer.Start(ctx, "agent.turn")
		span.AddEvent("turn.start", "turn", turn)

		pruned, _ := window.Prune(working, l.cfg.TokenBudget)
		working = pruned

		assistantMsg, retryOverflow, streamErr := l.streamTurn(turnCtx, in, working)
		if streamErr != nil {
			if retryOverflow && !compactedOnce {
				compactedOnce = true
				// The provider rejected a request our own estimate said would
				// fit, so compact against a tighter budget than configured
				// rather than repeating the same (apparently too generous)
				// estimate.
				overflowBudget := l.cfg.TokenBudget / 2
				if overflowBudget < 1 {
					overflowBudget = 1
				}
				compacted, cErr := window.Compact(turnCtx, l.cfg.Summarizer, working, overflowBudget, l.cfg.NowMs())
				if cErr != nil {
					span.RecordError(cErr)
					span.End()
					return Output{Messages: appended, Turns: turn, ToolCalls: totalToolCalls}, cErr
				}
				working = compacted
				turn-- // rewind the turn counter and re-enter
				span.End()
				continue
			}
			span.RecordError(streamErr)
			span.End()
			return Output{Messages: appended, Turns: turn, ToolCalls: totalToolCalls}, streamErr
		}

		working = append(working, assistantMsg)
		appended = append(appended, assistantMsg)

		toolUses := toolUseBlocks(assistantMsg)
		if len(toolUses) == 0 {
			span.End()
			return Output{
				Text:      assistantMsg.PlainText(),
				Turns:     turn,
				ToolCalls: totalToolCalls,
				Messages:  appended,
			}, nil
		}

		resultBlocks, executed, steered := l.executeToolCalls(turnCtx, in, toolUses)
		totalToolCalls += executed

		resultMsg := message.Message{Role: message.RoleUser, Blocks: resultBlocksToBlocks(resultBlocks), TimestampMs: l.cfg.NowMs()}
		working = append(working, resultMsg)
		appended = append(appended, resultMsg)

		if steered && in.Steering != nil {
			drained := in.Steering.Drain()
			if len(drained) > 0 {
				steerMsg := message.NewUserText(strings.Join(drained, "\n"), l.cfg.NowMs())
				working = append(working, steerMsg)
				appended = append(appended, steerMsg)
			}
			span.End()
			return Output{
				Text:      assistantMsg.PlainText(),
				Turns:     turn,
				ToolCalls: totalToolCalls,
				Steered:   true,
				Messages:  appended,
			}, nil
		}
		span.End()
	}

	return Output{Turns: turn, ToolCalls: totalToolCalls, Messages: appended}, nil
}

// streamTurn runs one model stream to completion, retrying transient
// rate-limit failures. retryOverflow reports whether the
// terminal failure was a context-overflow, the signal Run uses to trigger
// compaction and re-enter the turn.
func (l *Loop) streamTurn(ctx context.Context, in Input, history []message.Message) (message.Message, bool, error) {
	var assistantMsg message.Message
	var overflow bool

	cfg := l.cfg.RetryConfig
	cfg.ShouldRetry = func(err error, attempt int) *bool {
		should := retry.Classify(ctx, err) == retry.KindRateLimit
		return &should
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		overflow = false
		msg, streamErr := l.consumeOneStream(ctx, in, history)
		if streamErr != nil {
			if retry.Classify(ctx, streamErr) == retry.KindContextOverflow {
				overflow = true
			}
			return streamErr
		}
		assistantMsg = msg
		return nil
	})
	return assistantMsg, overflow, err
}

func (l *Loop) consumeOneStream(ctx context.Context, in Input, history []message.Message) (message.Message, error) {
	req := model.Request{
		SystemPrompt: in.SystemPrompt,
		Messages:     history,
		Tools:        in.Tools,
	}
	stream, err := l.cfg.Client.Stream(ctx, req)
	if err != nil {
		return message.Message{}, err
	}
	defer stream.Close()

	var text strings.Builder
	var blocks []message.ContentBlock
	for {
		if ctx.Err() != nil {
			return message.Message{}, ctx.Err()
		}
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return message.Message{}, err
		}
		switch ev.Kind {
		case model.EventTextDelta:
			text.WriteString(ev.Delta)
			l.publish(in.RunID, eventbus.StreamAssistant, map[string]any{"type": "text_delta", "delta": ev.Delta})
		case model.EventTextEnd:
			l.publish(in.RunID, eventbus.StreamAssistant, map[string]any{"type": "text_end", "content": ev.Content})
		case model.EventToolCallStart:
			l.publish(in.RunID, eventbus.StreamAssistant, map[string]any{"type": "toolcall_start", "id": ev.ToolCallID, "name": ev.ToolCallName})
		case model.EventToolCallEnd:
			blocks = append(blocks, message.ToolUse(ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Arguments))
			l.publish(in.RunID, eventbus.StreamAssistant, map[string]any{"type": "toolcall_end", "id": ev.ToolCall.ID, "name": ev.ToolCall.Name})
		}
	}

	if t := text.String(); t != "" {
		blocks = append([]message.ContentBlock{message.Text(t)}, blocks...)
	}
	return message.Message{Role: message.RoleAssistant, Blocks: blocks, TimestampMs: l.cfg.NowMs()}, nil
}

// toolUseBlocks returns every tool_use content block in m, in order.
func toolUseBlocks(m message.Message) []message.ContentBlock {
	var out []message.ContentBlock
	for _, b := range m.Blocks {
		if b.Kind == message.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// toolResult is one executed tool call's outcome.
type toolResult struct {
	id      string
	name    string
	content string
}

// cancelledToolResultText is the body synthesized for a tool_use block that
// a steering interrupt left unexecuted, so every tool_use in a turn always
// has a matching tool_result in the next message even when execution stops
// early.
const cancelledToolResultText = "已取消: 因用户插话未执行"

// executeToolCalls runs each tool_use block sequentially,
// checking the steering queue between calls and stopping early if it has
// entries. Any call left unreached because of an early stop still gets a
// synthesized cancelled tool_result.
func (l *Loop) executeToolCalls(ctx context.Context, in Input, calls []message.ContentBlock) (results []toolResult, executed int, steered bool) {
	for i, call := range calls {
		if steered || ctx.Err() != nil {
			results = append(results, toolResult{id: call.ToolUseID, name: call.ToolName, content: cancelledToolResultText})
			continue
		}

		l.publish(in.RunID, eventbus.StreamTool, map[string]any{"type": "start", "id": call.ToolUseID, "name": call.ToolName})
		start := time.Now()
		var out string
		var err error
		if _, known := l.cfg.Tools.Resolve(call.ToolName); !known {
			out = fmt.Sprintf("未知工具: %s", call.ToolName)
		} else if out, err = l.cfg.Tools.Invoke(ctx, call.ToolName, call.Args); err != nil {
			out = fmt.Sprintf("执行错误: %s", err.Error())
		}
		l.cfg.Metrics.RecordTimer("agentloop.tool_call_duration", time.Since(start),
			"tool", call.ToolName, "error", strconv.FormatBool(err != nil))
		l.publish(in.RunID, eventbus.StreamTool, map[string]any{"type": "end", "id": call.ToolUseID, "name": call.ToolName, "error": err != nil})
		results = append(results, toolResult{id: call.ToolUseID, name: call.ToolName, content: out})
		executed++

		if i < len(calls)-1 && in.Steering != nil && in.Steering.Len() > 0 {
			steered = true
		}
	}
	return results, executed, steered
}

func resultBlocksToBlocks(results []toolResult) []message.ContentBlock {
	out := make([]message.ContentBlock, len(results))
	for i, r := range results {
		out[i] = message.ToolResult(r.id, r.name, r.content)
	}
	return out
}

func (l *Loop) publish(runID string, stream eventbus.Stream, data map[string]any) {
	if l.cfg.Bus == nil {
		return
	}
	l.cfg.Bus.Publish(runID, l.cfg.NowMs(), stream, data)
}
