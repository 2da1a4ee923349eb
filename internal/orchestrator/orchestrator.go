// Package orchestrator composes every other component into a single
// per-invocation sequence: resolve a session key, enqueue through the lane
// scheduler, run the agent loop, persist what it produced, and emit
// lifecycle events — plus the three operations that reach across runs
// (steering, abort, subagent spawn). One struct holds every collaborator
// (model registry, tool registry, event bus, telemetry) with one entry
// point per external operation, following the same structured-logging idiom
// as the rest of the tree.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/openclaw/miniagent/internal/agentloop"
	"github.com/openclaw/miniagent/internal/eventbus"
	"github.com/openclaw/miniagent/internal/lane"
	"github.com/openclaw/miniagent/internal/memory"
	"github.com/openclaw/miniagent/internal/message"
	"github.com/openclaw/miniagent/internal/model"
	"github.com/openclaw/miniagent/internal/sessionkey"
	"github.com/openclaw/miniagent/internal/sessionlog"
	"github.com/openclaw/miniagent/internal/skills"
	"github.com/openclaw/miniagent/internal/telemetry"
	"github.com/openclaw/miniagent/internal/toolpolicy"
	"github.com/openclaw/miniagent/internal/tools"
	"github.com/openclaw/miniagent/internal/window"
)

// Token budget floors: the hard floor still leaves room for a system
// prompt plus one short exchange, and the soft floor flags a budget
// too small for a single round of compaction to be worth much.
const (
	HardFloorTokens = 1000
	SoftFloorTokens = 4000

	// subagentSummaryMaxChars is the fixed truncation length for the summary
	// message a completed subagent writes into its parent's log.
	subagentSummaryMaxChars = 600

	// memorySearchLimit bounds how many ranked memory entries are folded
	// into the system prompt per run.
	memorySearchLimit = 5
)

// Config wires every collaborator the orchestrator composes. All fields
// except the optional ones noted are required.
type Config struct {
	Models      *model.Registry
	Tools       *tools.Registry
	ToolPolicy  *toolpolicy.Policy // optional; nil allows every registered tool
	Skills      *skills.Resolver   // optional
	Memory      memory.Store       // optional; nil disables memory retrieval
	Logs        *sessionlog.Store
	Bus         *eventbus.Bus // optional; nil disables event emission
	Summarizer  agentloop.Summarizer
	Log         telemetry.Logger
	Metrics     telemetry.Metrics
	Tracer      telemetry.Tracer // optional; nil disables per-turn spans

	// DefaultProvider names the model.Registry entry used when RunInput
	// does not request one explicitly.
	DefaultProvider string
	// SystemPromptBase is prepended to the skills and memory fragments
	// (typically internal/contextfiles.Concat's output).
	SystemPromptBase string

	TokenBudget       int
	MaxTurns          int
	MaxConcurrentRuns int
	// MaxRunsPerSecond additionally smooths the global lane's admission
	// rate beyond MaxConcurrentRuns, via a golang.org/x/time/rate.Limiter
	// (burst = MaxConcurrentRuns); <= 0 disables rate smoothing.
	MaxRunsPerSecond float64

	NowMs func() int64
}

// Orchestrator is the long-lived, concurrency-safe composition root for one
// workspace's agent runs.
type Orchestrator struct {
	cfg             Config
	lanes           *lane.Manager
	globalAdmitRate *rate.Limiter // nil when Config.MaxRunsPerSecond <= 0

	mu       sync.Mutex
	steering map[string]*steeringQueue
	cancels  map[string]context.CancelFunc
}

// New validates cfg against the token-budget floors and builds an
// Orchestrator. A budget below HardFloorTokens is refused outright; one
// below SoftFloorTokens is accepted but logged as a warning.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.TokenBudget < HardFloorTokens {
		return nil, fmt.Errorf("orchestrator: token budget %d is below the hard floor of %d", cfg.TokenBudget, HardFloorTokens)
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
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.TokenBudget < SoftFloorTokens {
		cfg.Log.Warn(context.Background(), "orchestrator: token budget below soft floor",
			"tokenBudget", cfg.TokenBudget, "softFloor", SoftFloorTokens)
	}

	var globalAdmitRate *rate.Limiter
	if cfg.MaxRunsPerSecond > 0 {
		globalAdmitRate = rate.NewLimiter(rate.Limit(cfg.MaxRunsPerSecond), cfg.MaxConcurrentRuns)
	}

	return &Orchestrator{
		cfg:             cfg,
		lanes:           lane.NewManager(),
		globalAdmitRate: globalAdmitRate,
		steering:        make(map[string]*steeringQueue),
		cancels:         make(map[string]context.CancelFunc),
	}, nil
}

// RunInput starts one invocation.
type RunInput struct {
	AgentID  string
	Session  string // caller-provided tail; sessionkey.Resolve(AgentID, Session) is the canonical key
	Text     string
	Provider string // optional; falls back to Config.DefaultProvider
}

// RunOutput is one invocation's result.
type RunOutput struct {
	RunID      string
	SessionKey string
	Text       string
	Turns      int
	ToolCalls  int
	Steered    bool
}

// Run resolves the session key, enqueues the work session-lane-then-global-
// lane, and executes one agent-loop invocation.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (RunOutput, error) {
	sessKey := sessionkey.Resolve(in.AgentID, in.Session)
	runID := uuid.NewString()
	var out RunOutput

	err := o.lanes.RunSessionThenGlobal(ctx, sessKey, o.cfg.MaxConcurrentRuns, o.globalAdmitRate, func(runCtx context.Context) error {
		runCtx, cancel := context.WithCancel(runCtx)
		o.registerCancel(runID, cancel)
		defer o.releaseCancel(runID)

		result, runErr := o.runOnce(runCtx, runID, sessKey, in)
		out = result
		return runErr
	})

	return out, err
}

func (o *Orchestrator) runOnce(ctx context.Context, runID, sessKey string, in RunInput) (RunOutput, error) {
	o.publishLifecycle(runID, sessKey, map[string]any{"phase": "start"})

	history, err := o.cfg.Logs.Load(sessKey)
	if err != nil {
		o.publishLifecycle(runID, sessKey, map[string]any{"phase": string(eventbus.PhaseError), "error": err.Error()})
		return RunOutput{RunID: runID, SessionKey: sessKey}, fmt.Errorf("orchestrator: load session %s: %w", sessKey, err)
	}

	userText := in.Text
	if o.cfg.Skills != nil {
		if match, ok := o.cfg.Skills.Resolve(in.Text); ok {
			userText = skills.RewriteUserMessage(match)
		}
	}
	userMsg := message.NewUserText(userText, o.cfg.NowMs())
	if err := o.cfg.Logs.Append(sessKey, userMsg); err != nil {
		o.publishLifecycle(runID, sessKey, map[string]any{"phase": string(eventbus.PhaseError), "error": err.Error()})
		return RunOutput{RunID: runID, SessionKey: sessKey}, fmt.Errorf("orchestrator: append user message: %w", err)
	}
	working := append(history, userMsg)

	// Compact on entry if the loaded history plus the new turn already
	// exceeds budget, rather than waiting for the provider to
	// reject the first stream of the run.
	if window.EstimateTokens(working) > o.cfg.TokenBudget {
		compacted, cErr := window.Compact(ctx, o.cfg.Summarizer, working, o.cfg.TokenBudget, o.cfg.NowMs())
		if cErr != nil {
			o.publishLifecycle(runID, sessKey, map[string]any{"phase": string(eventbus.PhaseError), "error": cErr.Error()})
			return RunOutput{RunID: runID, SessionKey: sessKey}, fmt.Errorf("orchestrator: compact on entry: %w", cErr)
		}
		working = compacted
	}

	client, err := o.resolveProvider(in.Provider)
	if err != nil {
		o.publishLifecycle(runID, sessKey, map[string]any{"phase": string(eventbus.PhaseError), "error": err.Error()})
		return RunOutput{RunID: runID, SessionKey: sessKey}, err
	}

	loop := agentloop.New(agentloop.Config{
		Client:      client,
		Tools:       o.cfg.Tools,
		Bus:         o.cfg.Bus,
		Log:         o.cfg.Log,
		Metrics:     o.cfg.Metrics,
		Tracer:      o.cfg.Tracer,
		Summarizer:  o.cfg.Summarizer,
		TokenBudget: o.cfg.TokenBudget,
		MaxTurns:    o.cfg.MaxTurns,
		NowMs:       o.cfg.NowMs,
	})

	loopOut, runErr := loop.Run(ctx, agentloop.Input{
		RunID:        runID,
		SessionKey:   sessKey,
		SystemPrompt: o.buildSystemPrompt(ctx, in.Text),
		Tools:        o.toolDescriptors(),
		Messages:     working,
		Steering:     o.steeringFor(sessKey),
	})

	for _, m := range loopOut.Messages {
		if appendErr := o.cfg.Logs.Append(sessKey, m); appendErr != nil {
			o.cfg.Log.Error(ctx, "orchestrator: failed to persist message", "sessionKey", sessKey, "error", appendErr)
		}
	}

	o.recordRunMetrics(sessKey, loopOut.Turns)

	out := RunOutput{
		RunID:      runID,
		SessionKey: sessKey,
		Text:       loopOut.Text,
		Turns:      loopOut.Turns,
		ToolCalls:  loopOut.ToolCalls,
		Steered:    loopOut.Steered,
	}

	if runErr != nil {
		o.publishLifecycle(runID, sessKey, map[string]any{
			"phase": string(eventbus.PhaseError), "turns": loopOut.Turns, "toolCalls": loopOut.ToolCalls, "error": runErr.Error(),
		})
		return out, runErr
	}
	o.publishLifecycle(runID, sessKey, map[string]any{
		"phase": string(eventbus.PhaseEnd), "turns": loopOut.Turns, "toolCalls": loopOut.ToolCalls,
	})
	return out, nil
}

// recordRunMetrics increments the turn counter for a completed run and
// samples the global lane's queue depth as a gauge.
func (o *Orchestrator) recordRunMetrics(sessKey string, turns int) {
	o.cfg.Metrics.IncCounter("orchestrator.turns", float64(turns), "sessionKey", sessKey)
	if _, queued, ok := o.lanes.Snapshot(lane.GlobalLane); ok {
		o.cfg.Metrics.RecordGauge("orchestrator.lane_queue_depth", float64(queued), "lane", lane.GlobalLane)
	}
}

func (o *Orchestrator) resolveProvider(requested string) (model.Client, error) {
	name := requested
	if name == "" {
		name = o.cfg.DefaultProvider
	}
	client, ok := o.cfg.Models.Get(name)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown provider %q", name)
	}
	return client, nil
}

// buildSystemPrompt assembles the context section, the skills command
// fragment, and a memory-search fragment into the system prompt passed to
// the model for this turn.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context, userText string) string {
	var parts []string
	if o.cfg.SystemPromptBase != "" {
		parts = append(parts, o.cfg.SystemPromptBase)
	}
	if o.cfg.Skills != nil {
		if frag := o.cfg.Skills.PromptFragment(); frag != "" {
			parts = append(parts, frag)
		}
	}
	if o.cfg.Memory != nil {
		entries, err := o.cfg.Memory.Search(ctx, userText, memorySearchLimit)
		if err != nil {
			o.cfg.Log.Warn(ctx, "orchestrator: memory search failed", "error", err)
		} else if len(entries) > 0 {
			parts = append(parts, renderMemoryFragment(entries))
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderMemoryFragment(entries []memory.Entry) string {
	var b strings.Builder
	b.WriteString("<relevant_memories>\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "  <memory source=%q>%s</memory>\n", e.Source, xmlEscapeMemory(e.Content))
	}
	b.WriteString("</relevant_memories>")
	return b.String()
}

func xmlEscapeMemory(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// toolDescriptors converts the registry's descriptors to the model package's
// wire shape, filtering out anything the tool policy denies.
func (o *Orchestrator) toolDescriptors() []model.ToolDescriptor {
	descs := o.cfg.Tools.Descriptors()

	allowed := make(map[string]bool, len(descs))
	if o.cfg.ToolPolicy == nil {
		for _, d := range descs {
			allowed[d.Name] = true
		}
	} else {
		names := make([]string, len(descs))
		for i, d := range descs {
			names[i] = d.Name
		}
		for _, n := range o.cfg.ToolPolicy.Filter(names) {
			allowed[n] = true
		}
	}

	out := make([]model.ToolDescriptor, 0, len(descs))
	for _, d := range descs {
		if !allowed[d.Name] {
			continue
		}
		out = append(out, model.ToolDescriptor{Name: d.Name, Description: d.Description, Schema: toSchemaMap(d.Schema)})
	}
	return out
}

// toSchemaMap coerces a tool's declared schema (any shape JSON can represent)
// into the map[string]any model.ToolDescriptor requires.
func toSchemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func (o *Orchestrator) publishLifecycle(runID, sessKey string, data map[string]any) {
	if o.cfg.Bus == nil {
		return
	}
	data["sessionKey"] = sessKey
	o.cfg.Bus.Publish(runID, o.cfg.NowMs(), eventbus.StreamLifecycle, data)
}

func (o *Orchestrator) registerCancel(runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[runID] = cancel
}

func (o *Orchestrator) releaseCancel(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, runID)
}

// Abort signals a single run's cancellation handle. If runID is empty, every
// live run is signaled"). Returns false if runID was
// given but names no live run.
func (o *Orchestrator) Abort(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if runID == "" {
		for _, cancel := range o.cancels {
			cancel()
		}
		return true
	}
	cancel, ok := o.cancels[runID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// steeringQueue is a mutex-guarded FIFO of pending steering texts for one
// session, satisfying agentloop.SteeringQueue.
type steeringQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *steeringQueue) push(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, text)
}

func (q *steeringQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *steeringQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (o *Orchestrator) steeringFor(sessKey string) *steeringQueue {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.steering[sessKey]
	if !ok {
		q = &steeringQueue{}
		o.steering[sessKey] = q
	}
	return q
}

// Steer appends text to sessKey's pending steering queue.
// The agent loop drains and coalesces it (newline-joined) the next time it
// checks between tool calls.
func (o *Orchestrator) Steer(sessKey, text string) {
	o.steeringFor(sessKey).push(text)
}

// SpawnSubagent builds a child session key under parentAgentID, launches a
// nested run on it without blocking the caller, and — when the child
// completes — appends a truncated summary message to the parent session's
// log. Subagents cannot themselves spawn subagents;
// calling this with a session key that is itself a subagent key errors.
func (o *Orchestrator) SpawnSubagent(parentAgentID, parentSessionKey, task string) (string, error) {
	if sessionkey.IsSubagent(parentSessionKey) {
		return "", fmt.Errorf("orchestrator: subagents cannot spawn subagents (parent %s)", parentSessionKey)
	}

	childID := uuid.NewString()
	childKey := sessionkey.SubagentKey(parentAgentID, childID)

	go func() {
		out, err := o.Run(context.Background(), RunInput{
			AgentID: parentAgentID,
			Session: "subagent:" + childID,
			Text:    task,
		})

		summary := out.Text
		if err != nil {
			summary = fmt.Sprintf("subagent failed: %s", err.Error())
		}
		summary = truncateRunes(summary, subagentSummaryMaxChars)

		msg := message.NewUserText(fmt.Sprintf("[subagent summary]\n%s", summary), o.cfg.NowMs())
		if appendErr := o.cfg.Logs.Append(parentSessionKey, msg); appendErr != nil {
			o.cfg.Log.Error(context.Background(), "orchestrator: failed to write subagent summary",
				"parentSessionKey", parentSessionKey, "childSessionKey", childKey, "error", appendErr)
		}
	}()

	return childKey, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
