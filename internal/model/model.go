package model

import (
	"context"

	"github.com/openclaw/miniagent/internal/message"
)

// ToolDescriptor advertises one callable tool to the provider: its name,
// human description, and the JSON schema its arguments must satisfy.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Options configures a single streaming call.
type Options struct {
	MaxTokens   int
	Temperature float64
	APIKey      string
}

// Request is the provider stream contract's input: a system prompt, the
// working message list, the tools available this turn, and call options.
type Request struct {
	SystemPrompt string
	Messages     []message.Message
	Tools        []ToolDescriptor
	Options      Options
}

// EventKind discriminates the four stream event kinds the contract
// specifies: incremental text delta, text completion, tool-call start, and
// tool-call end.
type EventKind string

const (
	EventTextDelta    EventKind = "text_delta"
	EventTextEnd      EventKind = "text_end"
	EventToolCallStart EventKind = "toolcall_start"
	EventToolCallEnd   EventKind = "toolcall_end"
)

// ToolCall is the accumulated argument set of one tool invocation requested
// by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Event is one item from a provider stream.
type Event struct {
	Kind EventKind

	// Delta holds incremental text when Kind == EventTextDelta.
	Delta string

	// Content holds the accumulated turn text when Kind == EventTextEnd.
	Content string

	// ToolCallID/ToolCallName identify the call when Kind is a toolcall_*
	// event; for EventToolCallStart the name may still be empty until more
	// of the stream arrives.
	ToolCallID   string
	ToolCallName string

	// ToolCall is fully populated only for EventToolCallEnd.
	ToolCall ToolCall
}

// Streamer iterates a provider's response events and exposes the terminal
// settle signal. Callers Recv in a loop until io.EOF, which is the
// authoritative completion signal; Metadata is consulted afterward only for
// supplementary usage information.
type Streamer interface {
	// Recv returns the next event, or io.EOF when the stream has settled.
	Recv() (Event, error)

	// Metadata returns supplementary information available only once the
	// stream has settled (e.g. token usage); nil before then.
	Metadata() map[string]any

	// Close releases resources. Safe to call multiple times.
	Close() error
}

// Client is a registered model provider capable of streaming a turn.
type Client interface {
	// Name identifies the provider for logging and error classification
	// (e.g. "anthropic", "openai", "bedrock").
	Name() string

	// Stream begins a streaming call under ctx; ctx cancellation must cause
	// in-flight Recv calls to return promptly with ctx.Err() (or an error
	// classifying as cancelled).
	Stream(ctx context.Context, req Request) (Streamer, error)
}

// Registry holds the set of providers an orchestrator may select from.
type Registry struct {
	clients map[string]Client
	def     string
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds client under its own Name(). The first registered client
// becomes the default.
func (r *Registry) Register(c Client) {
	r.clients[c.Name()] = c
	if r.def == "" {
		r.def = c.Name()
	}
}

// SetDefault changes which provider Get("") resolves to.
func (r *Registry) SetDefault(name string) { r.def = name }

// Get resolves a provider by name; an empty name resolves to the default.
// ok is false if no such provider was registered.
func (r *Registry) Get(name string) (Client, bool) {
	if name == "" {
		name = r.def
	}
	c, ok := r.clients[name]
	return c, ok
}
