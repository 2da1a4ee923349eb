// Package message defines the role-tagged conversational record shared by
// the session log, the agent loop, and the pruner/compactor, using a
// tagged-variant content block in place of a dynamically-typed content bag.
package message

import "encoding/json"

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind discriminates ContentBlock's tagged variants.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is a tagged union: exactly the fields for Kind are populated.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// Text holds the block's string payload when Kind == BlockText.
	Text string `json:"text,omitempty"`

	// ToolUseID, ToolName, and Args are populated when Kind == BlockToolUse.
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`

	// ToolResultFor carries the tool_use id this block answers, and Content
	// its string payload, when Kind == BlockToolResult.
	ToolResultFor string `json:"tool_result_for,omitempty"`
	Content       string `json:"content,omitempty"`
}

// Text constructs a text content block.
func Text(s string) ContentBlock { return ContentBlock{Kind: BlockText, Text: s} }

// ToolUse constructs a tool_use content block.
func ToolUse(id, name string, args map[string]any) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, Args: args}
}

// ToolResult constructs a tool_result content block answering toolUseID.
func ToolResult(toolUseID, toolName, content string) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultFor: toolUseID, ToolName: toolName, Content: content}
}

// Message is a role-tagged conversational record with a millisecond
// timestamp. Messages are immutable once appended to a session log.
type Message struct {
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	TimestampMs int64        `json:"ts"`
}

// NewUserText constructs a plain-text user message.
func NewUserText(text string, tsMs int64) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{Text(text)}, TimestampMs: tsMs}
}

// NewAssistantText constructs a plain-text assistant message.
func NewAssistantText(text string, tsMs int64) Message {
	return Message{Role: RoleAssistant, Blocks: []ContentBlock{Text(text)}, TimestampMs: tsMs}
}

// PlainText concatenates every text block's content; non-text blocks are
// ignored. Useful for token estimation and for rendering a terse transcript.
func (m Message) PlainText() string {
	out := ""
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUseIDs returns every tool_use id emitted by this message, in order.
func (m Message) ToolUseIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// ToolResultIDs returns the tool_use id each tool_result block in this
// message answers, in order.
func (m Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			ids = append(ids, b.ToolResultFor)
		}
	}
	return ids
}

// EstimateTokens applies a coarse estimate: four characters per
// token, summed over the string form of every block.
func (m Message) EstimateTokens() int {
	chars := 0
	for _, b := range m.Blocks {
		switch b.Kind {
		case BlockText:
			chars += len(b.Text)
		case BlockToolUse:
			chars += len(b.ToolName) + len(b.ToolUseID)
			if encoded, err := json.Marshal(b.Args); err == nil {
				chars += len(encoded)
			}
		case BlockToolResult:
			chars += len(b.Content) + len(b.ToolName) + len(b.ToolResultFor)
		}
	}
	return (chars + 3) / 4
}
