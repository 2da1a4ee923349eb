// Package anthropic implements model.Client on top of the Anthropic Claude
// Messages streaming API, translating its richer event set down to
// model.Streamer's four event kinds (text_delta/text_end/toolcall_start/
// toolcall_end).
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openclaw/miniagent/internal/message"
	"github.com/openclaw/miniagent/internal/model"
)

// MessagesClient is the subset of the Anthropic SDK this adapter needs,
// satisfied by *sdk.MessageService in production and a fake in tests.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) StreamSource
}

// Client implements model.Client against the Anthropic Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
}

// New builds a Client from a MessagesClient and a default model identifier.
func New(msg MessagesClient, defaultModel string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{msg: msg, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the Anthropic SDK's default HTTP
// client, the form the CLI uses when reading ANTHROPIC_API_KEY from the
// environment.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(sdkMessagesAdapter{&ac.Messages}, defaultModel)
}

// Name identifies this provider for logging and classification.
func (c *Client) Name() string { return "anthropic" }

// Stream begins a streaming Messages call and adapts it to model.Streamer.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	return newStreamer(ctx, stream), nil
}

func (c *Client) buildParams(req model.Request) (sdk.MessageNewParams, error) {
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.defaultModel),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Options.Temperature > 0 {
		params.Temperature = sdk.Float(req.Options.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, err := toInputSchema(t.Schema)
			if err != nil {
				return sdk.MessageNewParams{}, fmt.Errorf("anthropic: tool %q schema: %w", t.Name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, t.Name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, nil
}

func toInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}, nil
}

func encodeMessages(msgs []message.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Kind {
			case message.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case message.BlockToolUse:
				blocks = append(blocks, sdk.NewToolUseBlock(b.ToolUseID, b.Args, b.ToolName))
			case message.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolResultFor, b.Content, false))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case message.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case message.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

// sdkMessagesAdapter adapts *sdk.MessageService to MessagesClient, erasing
// the concrete ssestream.Stream type behind StreamSource.
type sdkMessagesAdapter struct {
	svc *sdk.MessageService
}

func (a sdkMessagesAdapter) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) StreamSource {
	return a.svc.NewStreaming(ctx, body, opts...)
}

// StreamSource is the subset of *ssestream.Stream[sdk.MessageStreamEventUnion]
// this adapter consumes, so tests can supply a fake event sequence.
type StreamSource interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}
