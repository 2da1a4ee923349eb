// Package openai implements model.Client on top of the official
// github.com/openai/openai-go Chat Completions streaming API: messages
// flattened to text, tools encoded as function-call schemas, streaming
// events collapsed to model.Streamer's four event kinds.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/openclaw/miniagent/internal/message"
	internalmodel "github.com/openclaw/miniagent/internal/model"
)

// ChatClient is the subset of the OpenAI SDK this adapter needs.
type ChatClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) StreamSource
}

// StreamSource is the subset of *ssestream.Stream[ChatCompletionChunk] this
// adapter consumes.
type StreamSource interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// Client implements model.Client against OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
}

// New builds a Client from a ChatClient and default model identifier.
func New(chat ChatClient, defaultModel string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, model: defaultModel}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(sdkChatAdapter{&c.Chat.Completions}, defaultModel)
}

// Name identifies this provider.
func (c *Client) Name() string { return "openai" }

// Stream begins a streaming chat completion and adapts it to model.Streamer.
func (c *Client) Stream(ctx context.Context, req internalmodel.Request) (internalmodel.Streamer, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	return newStreamer(ctx, c.chat.NewStreaming(ctx, params)), nil
}

func (c *Client) buildParams(req internalmodel.Request) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		text := m.PlainText()
		if text == "" {
			continue
		}
		switch m.Role {
		case message.RoleUser:
			msgs = append(msgs, openai.UserMessage(text))
		case message.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(text))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: msgs,
	}
	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.Options.MaxTokens))
	}
	if req.Options.Temperature > 0 {
		params.Temperature = openai.Float(req.Options.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  t.Schema,
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

type sdkChatAdapter struct {
	svc *openai.ChatCompletionService
}

func (a sdkChatAdapter) NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) StreamSource {
	return a.svc.NewStreaming(ctx, body, opts...)
}
