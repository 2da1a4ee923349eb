// Package bedrock implements model.Client on top of the AWS Bedrock Converse
// streaming API: split system vs. conversational messages, encode tool
// schemas into Bedrock's ToolConfiguration via the document package, and
// translate ConverseStream events back to model.Streamer's four event kinds.
package bedrock

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/openclaw/miniagent/internal/message"
	internalmodel "github.com/openclaw/miniagent/internal/model"
)

// RuntimeClient is the subset of *bedrockruntime.Client this adapter needs.
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Client implements model.Client against AWS Bedrock Converse.
type Client struct {
	rt      RuntimeClient
	modelID string
}

// New builds a Client from a RuntimeClient and a Bedrock model identifier
// (an inference profile or foundation model ARN/ID).
func New(rt RuntimeClient, modelID string) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("bedrock: model id is required")
	}
	return &Client{rt: rt, modelID: modelID}, nil
}

// Name identifies this provider.
func (c *Client) Name() string { return "bedrock" }

// Stream begins a Bedrock ConverseStream call and adapts it to model.Streamer.
func (c *Client) Stream(ctx context.Context, req internalmodel.Request) (internalmodel.Streamer, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.rt.ConverseStream(ctx, input)
	if err != nil {
		return nil, err
	}
	return newStreamer(ctx, out.GetStream()), nil
}

func (c *Client) buildInput(req internalmodel.Request) (*bedrockruntime.ConverseStreamInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	msgs := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := make([]brtypes.ContentBlock, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Kind {
			case message.BlockText:
				if b.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: b.Text})
				}
			case message.BlockToolUse:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: &b.ToolUseID,
					Name:      &b.ToolName,
					Input:     document.NewLazyDocument(b.Args),
				}})
			case message.BlockToolResult:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: &b.ToolResultFor,
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: b.Content},
					},
				}})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case message.RoleUser:
			role = brtypes.ConversationRoleUser
		case message.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		}
		msgs = append(msgs, brtypes.Message{Role: role, Content: blocks})
	}
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: no encodable messages")
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  &c.modelID,
		Messages: msgs,
	}
	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	cfg := &brtypes.InferenceConfiguration{}
	if req.Options.MaxTokens > 0 {
		mt := int32(req.Options.MaxTokens)
		cfg.MaxTokens = &mt
	}
	if req.Options.Temperature > 0 {
		t := float32(req.Options.Temperature)
		cfg.Temperature = &t
	}
	input.InferenceConfig = cfg

	if len(req.Tools) > 0 {
		tools := make([]brtypes.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			name, desc := t.Name, t.Description
			tools = append(tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        &name,
				Description: &desc,
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.Schema)},
			}})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}
	return input, nil
}
