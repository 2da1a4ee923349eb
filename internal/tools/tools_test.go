package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	schema map[string]any
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its message argument" }
func (e *echoTool) Schema() any         { return e.schema }
func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	msg, _ := args["message"].(string)
	return "echo: " + msg, nil
}

func schemaRequiringMessage() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"message"},
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
	}
}

func TestRegistry_InvokeSucceedsWithValidArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{schema: schemaRequiringMessage()}))

	out, err := r.Invoke(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)
}

func TestRegistry_InvokeUnknownToolErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestRegistry_InvokeRejectsInvalidArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{schema: schemaRequiringMessage()}))

	_, err := r.Invoke(context.Background(), "echo", map[string]any{})
	assert.Error(t, err)
}

func TestRegistry_NoSchemaSkipsValidation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{schema: nil}))

	out, err := r.Invoke(context.Background(), "echo", map[string]any{"message": "anything"})
	require.NoError(t, err)
	assert.Equal(t, "echo: anything", out)
}

func TestRegistry_DescriptorsSortedByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{schema: schemaRequiringMessage()}))

	descs := r.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "echo", descs[0].Name)
	assert.Equal(t, "echoes its message argument", descs[0].Description)
}
