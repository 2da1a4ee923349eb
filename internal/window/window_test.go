package window

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/miniagent/internal/message"
)

func TestEstimateTokens_SumsAcrossMessages(t *testing.T) {
	msgs := []message.Message{
		message.NewUserText("12345678", 0),
		message.NewAssistantText("1234", 0),
	}
	assert.Equal(t, 3, EstimateTokens(msgs))
}

func TestPrune_NoopWhenUnderBudget(t *testing.T) {
	msgs := []message.Message{message.NewUserText("hi", 0)}
	retained, dropped := Prune(msgs, 1000)
	assert.Equal(t, msgs, retained)
	assert.Nil(t, dropped)
}

func TestPrune_DropsOldestFirst(t *testing.T) {
	msgs := []message.Message{
		message.NewUserText("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 1),
		message.NewUserText("bbbb", 2),
		message.NewUserText("cccc", 3),
	}
	retained, dropped := Prune(msgs, 2)
	require.Len(t, dropped, 1)
	assert.Equal(t, int64(1), dropped[0].TimestampMs)
	assert.Equal(t, []int64{2, 3}, timestamps(retained))
}

func TestPrune_KeepsToolUseAndResultPairedTogether(t *testing.T) {
	toolUse := message.Message{Role: message.RoleAssistant, Blocks: []message.ContentBlock{
		message.ToolUse("call-1", "fs_read", nil),
	}, TimestampMs: 1}
	toolResult := message.Message{Role: message.RoleUser, Blocks: []message.ContentBlock{
		message.ToolResult("call-1", "fs_read", "contents"),
	}, TimestampMs: 2}
	trailing := message.NewUserText("x", 3)

	msgs := []message.Message{toolUse, toolResult, trailing}
	// Budget small enough that a naive cut would split the pair, but large
	// enough to fit the trailing message alone.
	retained, dropped := Prune(msgs, EstimateTokens([]message.Message{trailing}))

	assert.True(t, selfContained(retained), "retained set must not reference a missing tool_use")
	for _, d := range dropped {
		for _, id := range d.ToolUseIDs() {
			for _, r := range retained {
				for _, rid := range r.ToolResultIDs() {
					assert.NotEqual(t, id, rid, "tool_use dropped but its tool_result retained")
				}
			}
		}
	}
}

// TestPrune_KeepsToolUseAndResultPairedTogetherProperty generalizes
// TestPrune_KeepsToolUseAndResultPairedTogether from one fixed pair and
// budget to an arbitrary number of tool_use/tool_result pairs pruned at an
// arbitrary budget: the retained suffix must never reference a tool_result
// whose tool_use was cut away.
func TestPrune_KeepsToolUseAndResultPairedTogetherProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("Prune never splits a tool_use/tool_result pair", prop.ForAll(
		func(pairCount, budget int) bool {
			var msgs []message.Message
			ts := int64(0)
			for i := 0; i < pairCount; i++ {
				id := "call-" + strconv.Itoa(i)
				msgs = append(msgs,
					message.Message{Role: message.RoleAssistant, Blocks: []message.ContentBlock{
						message.ToolUse(id, "fs_read", nil),
					}, TimestampMs: ts},
				)
				ts++
				msgs = append(msgs,
					message.Message{Role: message.RoleUser, Blocks: []message.ContentBlock{
						message.ToolResult(id, "fs_read", "contents"),
					}, TimestampMs: ts},
				)
				ts++
			}
			msgs = append(msgs, message.NewUserText("trailing", ts))

			retained, _ := Prune(msgs, budget)
			return selfContained(retained)
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestPrune_NegativeBudgetTreatedAsZero(t *testing.T) {
	msgs := []message.Message{message.NewUserText("hi", 0)}
	assert.NotPanics(t, func() {
		Prune(msgs, -5)
	})
}

func TestPrune_ImpossiblySmallBudgetNeverPanics(t *testing.T) {
	msgs := []message.Message{
		message.NewUserText("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 1),
		message.NewUserText("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 2),
	}
	assert.NotPanics(t, func() {
		retained, _ := Prune(msgs, 0)
		assert.True(t, selfContained(retained))
	})
}

type fakeSummarizer struct {
	summary string
	err     error
	called  bool
}

func (f *fakeSummarizer) Summarize(ctx context.Context, dropped []message.Message) (string, error) {
	f.called = true
	return f.summary, f.err
}

func TestCompact_NoSummaryNeededWhenNothingDropped(t *testing.T) {
	msgs := []message.Message{message.NewUserText("hi", 0)}
	summ := &fakeSummarizer{summary: "should not be used"}
	out, err := Compact(context.Background(), summ, msgs, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
	assert.False(t, summ.called)
}

func TestCompact_PrependsSummaryWhenPruningDrops(t *testing.T) {
	msgs := []message.Message{
		message.NewUserText("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 1),
		message.NewUserText("bbbb", 2),
	}
	summ := &fakeSummarizer{summary: "summary of the dropped prefix"}
	out, err := Compact(context.Background(), summ, msgs, 1, 999)
	require.NoError(t, err)
	require.True(t, summ.called)
	require.Len(t, out, 2)
	assert.Equal(t, message.RoleUser, out[0].Role)
	assert.Equal(t, "summary of the dropped prefix", out[0].PlainText())
	assert.Equal(t, int64(999), out[0].TimestampMs)
}

func TestCompact_EmptySummaryAddsNoSyntheticMessage(t *testing.T) {
	msgs := []message.Message{
		message.NewUserText("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 1),
		message.NewUserText("bbbb", 2),
	}
	summ := &fakeSummarizer{summary: ""}
	out, err := Compact(context.Background(), summ, msgs, 1, 999)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, timestamps(out))
}

func TestCompact_SummarizerErrorPropagates(t *testing.T) {
	msgs := []message.Message{
		message.NewUserText("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 1),
		message.NewUserText("bbbb", 2),
	}
	summ := &fakeSummarizer{err: errors.New("provider down")}
	_, err := Compact(context.Background(), summ, msgs, 1, 999)
	assert.Error(t, err)
}

func TestCompact_NilSummarizerJustPrunes(t *testing.T) {
	msgs := []message.Message{
		message.NewUserText("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 1),
		message.NewUserText("bbbb", 2),
	}
	out, err := Compact(context.Background(), nil, msgs, 1, 999)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, timestamps(out))
}

func TestSummarizerSystemPrompt_IsNonEmpty(t *testing.T) {
	assert.NotEmpty(t, SummarizerSystemPrompt())
}

func timestamps(msgs []message.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.TimestampMs
	}
	return out
}
