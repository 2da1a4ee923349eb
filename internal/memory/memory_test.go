package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONStore_AppendThenAllRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory", "index.json")
	store := NewJSONStore(path)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, Entry{ID: "1", Content: "deploy runbook", Source: SourceUser, CreatedAtMs: 1000}))
	require.NoError(t, store.Append(ctx, Entry{ID: "2", Content: "coffee preference", Source: SourceAgent, CreatedAtMs: 2000}))

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1", all[0].ID)
	assert.Equal(t, "2", all[1].ID)
}

func TestJSONStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory", "index.json")
	ctx := context.Background()

	require.NoError(t, NewJSONStore(path).Append(ctx, Entry{ID: "1", Content: "x", CreatedAtMs: 1}))

	reloaded := NewJSONStore(path)
	all, err := reloaded.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "1", all[0].ID)
}

func TestJSONStore_MissingFileReturnsEmpty(t *testing.T) {
	store := NewJSONStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScore_KeywordMatchRanksAboveNoMatch(t *testing.T) {
	now := int64(1_000_000)
	match := Entry{Content: "deploy the service to staging", CreatedAtMs: now}
	noMatch := Entry{Content: "unrelated note about coffee", CreatedAtMs: now}

	assert.Greater(t, Score(match, "deploy staging", now), Score(noMatch, "deploy staging", now))
}

func TestScore_RecencyBreaksTieOnEqualKeywordOverlap(t *testing.T) {
	older := Entry{Content: "deploy notes", CreatedAtMs: 0}
	newer := Entry{Content: "deploy notes", CreatedAtMs: 1_000_000}

	assert.Greater(t, Score(newer, "deploy", 1_000_000), Score(older, "deploy", 1_000_000))
}

func TestRankForSearch_OrdersDescendingAndTruncates(t *testing.T) {
	entries := []Entry{
		{ID: "stale", Content: "deploy", CreatedAtMs: 0},
		{ID: "fresh", Content: "deploy", CreatedAtMs: 5000},
		{ID: "irrelevant", Content: "nothing related", CreatedAtMs: 5000},
	}
	ranked := RankForSearch(entries, "deploy", 1)
	require.Len(t, ranked, 1)
	assert.Equal(t, "fresh", ranked[0].ID)
}
