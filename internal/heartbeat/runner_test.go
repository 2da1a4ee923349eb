package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTaskFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunner_SkipsWhenNoPendingTasks(t *testing.T) {
	path := writeTaskFile(t, "- [x] done already\n")
	r := NewRunner(Config{TaskFilePath: path, IntervalMs: 1000})

	result, err := r.runOnce(context.Background(), Request{Reason: ReasonRequested})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "no-pending-tasks", result.Reason)
}

func TestRunner_ExecReasonRunsEvenWithNoPendingTasks(t *testing.T) {
	path := writeTaskFile(t, "- [x] done already\n")
	var called int32
	r := NewRunner(Config{TaskFilePath: path, IntervalMs: 1000})
	r.AddHandler(func(ctx context.Context, pending []Task, req Request) (string, error) {
		atomic.AddInt32(&called, 1)
		return "ran", nil
	})

	result, err := r.runOnce(context.Background(), Request{Reason: ReasonExec})
	require.NoError(t, err)
	assert.Equal(t, StatusRan, result.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&called))
}

func TestRunner_DispatchesPendingTasksToHandlers(t *testing.T) {
	path := writeTaskFile(t, "- [ ] ship the release\n")
	var gotPending []Task
	r := NewRunner(Config{TaskFilePath: path, IntervalMs: 1000})
	r.AddHandler(func(ctx context.Context, pending []Task, req Request) (string, error) {
		gotPending = pending
		return "done: ship the release", nil
	})

	result, err := r.runOnce(context.Background(), Request{Reason: ReasonInterval})
	require.NoError(t, err)
	assert.Equal(t, StatusRan, result.Status)
	require.Len(t, gotPending, 1)
	assert.Equal(t, "ship the release", gotPending[0].Text)
}

func TestRunner_DuplicateTextWithinWindowIsSuppressed(t *testing.T) {
	path := writeTaskFile(t, "- [ ] recurring task\n")
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	r := NewRunner(Config{
		TaskFilePath:    path,
		IntervalMs:      1000,
		DuplicateWindow: time.Hour,
		Now:             func() time.Time { return now },
	})
	r.AddHandler(func(ctx context.Context, pending []Task, req Request) (string, error) {
		return "same text every time", nil
	})

	first, err := r.runOnce(context.Background(), Request{Reason: ReasonInterval})
	require.NoError(t, err)
	assert.Equal(t, StatusRan, first.Status)

	now = now.Add(10 * time.Minute)
	second, err := r.runOnce(context.Background(), Request{Reason: ReasonInterval})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, "duplicate-text", second.Reason)
}

func TestRunner_DuplicateTextOutsideWindowIsForwardedAgain(t *testing.T) {
	path := writeTaskFile(t, "- [ ] recurring task\n")
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	r := NewRunner(Config{
		TaskFilePath:    path,
		IntervalMs:      1000,
		DuplicateWindow: time.Hour,
		Now:             func() time.Time { return now },
	})
	r.AddHandler(func(ctx context.Context, pending []Task, req Request) (string, error) {
		return "same text every time", nil
	})

	_, err := r.runOnce(context.Background(), Request{Reason: ReasonInterval})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	second, err := r.runOnce(context.Background(), Request{Reason: ReasonInterval})
	require.NoError(t, err)
	assert.Equal(t, StatusRan, second.Status)
}

func TestActiveHours_WrapsPastMidnight(t *testing.T) {
	wrapping := ActiveHours{StartMinute: 22 * 60, EndMinute: 6 * 60}
	assert.True(t, wrapping.contains(23*60))
	assert.True(t, wrapping.contains(1*60))
	assert.False(t, wrapping.contains(12*60))
}

func TestRunner_OutsideActiveHoursSkipsWithoutUpdatingLastRunAt(t *testing.T) {
	path := writeTaskFile(t, "- [ ] task\n")
	noon := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRunner(Config{
		TaskFilePath: path,
		IntervalMs:   1000,
		ActiveHours:  &ActiveHours{StartMinute: 22 * 60, EndMinute: 6 * 60},
		Now:          func() time.Time { return noon },
	})

	result, err := r.runOnce(context.Background(), Request{Reason: ReasonInterval})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "outside-active-hours", result.Reason)
	assert.True(t, r.lastRunAt.IsZero())
}
