package heartbeat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTasks = `# Today

- [ ] write report
- [x] send invoice
- free-form bullet
not a list item

## later
- [X] already done, capital X
`

func TestParseTasks_ChecksHeadingsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleTasks), 0o644))

	tasks, err := ParseTasks(path)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	assert.Equal(t, "write report", tasks[0].Text)
	assert.False(t, tasks[0].Completed)
	assert.Equal(t, 3, tasks[0].Line)

	assert.Equal(t, "send invoice", tasks[1].Text)
	assert.True(t, tasks[1].Completed)

	assert.Equal(t, "free-form bullet", tasks[2].Text)
	assert.False(t, tasks[2].Completed)

	assert.Equal(t, "already done, capital X", tasks[3].Text)
	assert.True(t, tasks[3].Completed, "capital X marks completion case-insensitively")
}

func TestParseTasks_MissingFileReturnsEmpty(t *testing.T) {
	tasks, err := ParseTasks(filepath.Join(t.TempDir(), "nope.md"))
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestPendingTasks_FiltersCompleted(t *testing.T) {
	tasks := []Task{{Text: "a", Completed: false}, {Text: "b", Completed: true}}
	pending := PendingTasks(tasks)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].Text)
}

func TestMarkComplete_ReplacesFirstUncheckedBox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] write report\n- [ ] ship it\n"), 0o644))

	require.NoError(t, MarkComplete(path, 1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "- [x] write report\n- [ ] ship it\n", string(data))
}

func TestMarkComplete_MissingLineErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] only line\n"), 0o644))

	err := MarkComplete(path, 99)
	assert.Error(t, err)
}
