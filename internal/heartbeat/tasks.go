package heartbeat

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	gast "github.com/yuin/goldmark/ast"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/openclaw/miniagent/internal/mdparse"
)

// Task is one parsed heartbeat task-list item.
type Task struct {
	Line      int // 1-based
	Text      string
	Completed bool
}

// ParseTasks reads path and parses its markdown task list against
// goldmark's AST (via the GFM task-list extension): `- [ ] …` / `- [x] …`
// (completion from the checkbox, case-insensitive), other `- …` list items
// treated as incomplete, only each item's first source line is kept (a lazy
// paragraph continuation on the following line is not part of the task
// text), headings and non-list paragraphs are never visited, 1-based line
// numbers taken from the item's source offset.
func ParseTasks(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	doc := mdparse.Parse(data)

	var tasks []Task
	_ = gast.Walk(doc, func(n gast.Node, entering bool) (gast.WalkStatus, error) {
		if !entering {
			return gast.WalkContinue, nil
		}
		item, ok := n.(*gast.ListItem)
		if !ok {
			return gast.WalkContinue, nil
		}
		block := item.FirstChild()
		if block == nil {
			return gast.WalkContinue, nil
		}

		completed := false
		var buf bytes.Buffer
		var lines *text.Segments
		if block.Type() == gast.TypeBlock {
			lines = block.Lines()
		}
		for c := block.FirstChild(); c != nil; c = c.NextSibling() {
			if box, ok := c.(*east.TaskCheckBox); ok {
				completed = box.IsChecked
				continue
			}
			t, ok := c.(*gast.Text)
			if !ok {
				continue
			}
			buf.Write(t.Segment.Value(data))
			if t.SoftLineBreak() || t.HardLineBreak() {
				break
			}
		}

		lineNo := 1
		if lines != nil && lines.Len() > 0 {
			lineNo = lineNumber(data, lines.At(0).Start)
		}

		if s := strings.TrimSpace(buf.String()); s != "" {
			tasks = append(tasks, Task{Line: lineNo, Text: s, Completed: completed})
		}
		return gast.WalkContinue, nil
	})
	return tasks, nil
}

// lineNumber converts a byte offset into source into a 1-based line number.
func lineNumber(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	return 1 + bytes.Count(source[:offset], []byte("\n"))
}

// PendingTasks filters tasks down to incomplete ones.
func PendingTasks(tasks []Task) []Task {
	var out []Task
	for _, t := range tasks {
		if !t.Completed {
			out = append(out, t)
		}
	}
	return out
}

// MarkComplete replaces the first "[ ]" on the given 1-based line of path
// with "[x]". Returns an error if the line doesn't exist or carries
// no incomplete checkbox.
func MarkComplete(path string, line int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	idx := line - 1
	if idx < 0 || idx >= len(lines) {
		return &lineNotFoundError{path: path, line: line}
	}
	replaced := strings.Replace(lines[idx], "[ ]", "[x]", 1)
	if replaced == lines[idx] {
		return &lineNotFoundError{path: path, line: line}
	}
	lines[idx] = replaced
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

type lineNotFoundError struct {
	path string
	line int
}

func (e *lineNotFoundError) Error() string {
	return "heartbeat: no incomplete checkbox at " + e.path + ":" + strconv.Itoa(e.line)
}
