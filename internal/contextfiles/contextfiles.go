// Package contextfiles loads the workspace/user-home context markdown files
// — AGENT.md, HEARTBEAT.md, CONTEXT.md — concatenated into the system
// prompt's context section, user-home tier consulted first and overridden
// by the workspace tier, the same two-tier discovery internal/skills uses.
package contextfiles

import (
	"os"
	"path/filepath"
	"strings"

	gast "github.com/yuin/goldmark/ast"

	"github.com/openclaw/miniagent/internal/mdparse"
)

// Names are the recognized context file basenames, in the order they are
// concatenated.
var Names = []string{"AGENT.md", "HEARTBEAT.md", "CONTEXT.md"}

// Section is one loaded context file.
type Section struct {
	Name string // e.g. "AGENT.md"
	Path string // absolute path actually read
	Body string
}

// Load reads each of Names from, in priority order, workspaceDir, then
// workspaceDir/.mini-agent, then userHomeDir, then userHomeDir/.mini-agent
// — the first existing path for a given name wins, applying the
// "workspace overrides userHome" rule per file rather than per tier, since a
// workspace may supply only some of the three files.
func Load(userHomeDir, workspaceDir string) ([]Section, error) {
	candidateDirs := []string{
		workspaceDir,
		filepath.Join(workspaceDir, ".mini-agent"),
		userHomeDir,
		filepath.Join(userHomeDir, ".mini-agent"),
	}

	var sections []Section
	for _, name := range Names {
		for _, dir := range candidateDirs {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			sections = append(sections, Section{Name: name, Path: path, Body: string(data)})
			break
		}
	}
	return sections, nil
}

// Concat joins sections into the system prompt's context section: each
// section's body trimmed to its markdown content span (leading/trailing
// blank lines, and anything goldmark doesn't attach to a block node, such
// as a trailing HTML comment, dropped) and separated by a blank line.
// Returns "" if sections is empty.
func Concat(sections []Section) string {
	var parts []string
	for _, s := range sections {
		body := trimToContent(s.Body)
		if body == "" {
			continue
		}
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n\n")
}

// trimToContent parses body against goldmark's AST and returns the raw
// source spanning the first byte of its first block node through the last
// byte of its last block node. A body with no block nodes (blank, or only
// content goldmark treats as non-block) falls back to a plain
// strings.TrimSpace.
func trimToContent(body string) string {
	source := []byte(body)
	doc := mdparse.Parse(source)

	start, stop, found := -1, -1, false
	_ = gast.Walk(doc, func(n gast.Node, entering bool) (gast.WalkStatus, error) {
		if !entering {
			return gast.WalkContinue, nil
		}
		if n.Type() != gast.TypeBlock {
			return gast.WalkContinue, nil
		}
		lines := n.Lines()
		if lines == nil || lines.Len() == 0 {
			return gast.WalkContinue, nil
		}
		if s := lines.At(0).Start; !found || s < start {
			start = s
		}
		if e := lines.At(lines.Len() - 1).Stop; e > stop {
			stop = e
		}
		found = true
		return gast.WalkContinue, nil
	})

	if !found {
		return strings.TrimSpace(body)
	}
	return strings.TrimRight(string(source[start:stop]), "\n\r\t ")
}
