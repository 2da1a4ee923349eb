// Package skills implements the skills resolver: layered directory
// discovery, frontmatter parsing, a sanitized command table, the
// model-visible XML fragment, and slash-command input resolution.
// Frontmatter is parsed with gopkg.in/yaml.v3; the markdown body is
// converted with github.com/yuin/goldmark at load time as a well-formedness
// check.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"
)

// Tier identifies which layered directory a skill was discovered in.
type Tier string

const (
	TierManaged   Tier = "managed"
	TierWorkspace Tier = "workspace"
)

// Entry is a loaded skill descriptor.
type Entry struct {
	Name                   string
	Description            string
	Path                   string
	Tier                   Tier
	UserInvocable          bool
	DisableModelInvocation bool
}

// Command is a sanitized, unique slash-command bound to a skill.
type Command struct {
	Name        string // sanitized command name
	SkillName   string // underlying skill name
	Description string // truncated to 100 chars with ellipsis
}

var (
	nonCommandChar = regexp.MustCompile(`[^a-z0-9_]+`)
	spacesUnders   = regexp.MustCompile(`[ _]+`)
)

// sanitizeCommandName lowercases name, collapses any run of characters
// outside [a-z0-9_] to a single underscore, and truncates to 32 chars.
func sanitizeCommandName(name string) string {
	lowered := strings.ToLower(name)
	sanitized := nonCommandChar.ReplaceAllString(lowered, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "skill"
	}
	if len(sanitized) > 32 {
		sanitized = sanitized[:32]
	}
	return sanitized
}

// truncateDescription truncates s to n runes, appending an ellipsis when
// truncated.
func truncateDescription(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Resolver holds the loaded skills for one session and the derived command
// table.
type Resolver struct {
	entries  map[string]Entry   // by skill name
	commands []Command          // stable order, matches load order
	byCmd    map[string]Command // lowercased command name -> command
}

// Load discovers skills across the two tiers in order — userHomeDir first
// (managed tier), then workspaceDir (workspace tier) — and builds the
// command table. A later tier's skill overrides an earlier one on name
// collision.
func Load(userHomeDir, workspaceDir string) (*Resolver, error) {
	managed, err := loadTier(filepath.Join(userHomeDir, ".mini-agent", "skills"), TierManaged)
	if err != nil {
		return nil, err
	}
	workspace, err := loadTier(filepath.Join(workspaceDir, "skills"), TierWorkspace)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]Entry, len(managed)+len(workspace))
	var order []string
	for _, e := range managed {
		entries[e.Name] = e
		order = append(order, e.Name)
	}
	for _, e := range workspace {
		if _, existed := entries[e.Name]; !existed {
			order = append(order, e.Name)
		}
		entries[e.Name] = e
	}

	r := &Resolver{entries: entries, byCmd: make(map[string]Command)}
	r.buildCommandTable(order)
	return r, nil
}

func (r *Resolver) buildCommandTable(order []string) {
	used := make(map[string]int)
	for _, name := range order {
		e := r.entries[name]
		if !e.UserInvocable {
			continue
		}
		base := sanitizeCommandName(e.Name)
		cmdName := base
		used[base]++
		if n := used[base]; n > 1 {
			cmdName = fmt.Sprintf("%s_%d", base, n)
		}
		cmd := Command{
			Name:        cmdName,
			SkillName:   e.Name,
			Description: truncateDescription(e.Description, 100),
		}
		r.commands = append(r.commands, cmd)
		r.byCmd[strings.ToLower(cmdName)] = cmd
	}
}

// Entries returns every loaded skill, sorted by name.
func (r *Resolver) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	seen := make(map[string]bool)
	// Preserve a deterministic order: sort by name, since map iteration
	// order on r.entries is not the load order once overridden.
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	sort.Strings(names)
	for _, n := range names {
		out = append(out, r.entries[n])
	}
	return out
}

// Commands returns the sanitized command table, in load order.
func (r *Resolver) Commands() []Command { return append([]Command{}, r.commands...) }

// PromptFragment renders the model-visible XML fragment listing every entry
// with DisableModelInvocation == false.
func (r *Resolver) PromptFragment() string {
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, e := range r.Entries() {
		if e.DisableModelInvocation {
			continue
		}
		fmt.Fprintf(&b, "  <skill><name>%s</name><description>%s</description><location>%s</location></skill>\n",
			xmlEscape(e.Name), xmlEscape(e.Description), xmlEscape(e.Path))
	}
	b.WriteString("</available_skills>")
	return b.String()
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// Match is a resolved slash-command dispatch.
type Match struct {
	SkillName string
	Args      string
}

var hyphenize = regexp.MustCompile(`[ _]+`)

// Resolve parses input against the command table:
//
//	/<cmd> [args]       — exact command name, then skill name, then
//	                       hyphen-normalized match, all case-insensitive
//	/skill <name> [args] — same lookup policy applied to <name>
//
// Returns ok=false if input does not start with '/' or no skill matches.
func (r *Resolver) Resolve(input string) (Match, bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return Match{}, false
	}
	body := strings.TrimPrefix(trimmed, "/")
	first, rest := splitFirstWord(body)

	if strings.EqualFold(first, "skill") {
		name, args := splitFirstWord(rest)
		if skillName, ok := r.lookup(name); ok {
			return Match{SkillName: skillName, Args: args}, true
		}
		return Match{}, false
	}

	if skillName, ok := r.lookup(first); ok {
		return Match{SkillName: skillName, Args: rest}, true
	}
	return Match{}, false
}

func splitFirstWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func (r *Resolver) lookup(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	lowered := strings.ToLower(name)
	if cmd, ok := r.byCmd[lowered]; ok {
		return cmd.SkillName, true
	}
	for skillName := range r.entries {
		if strings.EqualFold(skillName, name) {
			return skillName, true
		}
	}
	normalized := hyphenize.ReplaceAllString(lowered, "-")
	for skillName := range r.entries {
		if hyphenize.ReplaceAllString(strings.ToLower(skillName), "-") == normalized {
			return skillName, true
		}
	}
	return "", false
}

// RewriteUserMessage produces the orchestrator's rewritten user message for
// a resolved match.
func RewriteUserMessage(m Match) string {
	return fmt.Sprintf("Use the %q skill for this request.\n\nUser input:\n%s", m.SkillName, m.Args)
}

// loadTier walks one tier directory: top-level *.md
// files load directly; each immediate subdirectory loads its SKILL.md if
// present. Directories below that level are not searched. node_modules and
// dot-directories are skipped.
func loadTier(dir string, tier Tier) ([]Entry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, nil
	}

	var entries []Entry
	top, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("skills: readdir %s: %w", dir, err)
	}
	for _, d := range top {
		name := d.Name()
		if d.IsDir() {
			if name == "node_modules" || strings.HasPrefix(name, ".") {
				continue
			}
			sub := filepath.Join(dir, name)
			skillFile := filepath.Join(sub, "SKILL.md")
			if _, err := os.Stat(skillFile); err == nil {
				e, loadErr := loadSkillFile(skillFile, name, tier)
				if loadErr == nil {
					entries = append(entries, e)
				}
			}
			continue
		}
		if strings.HasSuffix(name, ".md") {
			base := strings.TrimSuffix(name, ".md")
			e, loadErr := loadSkillFile(filepath.Join(dir, name), base, tier)
			if loadErr == nil {
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

// loadSkillFile parses one skill file's frontmatter and validates its
// markdown body. A missing description rejects the file.
func loadSkillFile(path, defaultName string, tier Tier) (Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	fm, body := splitFrontmatter(string(raw))

	meta := struct {
		Name                   string `yaml:"name"`
		Description            string `yaml:"description"`
		UserInvocable          string `yaml:"user-invocable"`
		DisableModelInvocation string `yaml:"disable-model-invocation"`
	}{}
	if fm != "" {
		if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
			return Entry{}, fmt.Errorf("skills: parse frontmatter %s: %w", path, err)
		}
	}
	if meta.Description == "" {
		return Entry{}, fmt.Errorf("skills: %s has no description", path)
	}

	// Parsing (not rendering) the body validates it is well-formed markdown
	// before it is offered to the model's read tool on demand.
	var discard strings.Builder
	if err := goldmark.Convert([]byte(body), &discard); err != nil {
		return Entry{}, fmt.Errorf("skills: invalid markdown body %s: %w", path, err)
	}

	name := meta.Name
	if name == "" {
		name = defaultName
	}
	return Entry{
		Name:                   name,
		Description:            meta.Description,
		Path:                   path,
		Tier:                   tier,
		UserInvocable:          parseBoolDefault(meta.UserInvocable, true),
		DisableModelInvocation: parseBoolDefault(meta.DisableModelInvocation, false),
	}, nil
}

func parseBoolDefault(s string, def bool) bool {
	s = strings.TrimSpace(strings.Trim(s, `"'`))
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// splitFrontmatter separates an optional leading "---\n...\n---\n" block
// from the remaining markdown body.
func splitFrontmatter(content string) (frontmatter, body string) {
	const delim = "---"
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return "", content
	}
	rest := strings.TrimPrefix(trimmed, delim)
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return "", content
	}
	fm := rest[:end]
	afterDelim := rest[end+len("\n"+delim):]
	afterDelim = strings.TrimPrefix(afterDelim, "\n")
	return fm, afterDelim
}
