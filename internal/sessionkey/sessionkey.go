// Package sessionkey canonicalizes agent and session identifiers into the
// `agent:<agentId>:<tail>` key that binds messages, lane, and memory to one
// conversation.
package sessionkey

import (
	"regexp"
	"strings"
)

var (
	validAgentID  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	invalidChar   = regexp.MustCompile(`[^a-z0-9_-]`)
	trimHyphens   = regexp.MustCompile(`^-+|-+$`)
)

// NormalizeAgentID lowercases x and replaces each character outside
// [a-z0-9_-] with a hyphen, then trims leading/trailing hyphens and
// truncates to 64 characters. If x reduces to the empty string, "agent" is
// returned. The result does not start or end with a hyphen; it can start
// with '_', which validAgentID rejects. Idempotent: NormalizeAgentID(x) ==
// NormalizeAgentID(NormalizeAgentID(x)).
func NormalizeAgentID(x string) string {
	lowered := strings.ToLower(x)
	if validAgentID.MatchString(lowered) {
		return lowered
	}
	replaced := invalidChar.ReplaceAllString(lowered, "-")
	replaced = trimHyphens.ReplaceAllString(replaced, "")
	if replaced == "" {
		return "agent"
	}
	if len(replaced) > 64 {
		replaced = replaced[:64]
	}
	replaced = trimHyphens.ReplaceAllString(replaced, "")
	if replaced == "" {
		return "agent"
	}
	return replaced
}

// Resolve builds the canonical session key for an agent id and a tail
// (typically a caller-provided session id, or "subagent:<uuid>"). Resolving
// an already-canonical key is idempotent: Resolve(agentID, tail) applied to
// its own output (by splitting it back apart) reproduces the same key.
func Resolve(agentID, tail string) string {
	return "agent:" + NormalizeAgentID(agentID) + ":" + tail
}

// Split decomposes a canonical session key into its agent id and tail. ok is
// false if key is not of the form "agent:<id>:<tail>".
func Split(key string) (agentID, tail string, ok bool) {
	if !strings.HasPrefix(key, "agent:") {
		return "", "", false
	}
	rest := key[len("agent:"):]
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// IsSubagent reports whether key's tail identifies a subagent run, i.e. the
// tail is of the form "subagent:<uuid>".
func IsSubagent(key string) bool {
	_, tail, ok := Split(key)
	if !ok {
		return false
	}
	return strings.HasPrefix(tail, "subagent:")
}

// SubagentKey builds the canonical key for a child run spawned from a parent
// agent id, keyed by a fresh identifier (typically a uuid).
func SubagentKey(agentID, childID string) string {
	return Resolve(agentID, "subagent:"+childID)
}
