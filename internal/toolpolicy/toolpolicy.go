// Package toolpolicy implements the allow/deny glob filter over tool names
// and policy merging, matching tool names against glob patterns rather
// than a literal list.
package toolpolicy

import "path"

// Policy is an allow/deny glob filter over tool names. An empty AllowList
// allows everything not denied; DenyList always takes precedence.
type Policy struct {
	AllowList []string
	DenyList  []string

	// sub, when set by Merge, is a second policy a name must also satisfy.
	// Kept unexported since it only exists to let two restrictive
	// allow-lists compose as an intersection without flattening globs.
	sub *Policy
}

// Allow reports whether name passes this policy: not matched by any deny
// glob, and — when AllowList is non-empty — matched by at least one allow
// glob. If this policy was built by Merge, name must also satisfy the
// merged-in policy.
func (p *Policy) Allow(name string) bool {
	if p == nil {
		return true
	}
	for _, pat := range p.DenyList {
		if matches(pat, name) {
			return false
		}
	}
	if len(p.AllowList) > 0 {
		allowed := false
		for _, pat := range p.AllowList {
			if matches(pat, name) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return p.sub.Allow(name)
}

// Filter returns the subset of names this policy allows, preserving order.
func (p *Policy) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if p.Allow(n) {
			out = append(out, n)
		}
	}
	return out
}

// Merge combines two policies into one whose Allow reports true only when
// both a and b would allow the name: deny-lists union, allow-lists
// intersect (a name must match an allow glob in each list that is
// non-empty).
func Merge(a, b *Policy) *Policy {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &Policy{
		AllowList: a.AllowList,
		DenyList:  append(append([]string{}, a.DenyList...), b.DenyList...),
		sub:       b,
	}
}

func matches(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
