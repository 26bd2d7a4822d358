package target

import (
	"strings"

	"github.com/fleetwright/drover/internal/log"
)

// nodegroupPrefix marks a token that references another named group.
const nodegroupPrefix = "N@"

// emptyMatchToken is an expression matching no minion: spliced in when a
// nodegroup expansion fails, so the surrounding compound expression stays
// well-formed while contributing nothing.
const emptyMatchToken = "E@\\b"

// ExpandNodegroup rewrites the named group into primitive compound tokens,
// recursively resolving nested N@ references. A group referencing itself
// anywhere in its own expansion chain is a configuration error and resolves
// to a match-nothing token rather than looping.
func ExpandNodegroup(name string, groups map[string][]string) []string {
	return expandNodegroup(name, groups, map[string]struct{}{})
}

func expandNodegroup(name string, groups map[string][]string, skip map[string]struct{}) []string {
	if _, cycling := skip[name]; cycling {
		log.Warn("nodegroup expansion cycle, matching nothing", "nodegroup", name)
		return []string{emptyMatchToken}
	}
	tokens, ok := groups[name]
	if !ok {
		log.Warn("unknown nodegroup, matching nothing", "nodegroup", name)
		return []string{emptyMatchToken}
	}

	skip[name] = struct{}{}
	expanded := false
	var out []string
	for _, token := range tokens {
		inner, ok := strings.CutPrefix(token, nodegroupPrefix)
		if !ok {
			out = append(out, token)
			continue
		}
		expanded = true
		out = append(out, expandNodegroup(inner, groups, skip)...)
	}
	delete(skip, name) // same group may appear in independent branches

	if !expanded {
		// A trivial group, a plain identity list with no nested groups
		// and no boolean operators, stays addressable as one list call.
		// Collapsing at any depth also keeps a spliced multi-token group
		// from leaving adjacent leaves in the surrounding expression.
		// Engine-prefixed tokens (L@, G@, ...) must never be folded into
		// a list: "L@" + "G@role:db" is a literal id, not a grain match.
		if !hasOperators(out) && len(out) > 0 {
			if allIdentityTokens(out) {
				return []string{"L@" + strings.Join(out, ",")}
			}
			if len(out) > 1 {
				return wrapParens(out)
			}
		}
		return out
	}
	return wrapParens(out)
}

// allIdentityTokens reports whether every token is a bare identity or glob
// with no engine prefix, which is what makes a group collapsible into one
// L@ list call.
func allIdentityTokens(tokens []string) bool {
	for _, t := range tokens {
		at := strings.Index(t, "@")
		if at >= 1 && isEnginePrefix(t[:at]) {
			return false
		}
	}
	return true
}

// hasOperators reports whether any token is a compound boolean operator.
func hasOperators(tokens []string) bool {
	for _, t := range tokens {
		switch t {
		case "and", "or", "not", "(", ")":
			return true
		}
	}
	return false
}

// wrapParens isolates an expansion so operator precedence outside the group
// cannot leak into it.
func wrapParens(tokens []string) []string {
	out := make([]string, 0, len(tokens)+2)
	out = append(out, "(")
	out = append(out, tokens...)
	return append(out, ")")
}
