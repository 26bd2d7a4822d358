// Package acl evaluates publisher access-control lists: which requesters may
// run which functions against which targets. Every ambiguity fails closed —
// a malformed entry can only withhold permission, never grant it.
package acl

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fleetwright/drover/internal/log"
	"github.com/fleetwright/drover/internal/target"
)

// TargetResolver is the slice of the target resolution service the checker
// needs: the request's real minion set, and ACL targets under exact-match
// rules.
type TargetResolver interface {
	CheckMinions(ctx context.Context, expression string, targetType target.Kind, delimiter string, greedy bool) (target.MatchResult, error)
	CheckAuthTarget(ctx context.Context, expression string, targetType target.Kind, delimiter string) (target.MatchResult, error)
}

// FunctionCall is one requested function with its arguments.
type FunctionCall struct {
	Function string
	Args     []any
	KWArgs   map[string]any
}

// Request is a publish attempt to authorize.
type Request struct {
	Requester  string
	Calls      []FunctionCall
	Target     string
	TargetType target.Kind
}

// Checker evaluates requests against a configured publisher ACL.
type Checker struct {
	resolver TargetResolver
	grants   map[string][]entry // requester pattern -> normalized entries
}

// NewChecker normalizes the raw configuration ACL, logging and dropping
// malformed entries.
func NewChecker(resolver TargetResolver, raw map[string][]any) *Checker {
	grants := make(map[string][]entry, len(raw))
	for requester, items := range raw {
		entries := make([]entry, 0, len(items))
		for _, item := range items {
			e, err := normalizeEntry(item)
			if err != nil {
				log.Warn("dropping malformed ACL entry", "requester", requester, "reason", err.Error())
				continue
			}
			entries = append(entries, e)
		}
		grants[requester] = entries
	}
	return &Checker{resolver: resolver, grants: grants}
}

// LintGrants reports the malformed entries NewChecker would drop, keyed by
// requester pattern. Diagnostics for `drover config check`; an empty map
// means every entry normalizes cleanly.
func LintGrants(raw map[string][]any) map[string][]string {
	problems := make(map[string][]string)
	for requester, items := range raw {
		for i, item := range items {
			if _, err := normalizeEntry(item); err != nil {
				problems[requester] = append(problems[requester],
					fmt.Sprintf("entry %d: %v", i, err))
			}
		}
	}
	return problems
}

// entry is one normalized grant: a function rule list, optionally scoped to
// a target pattern ("" means any target).
type entry struct {
	targetPattern string
	rules         []rule
}

// rule matches a function name and, when constrained, its arguments.
type rule struct {
	fn     *regexp.Regexp
	args   []*regexp.Regexp          // positional; nil element accepts anything
	kwargs map[string]*regexp.Regexp // absent key accepts anything
}

func normalizeEntry(item any) (entry, error) {
	switch v := item.(type) {
	case string:
		r, err := newRule(v, nil)
		if err != nil {
			return entry{}, err
		}
		return entry{rules: []rule{r}}, nil
	case map[string]any:
		if len(v) != 1 {
			return entry{}, fmt.Errorf("target entry must have exactly one key, got %d", len(v))
		}
		for targetPattern, rawRules := range v {
			list, ok := rawRules.([]any)
			if !ok {
				return entry{}, fmt.Errorf("rules for target %q must be a list", targetPattern)
			}
			rules := make([]rule, 0, len(list))
			for _, rawRule := range list {
				r, err := normalizeRule(rawRule)
				if err != nil {
					return entry{}, fmt.Errorf("target %q: %w", targetPattern, err)
				}
				rules = append(rules, r)
			}
			return entry{targetPattern: targetPattern, rules: rules}, nil
		}
	}
	return entry{}, fmt.Errorf("entry must be a string or a single-key mapping, got %T", item)
}

func normalizeRule(raw any) (rule, error) {
	switch v := raw.(type) {
	case string:
		return newRule(v, nil)
	case map[string]any:
		if len(v) != 1 {
			return rule{}, fmt.Errorf("function rule must have exactly one key, got %d", len(v))
		}
		for fnPattern, rawSpec := range v {
			spec, ok := rawSpec.(map[string]any)
			if !ok {
				return rule{}, fmt.Errorf("argument spec for %q must be a mapping", fnPattern)
			}
			return newRule(fnPattern, spec)
		}
	}
	return rule{}, fmt.Errorf("function rule must be a string or a single-key mapping, got %T", raw)
}

func newRule(fnPattern string, spec map[string]any) (rule, error) {
	fn, err := compileFull(fnPattern)
	if err != nil {
		return rule{}, fmt.Errorf("function pattern %q: %w", fnPattern, err)
	}
	r := rule{fn: fn}
	if spec == nil {
		return r, nil
	}

	if rawArgs, ok := spec["args"]; ok {
		list, ok := rawArgs.([]any)
		if !ok {
			return rule{}, fmt.Errorf("args constraint must be a list")
		}
		for _, rawArg := range list {
			if rawArg == nil {
				r.args = append(r.args, nil) // any value accepted
				continue
			}
			s, ok := rawArg.(string)
			if !ok {
				return rule{}, fmt.Errorf("args constraint entries must be strings")
			}
			re, err := compileFull(s)
			if err != nil {
				return rule{}, fmt.Errorf("arg pattern %q: %w", s, err)
			}
			r.args = append(r.args, re)
		}
	}
	if rawKW, ok := spec["kwargs"]; ok {
		m, ok := rawKW.(map[string]any)
		if !ok {
			return rule{}, fmt.Errorf("kwargs constraint must be a mapping")
		}
		r.kwargs = make(map[string]*regexp.Regexp, len(m))
		for key, rawVal := range m {
			if rawVal == nil {
				r.kwargs[key] = nil
				continue
			}
			s, ok := rawVal.(string)
			if !ok {
				return rule{}, fmt.Errorf("kwargs constraint values must be strings")
			}
			re, err := compileFull(s)
			if err != nil {
				return rule{}, fmt.Errorf("kwarg pattern %q: %w", s, err)
			}
			r.kwargs[key] = re
		}
	}
	return r, nil
}

func compileFull(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + pattern + `)\z`)
}

// matches tests a call against the rule.
func (r rule) matches(call FunctionCall) bool {
	if !r.fn.MatchString(call.Function) {
		return false
	}
	if r.args != nil {
		if len(call.Args) < len(r.args) {
			return false
		}
		for i, re := range r.args {
			if re == nil {
				continue
			}
			if !re.MatchString(stringify(call.Args[i])) {
				return false
			}
		}
	}
	for key, re := range r.kwargs {
		val, ok := call.KWArgs[key]
		if !ok {
			return false
		}
		if re != nil && !re.MatchString(stringify(val)) {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	return fmt.Sprint(v)
}

// entriesFor collects grants whose requester pattern glob-matches the
// requester.
func (c *Checker) entriesFor(requester string) []entry {
	var out []entry
	for pattern, entries := range c.grants {
		if ok, err := path.Match(pattern, requester); err == nil && ok {
			out = append(out, entries...)
		}
	}
	return out
}

// Check is the baseline authorization decision: every requested function
// must be granted by some ACL entry, and a target-scoped entry only applies
// when every minion the request resolves to is inside the minions its own
// target pattern resolves to under exact-match rules.
func (c *Checker) Check(ctx context.Context, req Request) bool {
	entries := c.entriesFor(req.Requester)
	if len(entries) == 0 || len(req.Calls) == 0 {
		return false
	}

	requested, err := c.resolver.CheckMinions(ctx, req.Target, req.TargetType, "", true)
	if err != nil {
		log.Warn("denying request, target resolution failed", "requester", req.Requester, "error", err.Error())
		return false
	}

	for _, call := range req.Calls {
		if !c.callGranted(ctx, entries, call, requested.Minions) {
			return false
		}
	}
	return true
}

func (c *Checker) callGranted(ctx context.Context, entries []entry, call FunctionCall, requested target.Set) bool {
	for _, e := range entries {
		if e.targetPattern != "" {
			scope, err := c.resolver.CheckAuthTarget(ctx, e.targetPattern, target.KindCompound, "")
			if err != nil {
				log.Warn("skipping ACL entry, scope resolution failed", "target", e.targetPattern, "error", err.Error())
				continue
			}
			if !requested.SubsetOf(scope.Minions) {
				continue
			}
		}
		for _, r := range e.rules {
			if r.matches(call) {
				return true
			}
		}
	}
	return false
}

// CheckExpanded is the per-minion authorization decision: the request's
// target is resolved once, every entry's scope is resolved to its own minion
// set, and each targeted minion must be covered by at least one entry whose
// rules allow all requested calls. Strictly more precise than Check, at the
// cost of resolving every entry scope. A minion whose cached data is absent
// cannot be claimed by a data-scoped entry, so it stays uncovered and the
// request is denied.
func (c *Checker) CheckExpanded(ctx context.Context, req Request) bool {
	entries := c.entriesFor(req.Requester)
	if len(entries) == 0 || len(req.Calls) == 0 {
		return false
	}

	requested, err := c.resolver.CheckMinions(ctx, req.Target, req.TargetType, "", true)
	if err != nil {
		log.Warn("denying request, target resolution failed", "requester", req.Requester, "error", err.Error())
		return false
	}

	// Resolve each scoped entry once, not per minion.
	scopes := make([]target.Set, len(entries))
	for i, e := range entries {
		if e.targetPattern == "" {
			continue
		}
		scope, err := c.resolver.CheckAuthTarget(ctx, e.targetPattern, target.KindCompound, "")
		if err != nil {
			log.Warn("skipping ACL entry, scope resolution failed", "target", e.targetPattern, "error", err.Error())
			scopes[i] = target.NewSet()
			continue
		}
		scopes[i] = scope.Minions
	}

	for id := range requested.Minions {
		if !c.minionCovered(entries, scopes, id, req.Calls) {
			log.Warn("denying request, minion not covered by any ACL entry", "requester", req.Requester, "minion", id)
			return false
		}
	}
	return true
}

func (c *Checker) minionCovered(entries []entry, scopes []target.Set, id string, calls []FunctionCall) bool {
	for i, e := range entries {
		if e.targetPattern != "" && !scopes[i].Has(id) {
			continue
		}
		if allCallsMatch(e.rules, calls) {
			return true
		}
	}
	return false
}

func allCallsMatch(rules []rule, calls []FunctionCall) bool {
	for _, call := range calls {
		matched := false
		for _, r := range rules {
			if r.matches(call) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// SpecCheck authorizes a master-local administrative call (runner or wheel)
// against a rule list keyed by the @module convention: "@<form>" grants the
// whole form, "@<module>" grants one module, anything else is a full-match
// regex on "module.function", optionally argument-constrained.
func SpecCheck(rawEntries []any, call FunctionCall, form string) bool {
	module := call.Function
	if i := strings.Index(call.Function, "."); i >= 0 {
		module = call.Function[:i]
	}

	for _, raw := range rawEntries {
		if s, ok := raw.(string); ok && strings.HasPrefix(s, "@") {
			name := s[1:]
			if name == form || name == form+"s" || name == module {
				return true
			}
			continue
		}
		r, err := normalizeRule(raw)
		if err != nil {
			log.Warn("dropping malformed ACL entry", "form", form, "reason", err.Error())
			continue
		}
		if r.matches(call) {
			return true
		}
	}
	return false
}

// RunnerCheck authorizes a runner invocation.
func RunnerCheck(rawEntries []any, call FunctionCall) bool {
	return SpecCheck(rawEntries, call, "runner")
}

// WheelCheck authorizes a wheel invocation.
func WheelCheck(rawEntries []any, call FunctionCall) bool {
	return SpecCheck(rawEntries, call, "wheel")
}
