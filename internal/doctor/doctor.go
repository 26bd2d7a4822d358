// Package doctor runs deep diagnostics over a loaded drover configuration:
// the checks that are deliberately non-fatal at startup (nodegroup wiring,
// publisher ACL entries, token scopes) plus filesystem sanity.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fleetwright/drover/internal/acl"
	"github.com/fleetwright/drover/internal/batch"
	"github.com/fleetwright/drover/internal/config"
	"github.com/fleetwright/drover/internal/target"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration beyond the structural checks the loader
// already enforces.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateKeysDir(r)
	d.validateNodegroups(r)
	d.validatePublisherACL(r)
	d.validateTokenScopes(r)
	d.validateBatchDefaults(r)
	d.warnOpenAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateKeysDir checks the accepted-key directory exists and is readable.
func (d *Doctor) validateKeysDir(r *Result) {
	dir := d.cfg.Master.KeysDir
	info, err := os.Stat(dir)
	if err != nil {
		d.addError(r, "keys", "master.keys_dir",
			fmt.Sprintf("keys directory %q not accessible: %v", dir, err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "keys", "master.keys_dir",
			fmt.Sprintf("%q is not a directory", dir))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.addError(r, "keys", "master.keys_dir",
			fmt.Sprintf("keys directory %q not readable: %v", dir, err))
		return
	}
	if len(entries) == 0 {
		d.addWarning(r, "keys", "master.keys_dir",
			"no accepted minion keys; every target resolves empty")
	}
}

// validateNodegroups checks that group references resolve, no group chain
// is cyclic, and every fully-expanded group parses as a compound expression.
func (d *Doctor) validateNodegroups(r *Result) {
	groups := d.groupTokens()

	for _, name := range sortedNames(groups) {
		field := "nodegroups." + name
		for _, ref := range nodegroupRefs(groups[name]) {
			if _, ok := groups[ref]; !ok {
				d.addError(r, "nodegroups", field,
					fmt.Sprintf("references unknown nodegroup %q", ref))
			}
		}
		if cycle := findCycle(name, groups, nil); cycle != "" {
			d.addError(r, "nodegroups", field,
				fmt.Sprintf("cyclic reference through %q", cycle))
			continue
		}
		expanded := expandAll(groups[name], groups)
		if err := target.ValidateCompound(expanded); err != nil {
			d.addError(r, "nodegroups", field,
				fmt.Sprintf("does not parse as a compound expression: %v", err))
		}
	}
}

// validatePublisherACL surfaces the grants the checker would silently drop
// and target scopes that cannot parse.
func (d *Doctor) validatePublisherACL(r *Result) {
	for requester, problems := range acl.LintGrants(d.cfg.PublisherACL) {
		for _, p := range problems {
			d.addError(r, "publisher_acl", "publisher_acl."+requester, p)
		}
	}

	groups := d.groupTokens()
	for requester, items := range d.cfg.PublisherACL {
		for i, item := range items {
			scoped, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for pattern := range scoped {
				tokens := expandAll(target.TokenizeCompound(pattern), groups)
				if err := target.ValidateCompound(tokens); err != nil {
					d.addError(r, "publisher_acl",
						fmt.Sprintf("publisher_acl.%s[%d]", requester, i),
						fmt.Sprintf("target scope %q does not parse: %v", pattern, err))
				}
			}
		}
	}
}

var knownScopes = map[string]struct{}{
	"*":          {},
	"target:ro":  {},
	"minions:ro": {},
	"jobs:ro":    {},
	"jobs:rw":    {},
	"events:ro":  {},
}

// validateTokenScopes checks token scopes against the scopes the API
// actually gates on.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if len(token.Scopes) == 0 {
			d.addWarning(r, "api", fmt.Sprintf("api.auth.tokens[%d]", i),
				"token has no scopes and can only reach /healthz")
		}
		for j, scope := range token.Scopes {
			if _, ok := knownScopes[strings.TrimSpace(scope)]; !ok {
				d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
		if token.Name == "" && len(d.cfg.PublisherACL) > 0 {
			d.addWarning(r, "api", fmt.Sprintf("api.auth.tokens[%d]", i),
				`token has no name; it checks the publisher ACL as "api"`)
		}
	}
}

// validateBatchDefaults checks the configured default batch size parses.
func (d *Doctor) validateBatchDefaults(r *Result) {
	if d.cfg.Batch.Size == "" {
		return
	}
	if _, err := batch.ParseSize(d.cfg.Batch.Size, 100); err != nil {
		d.addError(r, "batch", "batch.size",
			fmt.Sprintf("default batch size %q: %v", d.cfg.Batch.Size, err))
	}
}

func (d *Doctor) warnOpenAPI(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth",
			"both api_key and scoped tokens configured; the legacy key has full access")
	}
}

func (d *Doctor) groupTokens() map[string][]string {
	groups := make(map[string][]string, len(d.cfg.Nodegroups))
	for name, def := range d.cfg.Nodegroups {
		groups[name] = def.Tokens
	}
	return groups
}

// nodegroupRefs extracts the N@ references in a token list.
func nodegroupRefs(tokens []string) []string {
	var refs []string
	for _, tok := range tokens {
		if name, ok := strings.CutPrefix(tok, "N@"); ok && name != "" {
			refs = append(refs, name)
		}
	}
	return refs
}

// findCycle walks the reference graph from name and reports the group that
// closes a cycle, or "" when the chain is acyclic.
func findCycle(name string, groups map[string][]string, path map[string]struct{}) string {
	if _, seen := path[name]; seen {
		return name
	}
	next := make(map[string]struct{}, len(path)+1)
	for k := range path {
		next[k] = struct{}{}
	}
	next[name] = struct{}{}
	for _, ref := range nodegroupRefs(groups[name]) {
		if _, ok := groups[ref]; !ok {
			continue
		}
		if hit := findCycle(ref, groups, next); hit != "" {
			return hit
		}
	}
	return ""
}

// expandAll substitutes known, acyclic group references so the final token
// list can be parsed. Unknown or cyclic references are left to the resolver,
// which degrades them at match time.
func expandAll(tokens []string, groups map[string][]string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		name, ok := strings.CutPrefix(tok, "N@")
		if !ok || name == "" {
			out = append(out, tok)
			continue
		}
		out = append(out, target.ExpandNodegroup(name, groups)...)
	}
	return out
}

// FormatHuman renders the result as readable text.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	}
	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sortedNames(groups map[string][]string) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
