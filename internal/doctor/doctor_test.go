package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetwright/drover/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	keysDir := t.TempDir()
	for _, id := range []string{"web1", "web2", "db1"} {
		if err := os.WriteFile(filepath.Join(keysDir, id), []byte("key"), 0o644); err != nil {
			t.Fatalf("writing key file: %v", err)
		}
	}
	cfg := config.Defaults()
	cfg.Master.KeysDir = keysDir
	cfg.Batch.GatherJobTimeout = 10 * time.Second
	return cfg
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, issue := range issues {
		if issue.Category == category && strings.Contains(issue.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_CleanConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Nodegroups = map[string]config.NodegroupDef{
		"webs": {Tokens: []string{"web*"}},
		"both": {Tokens: []string{"N@webs", "or", "db1"}},
	}
	cfg.PublisherACL = map[string][]any{
		"fred": {".*"},
		"dev*": {map[string]any{"L@web1": []any{"test\\..*"}}},
	}

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid config, got errors: %+v", r.Errors)
	}
}

func TestValidate_EmptyKeysDirWarns(t *testing.T) {
	cfg := config.Defaults()
	cfg.Master.KeysDir = t.TempDir()

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("empty keys dir should warn, not fail: %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "keys", "no accepted minion keys") {
		t.Fatalf("expected empty-keys warning, got %+v", r.Warnings)
	}
}

func TestValidate_MissingKeysDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.Master.KeysDir = filepath.Join(t.TempDir(), "nope")

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected missing keys dir to fail")
	}
	if !hasIssue(r.Errors, "keys", "not accessible") {
		t.Fatalf("expected keys error, got %+v", r.Errors)
	}
}

func TestValidate_Nodegroups(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Nodegroups = map[string]config.NodegroupDef{
		"dangling": {Tokens: []string{"N@ghost"}},
		"loop_a":   {Tokens: []string{"N@loop_b"}},
		"loop_b":   {Tokens: []string{"N@loop_a"}},
		"broken":   {Tokens: []string{"web1", "and"}},
	}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected nodegroup errors")
	}
	if !hasIssue(r.Errors, "nodegroups", `unknown nodegroup "ghost"`) {
		t.Fatalf("expected unknown-reference error, got %+v", r.Errors)
	}
	if !hasIssue(r.Errors, "nodegroups", "cyclic reference") {
		t.Fatalf("expected cycle error, got %+v", r.Errors)
	}
	if !hasIssue(r.Errors, "nodegroups", "does not parse") {
		t.Fatalf("expected parse error for trailing operator, got %+v", r.Errors)
	}
}

func TestValidate_PublisherACL(t *testing.T) {
	cfg := baseConfig(t)
	cfg.PublisherACL = map[string][]any{
		"fred": {
			42, // not a grant
			map[string]any{"web1 and": []any{"test\\..*"}}, // scope does not parse
		},
	}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected ACL errors")
	}
	if !hasIssue(r.Errors, "publisher_acl", "string or a single-key mapping") {
		t.Fatalf("expected malformed-entry error, got %+v", r.Errors)
	}
	if !hasIssue(r.Errors, "publisher_acl", "does not parse") {
		t.Fatalf("expected scope parse error, got %+v", r.Errors)
	}
}

func TestValidate_TokenScopes(t *testing.T) {
	cfg := baseConfig(t)
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []config.APIToken{
		{Name: "ops", Token: "t1", Scopes: []string{"minions:ro", "plugins:rw"}},
		{Token: "t2", Scopes: []string{"jobs:rw"}},
	}
	cfg.PublisherACL = map[string][]any{"ops": {".*"}}

	r := New(cfg).Validate()
	if !hasIssue(r.Errors, "api", `unknown scope "plugins:rw"`) {
		t.Fatalf("expected unknown-scope error, got %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "api", "no name") {
		t.Fatalf("expected unnamed-token warning, got %+v", r.Warnings)
	}
}

func TestValidate_BatchSize(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Batch.Size = "150%"

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected batch size error")
	}
	if !hasIssue(r.Errors, "batch", "150%") {
		t.Fatalf("expected batch size error, got %+v", r.Errors)
	}
}
