package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

// capture swaps in a buffer-backed logger and returns a decode helper.
func capture(t *testing.T) (*bytes.Buffer, func() map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	return &buf, func() map[string]any {
		var out map[string]any
		if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
			t.Fatalf("decoding log line: %v", err)
		}
		return out
	}
}

func TestSetupInitializesOnce(t *testing.T) {
	logger = nil
	once = sync.Once{}

	Setup("DEBUG")
	first := logger
	if first == nil {
		t.Fatal("Setup left the logger nil")
	}

	Setup("ERROR") // second call is a no-op
	if logger != first {
		t.Fatal("Setup reconfigured an already-initialized logger")
	}
}

func TestScopedFieldHelpers(t *testing.T) {
	cases := []struct {
		name  string
		scope func() *slog.Logger
		field string
		want  string
	}{
		{"component", func() *slog.Logger { return WithComponent("batch") }, "component", "batch"},
		{"job", func() *slog.Logger { return WithJob("20260829120000123456") }, "jid", "20260829120000123456"},
		{"minion", func() *slog.Logger { return WithMinion("web1") }, "minion", "web1"},
		{"batch jid", func() *slog.Logger { return WithBatch("j42") }, "batch_jid", "j42"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, decode := capture(t)
			tc.scope().Info("scoped")
			out := decode()
			if out[tc.field] != tc.want {
				t.Errorf("%s = %v, want %q", tc.field, out[tc.field], tc.want)
			}
			if out["msg"] != "scoped" {
				t.Errorf("msg = %v", out["msg"])
			}
		})
	}
}
