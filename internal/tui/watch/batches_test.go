package watch

import (
	"encoding/json"
	"testing"

	"github.com/fleetwright/drover/internal/events"
)

func busEvent(t *testing.T, tag string, data map[string]any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	return events.Event{Tag: tag, Data: b}
}

func TestUpdateBatchState_Lifecycle(t *testing.T) {
	batches := make(map[string]*BatchState)

	updateBatchState(batches, busEvent(t, "batch/j1/start", map[string]any{
		"jid":       "j1",
		"available": []any{"web1", "web2", "web3"},
		"down":      []any{"db1"},
	}))
	b := batches["j1"]
	if b == nil {
		t.Fatalf("expected batch j1 to be tracked")
	}
	if b.Total != 3 {
		t.Fatalf("expected total 3, got %d", b.Total)
	}
	if b.Minions["db1"] != minionDown || b.Minions["web1"] != minionPending {
		t.Fatalf("unexpected minion states: %v", b.Minions)
	}

	updateBatchState(batches, busEvent(t, "batch/j1/progress", map[string]any{
		"minion": "web1", "done": float64(1), "total": float64(3),
	}))
	if b.Minions["web1"] != minionDone || b.DoneCount != 1 {
		t.Fatalf("expected web1 done after progress, got %v done=%d", b.Minions, b.DoneCount)
	}

	updateBatchState(batches, busEvent(t, "batch/j1/done", map[string]any{
		"done": []any{"web1", "web2"}, "timed_out": []any{"web3"}, "down": []any{"db1"},
	}))
	if b.DoneAt.IsZero() {
		t.Fatalf("expected done timestamp")
	}
	if b.Minions["web3"] != minionTimeout || b.DoneCount != 2 {
		t.Fatalf("unexpected final states: %v done=%d", b.Minions, b.DoneCount)
	}
}

func TestUpdateBatchState_IgnoresOtherTags(t *testing.T) {
	batches := make(map[string]*BatchState)
	updateBatchState(batches, busEvent(t, "job/j1/ret/web1", map[string]any{"id": "web1"}))
	updateBatchState(batches, busEvent(t, "batch/j1/start/extra", map[string]any{}))
	if len(batches) != 0 {
		t.Fatalf("expected no batches tracked, got %d", len(batches))
	}
}

func TestSortedJIDs_NewestFirst(t *testing.T) {
	batches := map[string]*BatchState{
		"20260829100000000001_aa": {},
		"20260829120000000001_bb": {},
		"20260829110000000001_cc": {},
	}
	jids := sortedJIDs(batches)
	if jids[0] != "20260829120000000001_bb" || jids[2] != "20260829100000000001_aa" {
		t.Fatalf("unexpected order: %v", jids)
	}
}
