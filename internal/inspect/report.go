// Package inspect renders accounting reports for dispatched jobs: who was
// targeted, who answered, who failed, who never came back.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fleetwright/drover/internal/job"
)

// Report is the structured JSON representation of a job report.
type Report struct {
	JID       string         `json:"jid"`
	Function  string         `json:"fun"`
	Target    string         `json:"target"`
	Requester string         `json:"requester,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Targeted  int            `json:"targeted"`
	Returned  int            `json:"returned"`
	Failed    int            `json:"failed"`
	Pending   []string       `json:"pending,omitempty"`
	Minions   []MinionReport `json:"minions"`
}

// MinionReport is one minion's outcome.
type MinionReport struct {
	ID      string `json:"id"`
	State   string `json:"state"` // returned, failed, no_return
	Retcode int    `json:"retcode"`
	Return  any    `json:"return,omitempty"`
}

// JobGetter loads a stored job; satisfied by the job store.
type JobGetter interface {
	Get(ctx context.Context, jid string) (*job.Record, error)
}

// BuildReport renders a terminal-friendly accounting report for a job.
func BuildReport(ctx context.Context, store JobGetter, jid string) (string, error) {
	report, err := gather(ctx, store, jid)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "JID        : %s\n", report.JID)
	fmt.Fprintf(&out, "Function   : %s\n", report.Function)
	fmt.Fprintf(&out, "Target     : %s\n", report.Target)
	if report.Requester != "" {
		fmt.Fprintf(&out, "Requester  : %s\n", report.Requester)
	}
	fmt.Fprintf(&out, "Created    : %s\n", report.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Targeted   : %d\n", report.Targeted)
	fmt.Fprintf(&out, "Returned   : %d (%d failed)\n", report.Returned, report.Failed)
	fmt.Fprintf(&out, "\n")

	for _, m := range report.Minions {
		switch m.State {
		case "no_return":
			fmt.Fprintf(&out, "%-20s <no return>\n", m.ID)
		default:
			marker := ""
			if m.State == "failed" {
				marker = fmt.Sprintf("  [retcode %d]", m.Retcode)
			}
			fmt.Fprintf(&out, "%-20s %s%s\n", m.ID, compactJSON(m.Return), marker)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, store JobGetter, jid string) (string, error) {
	report, err := gather(ctx, store, jid)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gather(ctx context.Context, store JobGetter, jid string) (*Report, error) {
	rec, err := store.Get(ctx, jid)
	if err != nil {
		return nil, err
	}

	report := &Report{
		JID:       rec.Spec.JID,
		Function:  rec.Spec.Function,
		Target:    rec.Spec.Target,
		Requester: rec.Spec.Requester,
		CreatedAt: rec.CreatedAt,
		Targeted:  len(rec.Spec.Minions),
	}

	// Report over the union of targeted minions and arrived returns, so
	// returns from minions that joined mid-flight still show up.
	ids := make(map[string]struct{}, len(rec.Spec.Minions))
	for _, id := range rec.Spec.Minions {
		ids[id] = struct{}{}
	}
	for id := range rec.Returns {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		ret, ok := rec.Returns[id]
		if !ok {
			report.Pending = append(report.Pending, id)
			report.Minions = append(report.Minions, MinionReport{ID: id, State: "no_return"})
			continue
		}
		report.Returned++
		state := "returned"
		if !ret.Success || ret.Retcode != 0 {
			state = "failed"
			report.Failed++
		}
		report.Minions = append(report.Minions, MinionReport{
			ID:      id,
			State:   state,
			Retcode: ret.Retcode,
			Return:  ret.Return,
		})
	}
	return report, nil
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(b)
	if len(s) > 70 {
		s = s[:70] + "..."
	}
	return s
}
