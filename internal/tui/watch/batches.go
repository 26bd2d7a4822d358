package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/fleetwright/drover/internal/events"
)

// Minion states within a batch, derived from the event stream.
const (
	minionPending = "pending"
	minionDone    = "done"
	minionTimeout = "timed_out"
	minionDown    = "down"
)

// BatchState tracks one batch discovered from batch/<jid>/ events.
type BatchState struct {
	JID       string
	Minions   map[string]string // minion id -> state
	Total     int
	DoneCount int
	StartedAt time.Time
	DoneAt    time.Time
}

// updateBatchState folds a bus event into the batch map. job/ return events
// are handled elsewhere; only batch lifecycle tags matter here.
func updateBatchState(batches map[string]*BatchState, e events.Event) {
	parts := strings.Split(e.Tag, "/")
	if len(parts) != 3 || parts[0] != "batch" {
		return
	}
	jid, phase := parts[1], parts[2]

	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	switch phase {
	case "start":
		b := getOrCreateBatch(batches, jid)
		b.StartedAt = time.Now()
		for _, id := range stringList(data["available"]) {
			b.Minions[id] = minionPending
		}
		for _, id := range stringList(data["down"]) {
			b.Minions[id] = minionDown
		}
		b.Total = len(stringList(data["available"]))

	case "progress":
		b := getOrCreateBatch(batches, jid)
		if id, ok := data["minion"].(string); ok && id != "" {
			b.Minions[id] = minionDone
		}
		if n, ok := data["done"].(float64); ok {
			b.DoneCount = int(n)
		}
		if n, ok := data["total"].(float64); ok {
			b.Total = int(n)
		}

	case "done":
		b := getOrCreateBatch(batches, jid)
		b.DoneAt = time.Now()
		for _, id := range stringList(data["done"]) {
			b.Minions[id] = minionDone
		}
		for _, id := range stringList(data["timed_out"]) {
			b.Minions[id] = minionTimeout
		}
		for _, id := range stringList(data["down"]) {
			b.Minions[id] = minionDown
		}
		b.DoneCount = len(stringList(data["done"]))
	}
}

func getOrCreateBatch(batches map[string]*BatchState, jid string) *BatchState {
	b, ok := batches[jid]
	if !ok {
		b = &BatchState{JID: jid, Minions: make(map[string]string)}
		batches[jid] = b
	}
	return b
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// sortedJIDs returns batch jids newest first; jids sort chronologically.
func sortedJIDs(batches map[string]*BatchState) []string {
	jids := make([]string, 0, len(batches))
	for jid := range batches {
		jids = append(jids, jid)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(jids)))
	return jids
}

func renderBatches(batches map[string]*BatchState, selected int, bar progress.Model, theme Theme, width int) string {
	innerWidth := width - 4

	if len(batches) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("BATCHES"),
			theme.Dim.Render("  No batch activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	jids := sortedJIDs(batches)

	var lines []string
	for i, jid := range jids {
		if i >= 5 {
			break
		}
		lines = append(lines, renderBatchRow(batches[jid], i == selected, bar, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("BATCHES")}, lines...)...,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderBatchRow(b *BatchState, isSelected bool, bar progress.Model, theme Theme) string {
	jid := b.JID
	if len(jid) > 20 {
		jid = jid[:20]
	}

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	var pct float64
	if b.Total > 0 {
		pct = float64(b.DoneCount) / float64(b.Total)
	}

	var status string
	switch {
	case !b.DoneAt.IsZero():
		status = theme.StatusOK.Render(fmt.Sprintf("done in %s", b.DoneAt.Sub(b.StartedAt).Round(time.Second)))
	case b.StartedAt.IsZero():
		status = theme.Dim.Render("gathering")
	default:
		status = theme.StatusActive.Render("running")
	}

	var line strings.Builder
	line.WriteString(fmt.Sprintf(" %s  %s %d/%d  %s",
		nameStyle.Render(jid),
		bar.ViewAs(pct),
		b.DoneCount, b.Total,
		status,
	))

	if isSelected {
		for _, row := range minionRows(b, theme) {
			line.WriteString("\n    └─ " + row)
		}
	}
	return line.String()
}

// minionRows lists the selected batch's minions grouped by state, worst
// first so trouble is visible without scrolling.
func minionRows(b *BatchState, theme Theme) []string {
	byState := map[string][]string{}
	for id, state := range b.Minions {
		byState[state] = append(byState[state], id)
	}
	var rows []string
	for _, group := range []struct {
		state string
		style lipgloss.Style
	}{
		{minionDown, theme.StatusDown},
		{minionTimeout, theme.StatusFailed},
		{minionPending, theme.StatusPending},
		{minionDone, theme.StatusOK},
	} {
		ids := byState[group.state]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		rows = append(rows, fmt.Sprintf("%s %s",
			group.style.Render(fmt.Sprintf("%-9s", group.state)),
			strings.Join(ids, " ")))
	}
	return rows
}
