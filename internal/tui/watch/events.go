package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fleetwright/drover/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var tagStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Tag, "/done"):
		tagStyle = theme.StatusOK
	case strings.Contains(e.Tag, "/ret/"):
		tagStyle = theme.StatusActive
	case strings.HasSuffix(e.Tag, "/start"), strings.HasSuffix(e.Tag, "/new"):
		tagStyle = theme.Highlight
	default:
		tagStyle = theme.Dim
	}
	tag := tagStyle.Render(fmt.Sprintf("%-36s", shortTag(e.Tag)))

	return fmt.Sprintf("%s %s %s", ts, tag, extractEventDesc(e))
}

// shortTag trims the jid in the middle of a tag so rows line up.
func shortTag(tag string) string {
	parts := strings.Split(tag, "/")
	if len(parts) < 2 || len(parts[1]) <= 12 {
		return tag
	}
	parts[1] = parts[1][:12] + "…"
	return strings.Join(parts, "/")
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if fun, ok := data["fun"].(string); ok && fun != "" {
		parts = append(parts, fun)
	}
	if id, ok := data["id"].(string); ok && id != "" {
		parts = append(parts, id)
	}
	if minion, ok := data["minion"].(string); ok && minion != "" {
		parts = append(parts, minion)
	}
	if done, ok := data["done"].(float64); ok {
		if total, ok := data["total"].(float64); ok {
			parts = append(parts, fmt.Sprintf("%d/%d", int(done), int(total)))
		}
	}
	if retcode, ok := data["retcode"].(float64); ok && retcode != 0 {
		parts = append(parts, fmt.Sprintf("retcode=%d", int(retcode)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
