package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks master health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptimeStr := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(spinner.LastEvent()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" DROVER WATCH %s", tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" Master: %s  Up: %s  Events: %s %s",
		statusText,
		theme.Dim.Render(uptimeStr),
		spinner.Current(),
		theme.Dim.Render(lastEventStr),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Header.Render(titleLine),
		statsLine,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
