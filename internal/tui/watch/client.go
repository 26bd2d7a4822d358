package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fleetwright/drover/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// sseFrame accumulates one server-sent event as its lines arrive.
type sseFrame struct {
	id   int64
	tag  string
	data string
}

func (f *sseFrame) feed(line string) {
	if v, ok := strings.CutPrefix(line, "id: "); ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.id = id
		}
	} else if v, ok := strings.CutPrefix(line, "event: "); ok {
		f.tag = v
	} else if v, ok := strings.CutPrefix(line, "data: "); ok {
		f.data = v
	}
}

// subscribeToEvents holds the SSE /events stream open and feeds parsed
// events into ch. Returns sseDisconnectedMsg when the connection drops so
// Update can schedule a reconnect.
func subscribeToEvents(apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest("GET", apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		var frame sseFrame
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				frame.feed(line)
				continue
			}
			// Blank line terminates a frame.
			if frame.data != "" {
				ch <- events.Event{
					ID:   frame.id,
					Tag:  frame.tag,
					At:   time.Now(),
					Data: []byte(frame.data),
				}
			}
			frame = sseFrame{}
		}

		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL, apiKey string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest("GET", apiURL+"/healthz", nil)
	if err != nil {
		return errMsg(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
