package watch

import (
	"strings"
	"time"
)

// Ticker rotates through frames once per second to show the UI loop is
// alive. Stops rotating if ticks stop arriving.
type Ticker struct {
	frames   []string
	index    int
	lastTick time.Time
}

func NewTicker() Ticker {
	return Ticker{
		frames:   []string{"⟲", "⟳"},
		lastTick: time.Now(),
	}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
	t.lastTick = time.Now()
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Spinner shows bus activity with a decaying dot pattern: lights up when
// events arrive, fades as the stream goes quiet.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func NewSpinner() Spinner {
	return Spinner{}
}

func (s *Spinner) OnEvent() {
	s.dots = 5
	s.lastEvent = time.Now()
}

func (s *Spinner) Decay() {
	if s.dots == 0 {
		return
	}
	quiet := time.Since(s.lastEvent)
	if quiet > time.Duration(6-s.dots)*time.Second {
		s.dots--
	}
}

func (s Spinner) Current() string {
	if s.dots == 0 {
		return strings.Repeat("·", 5)
	}
	return strings.Repeat("●", s.dots) + strings.Repeat("·", 5-s.dots)
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
