package master

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fleetwright/drover/internal/events"
	"github.com/fleetwright/drover/internal/job"
)

// busPublisher is the in-process transport: publications land on the event
// bus under job/<jid>/new, where connected minion agents subscribe.
type busPublisher struct {
	bus *events.Bus
}

func (p *busPublisher) Publish(_ context.Context, spec job.Spec) error {
	p.bus.Publish(job.TagNew(spec.JID), spec)
	return nil
}

// peerTracker derives "connected" from transport traffic: a minion counts
// as a peer while it has published a return within the window.
type peerTracker struct {
	window time.Duration
	stop   func()

	mu   sync.Mutex
	seen map[string]time.Time
}

func newPeerTracker(bus *events.Bus, window time.Duration) *peerTracker {
	t := &peerTracker{
		window: window,
		seen:   make(map[string]time.Time),
	}
	ch, cancel := bus.Subscribe("job/")
	t.stop = cancel
	go func() {
		for ev := range ch {
			var ret job.Return
			if err := json.Unmarshal(ev.Data, &ret); err != nil || ret.ID == "" {
				continue
			}
			t.mu.Lock()
			t.seen[ret.ID] = time.Now()
			t.mu.Unlock()
		}
	}()
	return t
}

// Close releases the bus subscription, ending the tracker goroutine.
func (t *peerTracker) Close() {
	t.stop()
}

func (t *peerTracker) ObservedPeers() (map[string]struct{}, error) {
	cutoff := time.Now().Add(-t.window)
	out := make(map[string]struct{})
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, id)
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}
