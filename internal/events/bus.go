// Package events is the master's in-memory event bus. Job dispatch, minion
// returns, and batch progress all flow through it as tagged events; the API
// layer bridges it to SSE clients and the batch schedulers drive their state
// machines from it.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one bus message. Tags are slash-separated paths, e.g.
// "job/20260829120000123456/ret/web1", so subscribers can filter on a
// prefix.
type Event struct {
	ID   int64           `json:"id"`
	Tag  string          `json:"tag"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Bus is an in-memory pub/sub with a small ring buffer for late clients.
type Bus struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish marshals data and fans the event out. Slow subscribers drop
// events rather than blocking producers; anything that must not miss events
// sizes its buffer accordingly or replays via SnapshotSince.
func (b *Bus) Publish(tag string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			payload = raw
		}
	}

	ev := Event{
		ID:   b.nextID.Add(1),
		Tag:  tag,
		At:   time.Now().UTC(),
		Data: payload,
	}

	b.mu.Lock()
	b.pushLocked(ev)
	for _, sub := range b.subs {
		if !strings.HasPrefix(ev.Tag, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
	return ev
}

// Subscribe returns a channel of events whose tag starts with prefix. The
// empty prefix receives everything. Cancel is safe to call more than once.
func (b *Bus) Subscribe(prefix string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Event, 1024)
	b.subs[id] = subscriber{prefix: prefix, ch: ch}

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID and the given tag
// prefix, oldest-first. lastID 0 replays the whole buffer.
func (b *Bus) SnapshotSince(lastID int64, prefix string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		ev := b.ring[(b.start+i)%len(b.ring)]
		if ev.ID <= lastID {
			continue
		}
		if !strings.HasPrefix(ev.Tag, prefix) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (b *Bus) pushLocked(ev Event) {
	capacity := len(b.ring)
	if capacity == 0 {
		return
	}

	if b.size < capacity {
		b.ring[(b.start+b.size)%capacity] = ev
		b.size++
		return
	}

	// Overwrite oldest.
	b.ring[b.start] = ev
	b.start = (b.start + 1) % capacity
}
