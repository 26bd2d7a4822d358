package batch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleetwright/drover/internal/events"
	"github.com/fleetwright/drover/internal/job"
	"github.com/fleetwright/drover/internal/log"
	"github.com/fleetwright/drover/internal/target"
)

// Accounting is the final ledger of an async batch: every discovered minion
// lands in exactly one of Done or TimedOut; Down holds minions that matched
// the target but never answered the initial ping.
type Accounting struct {
	JID      string   `json:"jid"`
	Down     []string `json:"down"`
	Done     []string `json:"done"`
	TimedOut []string `json:"timed_out"`
}

// AsyncBatch is the event-driven batch scheduler. All state lives behind a
// single message channel consumed by one goroutine; bus events and timer
// expiries are posted as messages, so no transition ever runs concurrently
// with another.
type AsyncBatch struct {
	pub   Publisher
	bus   *events.Bus
	store *job.Store
	opts  Options
	spec  job.Spec

	msgs     chan message
	quit     chan struct{} // closed exactly once by Close
	finished chan Accounting

	closeOnce sync.Once
	subMu     sync.Mutex
	torndown  bool
	unsubs    []func()

	// Actor-owned state. Touched only inside the run loop.
	minions         target.Set // answered the ping
	down            target.Set // still awaiting ping
	doneMinions     target.Set
	timedoutMinions target.Set
	active          target.Set
	findJobReturned target.Set
	batchSize       int
	initialized     bool
	scheduled       bool
}

type messageKind int

const (
	msgPingReturn messageKind = iota
	msgStartBatch
	msgJobReturn
	msgFindJob
	msgFindJobReturn
	msgCheckFindJob
	msgScheduleNext
)

type message struct {
	kind messageKind
	ret  job.Return
	wave target.Set // msgFindJob / msgCheckFindJob
}

// StartAsync resolves the target, issues the discovery ping, and starts the
// batch state machine. The returned batch completes on its own; use Wait for
// the accounting, Close to tear down early.
func StartAsync(ctx context.Context, pub Publisher, bus *events.Bus, store *job.Store, resolver TargetResolver, spec job.Spec, opts Options) (*AsyncBatch, error) {
	opts.normalize()
	if spec.JID == "" {
		spec.JID = job.NewJID()
	}

	matched, err := resolver.CheckMinions(ctx, spec.Target, spec.TargetType, "", true)
	if err != nil {
		return nil, err
	}

	b := &AsyncBatch{
		pub:             pub,
		bus:             bus,
		store:           store,
		opts:            opts,
		spec:            spec,
		msgs:            make(chan message, 256),
		quit:            make(chan struct{}),
		finished:        make(chan Accounting, 1),
		minions:         target.NewSet(),
		down:            matched.Minions.Clone(),
		doneMinions:     target.NewSet(),
		timedoutMinions: target.NewSet(),
		active:          target.NewSet(),
		findJobReturned: target.NewSet(),
	}

	pingJID := job.NewJID()
	b.forwardReturns(pingJID, msgPingReturn)

	ping := job.Spec{
		JID:        pingJID,
		Function:   PingFunction,
		Target:     strings.Join(matched.Minions.Sorted(), ","),
		TargetType: target.KindList,
		Minions:    matched.Minions.Sorted(),
	}
	if err := pub.Publish(ctx, ping); err != nil {
		b.Close()
		return nil, err
	}

	// The gather timeout is a ceiling: start_batch fires early once every
	// pinged minion has answered.
	b.after(opts.GatherTimeout, message{kind: msgStartBatch})

	go b.run(ctx)
	return b, nil
}

// Wait blocks until the batch reaches Done or ctx expires. Cancelling the
// context tears the batch down.
func (b *AsyncBatch) Wait(ctx context.Context) (Accounting, error) {
	select {
	case acc := <-b.finished:
		return acc, nil
	case <-ctx.Done():
		b.Close()
		return Accounting{JID: b.spec.JID}, ctx.Err()
	}
}

// Close tears the batch down: idempotent, releases subscriptions exactly
// once, and stops pending timers from posting.
func (b *AsyncBatch) Close() {
	b.closeOnce.Do(func() {
		close(b.quit)
		b.subMu.Lock()
		b.torndown = true
		unsubs := b.unsubs
		b.unsubs = nil
		b.subMu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
	})
}

// post delivers a message to the run loop unless the batch is shut down.
func (b *AsyncBatch) post(m message) {
	select {
	case b.msgs <- m:
	case <-b.quit:
	}
}

// after schedules a deferred message.
func (b *AsyncBatch) after(d time.Duration, m message) {
	timer := time.AfterFunc(d, func() { b.post(m) })
	// Stop is best-effort: post is already quit-guarded.
	go func() {
		<-b.quit
		timer.Stop()
	}()
}

// forwardReturns bridges bus return events for one jid into the message
// loop.
func (b *AsyncBatch) forwardReturns(jid string, kind messageKind) {
	b.subMu.Lock()
	if b.torndown {
		b.subMu.Unlock()
		return
	}
	ch, cancel := b.bus.Subscribe(job.TagReturnPrefix(jid))
	b.unsubs = append(b.unsubs, cancel)
	b.subMu.Unlock()
	go func() {
		for ev := range ch {
			if ret, ok := decodeReturn(ev); ok {
				b.post(message{kind: kind, ret: ret})
			}
		}
	}()
}

// run is the single-consumer event loop. Every state transition happens
// here and only here.
func (b *AsyncBatch) run(ctx context.Context) {
	logger := log.WithBatch(b.spec.JID)
	for {
		select {
		case <-b.quit:
			return
		case <-ctx.Done():
			b.Close()
			return
		case m := <-b.msgs:
			switch m.kind {
			case msgPingReturn:
				b.handlePingReturn(m.ret, logger)
			case msgStartBatch:
				b.startBatch(ctx, logger)
			case msgJobReturn:
				b.handleJobReturn(ctx, m.ret, logger)
			case msgFindJob:
				b.findJob(ctx, m.wave, logger)
			case msgFindJobReturn:
				b.findJobReturned.Add(m.ret.ID)
			case msgCheckFindJob:
				b.checkFindJob(ctx, m.wave, logger)
			case msgScheduleNext:
				b.scheduled = false
				b.next(ctx, logger)
			}
		}
	}
}

func (b *AsyncBatch) handlePingReturn(ret job.Return, logger *slog.Logger) {
	if !b.down.Has(ret.ID) {
		return
	}
	delete(b.down, ret.ID)
	b.minions.Add(ret.ID)
	logger.Debug("minion answered batch ping", "minion", ret.ID)
	if len(b.down) == 0 {
		// Fast path: everyone answered before the gather timeout.
		b.post(message{kind: msgStartBatch})
	}
}

// startBatch runs its setup exactly once no matter how many triggers race
// to call it: the timeout, the ping fast path, or both.
func (b *AsyncBatch) startBatch(ctx context.Context, logger *slog.Logger) {
	if b.initialized {
		return
	}
	b.initialized = true

	size, err := ParseSize(b.opts.Size, len(b.minions))
	if err != nil {
		logger.Warn("invalid batch size, running without batching", "size", b.opts.Size, "reason", err.Error())
		size = len(b.minions)
	}
	b.batchSize = size

	b.bus.Publish("batch/"+b.spec.JID+"/start", map[string]any{
		"jid":       b.spec.JID,
		"available": b.minions.Sorted(),
		"down":      b.down.Sorted(),
	})
	logger.Info("async batch starting", "minions", len(b.minions), "down", len(b.down), "wave_size", b.batchSize)
	b.next(ctx, logger)
}

// next computes and dispatches the next wave, or finishes the batch when
// nothing remains and nothing is active.
func (b *AsyncBatch) next(ctx context.Context, logger *slog.Logger) {
	if !b.initialized {
		return
	}

	remaining := b.minions.Diff(b.doneMinions).Diff(b.active).Diff(b.timedoutMinions)
	slots := b.batchSize - len(b.active)

	wave := target.NewSet()
	for _, id := range remaining.Sorted() {
		if len(wave) >= slots {
			break
		}
		wave.Add(id)
	}

	if len(wave) == 0 {
		if len(b.active) == 0 {
			b.finish(logger)
		}
		return
	}

	waveJID := job.NewJID()
	b.forwardReturns(waveJID, msgJobReturn)
	sub := job.Spec{
		JID:        waveJID,
		Function:   b.spec.Function,
		Arguments:  b.spec.Arguments,
		Target:     strings.Join(wave.Sorted(), ","),
		TargetType: target.KindList,
		Requester:  b.spec.Requester,
		Minions:    wave.Sorted(),
	}
	if err := b.pub.Publish(ctx, sub); err != nil {
		// Transport refused the wave: classify its minions as timed out
		// rather than wedging the batch.
		logger.Warn("wave dispatch failed", "jid", waveJID, "error", err.Error())
		for id := range wave {
			b.timedoutMinions.Add(id)
		}
		if len(b.active) == 0 {
			b.finish(logger)
		}
		return
	}
	if b.store != nil {
		if err := b.store.Save(ctx, sub); err != nil {
			logger.Warn("saving wave job failed", "jid", waveJID, "error", err.Error())
		}
	}

	for id := range wave {
		b.active.Add(id)
	}
	logger.Info("wave dispatched", "jid", waveJID, "size", len(wave))

	// Liveness probe for this wave after the grace period.
	b.after(b.opts.GatherTimeout, message{kind: msgFindJob, wave: wave.Clone()})
}

func (b *AsyncBatch) handleJobReturn(ctx context.Context, ret job.Return, logger *slog.Logger) {
	if !b.active.Has(ret.ID) {
		return
	}
	delete(b.active, ret.ID)
	b.doneMinions.Add(ret.ID)
	if b.store != nil {
		if err := b.store.RecordReturn(ctx, ret); err != nil {
			logger.Warn("recording return failed", "minion", ret.ID, "error", err.Error())
		}
	}
	b.bus.Publish("batch/"+b.spec.JID+"/progress", map[string]any{
		"jid":    b.spec.JID,
		"minion": ret.ID,
		"done":   len(b.doneMinions),
		"total":  len(b.minions),
	})

	// Debounce: coalesce near-simultaneous completions into one next-wave
	// computation instead of recomputing per return.
	if !b.scheduled {
		b.scheduled = true
		b.after(b.opts.Delay, message{kind: msgScheduleNext})
	}
}

// findJob probes wave members that are still active. Minions that answer
// the probe are given another grace period; minions that don't are moved to
// timed out by checkFindJob.
func (b *AsyncBatch) findJob(ctx context.Context, wave target.Set, logger *slog.Logger) {
	pending := wave.Intersect(b.active)
	if len(pending) == 0 {
		return
	}

	probeJID := job.NewJID()
	b.forwardReturns(probeJID, msgFindJobReturn)
	probe := job.Spec{
		JID:        probeJID,
		Function:   FindJobFunction,
		Arguments:  []any{b.spec.JID},
		Target:     strings.Join(pending.Sorted(), ","),
		TargetType: target.KindList,
		Minions:    pending.Sorted(),
	}
	if err := b.pub.Publish(ctx, probe); err != nil {
		logger.Warn("liveness probe dispatch failed", "jid", probeJID, "error", err.Error())
	}
	b.after(b.opts.GatherTimeout, message{kind: msgCheckFindJob, wave: pending})
}

func (b *AsyncBatch) checkFindJob(ctx context.Context, wave target.Set, logger *slog.Logger) {
	reprobe := target.NewSet()
	moved := false
	for id := range wave {
		if !b.active.Has(id) {
			continue // completed in the meantime
		}
		if b.findJobReturned.Has(id) {
			// Still working on the job; probe again rather than
			// declaring it dead.
			delete(b.findJobReturned, id)
			reprobe.Add(id)
			continue
		}
		delete(b.active, id)
		b.timedoutMinions.Add(id)
		moved = true
		logger.Warn("minion timed out mid-wave", "minion", id)
	}

	if len(reprobe) > 0 {
		b.findJob(ctx, reprobe, logger)
	}
	if moved && !b.scheduled {
		b.scheduled = true
		b.after(b.opts.Delay, message{kind: msgScheduleNext})
	}
}

func (b *AsyncBatch) finish(logger *slog.Logger) {
	acc := Accounting{
		JID:      b.spec.JID,
		Down:     b.down.Sorted(),
		Done:     b.doneMinions.Sorted(),
		TimedOut: b.timedoutMinions.Sorted(),
	}
	b.bus.Publish("batch/"+b.spec.JID+"/done", acc)
	logger.Info("async batch done",
		"done", len(acc.Done), "timed_out", len(acc.TimedOut), "down", len(acc.Down))
	b.finished <- acc
	b.Close()
}
