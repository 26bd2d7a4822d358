package batch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fleetwright/drover/internal/events"
	"github.com/fleetwright/drover/internal/job"
	"github.com/fleetwright/drover/internal/log"
	"github.com/fleetwright/drover/internal/target"
)

// Options tune both schedulers.
type Options struct {
	Size             string        // absolute count or "N%" of discovered minions
	GatherTimeout    time.Duration // ping/liveness ceiling
	Delay            time.Duration // async inter-wave debounce
	PollInterval     time.Duration // sync per-poll wait
	EmptyPollRetries int           // sync empty polls tolerated per wave
}

func (o *Options) normalize() {
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = 10 * time.Second
	}
	if o.Delay <= 0 {
		o.Delay = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.EmptyPollRetries <= 0 {
		o.EmptyPollRetries = 5
	}
}

// SyncRunner executes a batch on the caller's goroutine, wave by wave,
// blocking until every discovered minion has a result.
type SyncRunner struct {
	Pub      Publisher
	Bus      *events.Bus
	Resolver TargetResolver
	Store    *job.Store // optional result persistence
	Opts     Options
}

// SyncResult is the outcome of a synchronous batch.
type SyncResult struct {
	JID     string
	Down    []string // matched the target but never answered the ping
	Returns map[string]job.Return
}

// Run pings the target to discover reachable minions, then dispatches the
// job in waves. Minions that stop responding mid-wave get a synthetic
// non-return result; they never abort the batch.
func (r *SyncRunner) Run(ctx context.Context, spec job.Spec) (*SyncResult, error) {
	opts := r.Opts
	opts.normalize()
	if spec.JID == "" {
		spec.JID = job.NewJID()
	}
	logger := log.WithBatch(spec.JID)

	matched, err := r.Resolver.CheckMinions(ctx, spec.Target, spec.TargetType, "", true)
	if err != nil {
		return nil, err
	}

	worklist, err := r.gather(ctx, matched.Minions, opts)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		JID:     spec.JID,
		Down:    matched.Minions.Diff(target.NewSet(worklist...)).Sorted(),
		Returns: make(map[string]job.Return, len(worklist)),
	}
	if len(worklist) == 0 {
		logger.Warn("no minions answered the batch ping", "target", spec.Target)
		return result, nil
	}

	bnum, err := ParseSize(opts.Size, len(worklist))
	if err != nil {
		logger.Warn("invalid batch size, running without batching", "size", opts.Size, "reason", err.Error())
		bnum = len(worklist)
	}
	logger.Info("batch starting", "minions", len(worklist), "wave_size", bnum, "down", len(result.Down))

	toRun := worklist // already stable-sorted by gather
	for len(toRun) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		wave := toRun
		if len(wave) > bnum {
			wave = toRun[:bnum]
		}
		toRun = toRun[len(wave):]

		if err := r.runWave(ctx, spec, wave, opts, result.Returns); err != nil {
			return result, err
		}
	}
	logger.Info("batch complete", "returned", len(result.Returns))
	return result, nil
}

// gather pings every matched minion and returns the sorted set that
// answered within the gather timeout. Deterministic ordering keeps wave
// composition reproducible across identical runs.
func (r *SyncRunner) gather(ctx context.Context, matched target.Set, opts Options) ([]string, error) {
	if len(matched) == 0 {
		return nil, nil
	}

	pingJID := job.NewJID()
	returns, cancel := r.Bus.Subscribe(job.TagReturnPrefix(pingJID))
	defer cancel()

	ping := job.Spec{
		JID:        pingJID,
		Function:   PingFunction,
		Target:     strings.Join(matched.Sorted(), ","),
		TargetType: target.KindList,
		Minions:    matched.Sorted(),
	}
	if err := r.Pub.Publish(ctx, ping); err != nil {
		return nil, err
	}

	alive := target.NewSet()
	deadline := time.NewTimer(opts.GatherTimeout)
	defer deadline.Stop()
	for len(alive) < len(matched) {
		select {
		case ev, ok := <-returns:
			if !ok {
				return alive.Sorted(), nil
			}
			if ret, ok := decodeReturn(ev); ok && matched.Has(ret.ID) {
				alive.Add(ret.ID)
			}
		case <-deadline.C:
			return alive.Sorted(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return alive.Sorted(), nil
}

// runWave dispatches one wave as a single sub-job and collects its returns
// with a bounded number of empty polls, then records a synthetic non-return
// for any straggler.
func (r *SyncRunner) runWave(ctx context.Context, spec job.Spec, wave []string, opts Options, results map[string]job.Return) error {
	waveJID := job.NewJID()
	returns, cancel := r.Bus.Subscribe(job.TagReturnPrefix(waveJID))
	defer cancel()

	sub := job.Spec{
		JID:        waveJID,
		Function:   spec.Function,
		Arguments:  spec.Arguments,
		Target:     strings.Join(wave, ","),
		TargetType: target.KindList,
		Requester:  spec.Requester,
		Minions:    wave,
	}
	if err := r.Pub.Publish(ctx, sub); err != nil {
		return err
	}
	if r.Store != nil {
		if err := r.Store.Save(ctx, sub); err != nil {
			log.WithBatch(spec.JID).Warn("saving wave job failed", "jid", waveJID, "error", err.Error())
		}
	}

	pending := target.NewSet(wave...)
	emptyPolls := 0
	for len(pending) > 0 && emptyPolls < opts.EmptyPollRetries {
		poll := time.NewTimer(opts.PollInterval)
		select {
		case ev, ok := <-returns:
			poll.Stop()
			if !ok {
				pending = target.NewSet()
				break
			}
			ret, ok := decodeReturn(ev)
			if !ok || !pending.Has(ret.ID) {
				continue
			}
			delete(pending, ret.ID)
			results[ret.ID] = ret
			r.record(ctx, ret)
		case <-poll.C:
			emptyPolls++
		case <-ctx.Done():
			poll.Stop()
			return ctx.Err()
		}
	}

	// Stragglers get a terminal non-return result; the batch moves on.
	for _, id := range pending.Sorted() {
		ret := job.Return{
			ID:      id,
			JID:     waveJID,
			Return:  "Minion did not return",
			Retcode: 1,
			Success: false,
		}
		results[id] = ret
		r.record(ctx, ret)
		log.WithBatch(spec.JID).Warn("minion did not return", "minion", id, "jid", waveJID)
	}
	return nil
}

func (r *SyncRunner) record(ctx context.Context, ret job.Return) {
	if r.Store == nil {
		return
	}
	if err := r.Store.RecordReturn(ctx, ret); err != nil {
		log.WithJob(ret.JID).Warn("recording return failed", "minion", ret.ID, "error", err.Error())
	}
}

func decodeReturn(ev events.Event) (job.Return, bool) {
	var ret job.Return
	if err := json.Unmarshal(ev.Data, &ret); err != nil || ret.ID == "" {
		return job.Return{}, false
	}
	return ret, true
}
