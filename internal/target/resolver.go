package target

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/fleetwright/drover/internal/log"
)

// PeerSource reports the remote addresses of currently-observed transport
// peers, used to approximate which minions are online right now.
type PeerSource interface {
	ObservedPeers() (map[string]struct{}, error)
}

// Registry maps engine kinds to matcher implementations. Built once at
// process start and handed to every consumer; nothing registers into it at
// match time.
type Registry struct {
	engines map[Kind]Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[Kind]Engine)}
}

// Register installs an engine for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, engine Engine) {
	r.engines[kind] = engine
}

// Lookup returns the engine for kind.
func (r *Registry) Lookup(kind Kind) (Engine, bool) {
	e, ok := r.engines[kind]
	return e, ok
}

// Resolver answers "which minions does this expression address" for every
// supported target type, and which of them look connected.
type Resolver struct {
	keys     IdentitySource
	cache    DataCache
	peers    PeerSource
	groups   map[string][]string
	registry *Registry
}

// Option adjusts resolver construction.
type Option func(*Resolver)

// WithEngine plugs an additional or replacement engine, e.g. a cluster-range
// backend for R@ expressions.
func WithEngine(kind Kind, engine Engine) Option {
	return func(r *Resolver) { r.registry.Register(kind, engine) }
}

// WithPeerSource supplies the connected-peer collaborator for ConnectedIDs.
func WithPeerSource(peers PeerSource) Option {
	return func(r *Resolver) { r.peers = peers }
}

// NewResolver wires the standard engines over the identity source and minion
// data cache. groups holds the configured nodegroups, already tokenized.
func NewResolver(keys IdentitySource, cache DataCache, groups map[string][]string, opts ...Option) *Resolver {
	r := &Resolver{
		keys:     keys,
		cache:    cache,
		groups:   groups,
		registry: NewRegistry(),
	}
	r.registry.Register(KindGlob, &GlobEngine{Keys: keys})
	r.registry.Register(KindList, &ListEngine{Keys: keys})
	r.registry.Register(KindPCRE, &PCREEngine{Keys: keys})
	for kind, bucket := range map[Kind]string{
		KindGrain:       bucketGrains,
		KindGrainPCRE:   bucketGrains,
		KindGrainExact:  bucketGrains,
		KindPillar:      bucketPillar,
		KindPillarPCRE:  bucketPillar,
		KindPillarExact: bucketPillar,
	} {
		r.registry.Register(kind, &DataEngine{Keys: keys, Cache: cache, Bucket: bucket, Mode: kind})
	}
	r.registry.Register(KindIPCIDR, &IPCIDREngine{Keys: keys, Cache: cache})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache buckets consumed by the data engines.
const (
	bucketGrains = "grains"
	bucketPillar = "pillar"
)

// CheckMinions resolves expression under targetType. An empty targetType
// means glob. Targeting mistakes (unknown type, bad syntax) match nothing;
// only collaborator failures return an error.
func (r *Resolver) CheckMinions(ctx context.Context, expression string, targetType Kind, delimiter string, greedy bool) (MatchResult, error) {
	if targetType == "" {
		targetType = KindGlob
	}
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}

	switch targetType {
	case KindCompound:
		return r.evalCompound(ctx, r.expandTokens(TokenizeCompound(expression)), greedy)
	case KindNodegroup:
		return r.evalCompound(ctx, ExpandNodegroup(expression, r.groups), greedy)
	default:
		engine, ok := r.registry.Lookup(targetType)
		if !ok {
			log.Warn("unknown target type, matching nothing", "target_type", string(targetType))
			return EmptyResult(), nil
		}
		return engine.Check(ctx, expression, delimiter, greedy)
	}
}

// CheckAuthTarget resolves an ACL entry's target pattern for authorization
// subset checks. Grain and pillar leaves are forced to literal-equality
// matching so a glob or regex in the request cannot widen a grant scoped to
// exact data values, and only cache-confirmed minions count toward a grant.
func (r *Resolver) CheckAuthTarget(ctx context.Context, expression string, targetType Kind, delimiter string) (MatchResult, error) {
	if targetType == "" {
		targetType = KindGlob
	}
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}

	switch targetType {
	case KindCompound:
		return r.evalCompoundExact(ctx, r.expandTokens(TokenizeCompound(expression)))
	case KindNodegroup:
		return r.evalCompoundExact(ctx, ExpandNodegroup(expression, r.groups))
	default:
		engine, ok := r.registry.Lookup(exactKind(targetType))
		if !ok {
			log.Warn("unknown target type, matching nothing", "target_type", string(targetType))
			return EmptyResult(), nil
		}
		return engine.Check(ctx, expression, delimiter, false)
	}
}

func (r *Resolver) evalCompoundExact(ctx context.Context, tokens []string) (MatchResult, error) {
	known, err := r.keys.ListKnown()
	if err != nil {
		return EmptyResult(), fmt.Errorf("listing known minions: %w", err)
	}
	universe := make(Set, len(known))
	for id := range known {
		universe.Add(id)
	}

	ev := &compoundEvaluator{
		universe: universe,
		resolve: func(ctx context.Context, expr Expression, _ bool) (MatchResult, error) {
			engine, ok := r.registry.Lookup(exactKind(expr.Kind))
			if !ok {
				return EmptyResult(), fmt.Errorf("%w: no engine for kind %q", errUnresolvableLeaf, expr.Kind)
			}
			return engine.Check(ctx, expr.Pattern, expr.Delimiter, false)
		},
	}
	return ev.Evaluate(ctx, tokens, false)
}

// exactKind maps data-matching kinds to their literal-equality variants.
func exactKind(kind Kind) Kind {
	switch kind {
	case KindGrain, KindGrainPCRE:
		return KindGrainExact
	case KindPillar, KindPillarPCRE:
		return KindPillarExact
	default:
		return kind
	}
}

// expandTokens splices nodegroup references in a compound token stream so
// the evaluator only ever sees primitive leaves.
func (r *Resolver) expandTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len(token) > 2 && token[:2] == nodegroupPrefix {
			out = append(out, ExpandNodegroup(token[2:], r.groups)...)
			continue
		}
		out = append(out, token)
	}
	return out
}

func (r *Resolver) evalCompound(ctx context.Context, tokens []string, greedy bool) (MatchResult, error) {
	known, err := r.keys.ListKnown()
	if err != nil {
		return EmptyResult(), fmt.Errorf("listing known minions: %w", err)
	}
	universe := make(Set, len(known))
	for id := range known {
		universe.Add(id)
	}

	ev := &compoundEvaluator{
		universe: universe,
		resolve: func(ctx context.Context, expr Expression, greedy bool) (MatchResult, error) {
			engine, ok := r.registry.Lookup(expr.Kind)
			if !ok {
				return EmptyResult(), fmt.Errorf("%w: no engine for kind %q", errUnresolvableLeaf, expr.Kind)
			}
			return engine.Check(ctx, expr.Pattern, expr.Delimiter, greedy)
		},
	}
	return ev.Evaluate(ctx, tokens, greedy)
}

// ConnectedQuery narrows a connected-minion lookup.
type ConnectedQuery struct {
	Subset           Set  // nil means every cached minion
	IncludeLocalhost bool // keep loopback addresses in the comparison
}

// ConnectedIDs reports which cached minions have an address among the
// currently-observed transport peers.
func (r *Resolver) ConnectedIDs(ctx context.Context, q ConnectedQuery) (Set, error) {
	addrs, err := r.ConnectedAddrs(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(Set, len(addrs))
	for id := range addrs {
		out.Add(id)
	}
	return out, nil
}

// ConnectedAddrs is ConnectedIDs with the matching addresses included, keyed
// by minion id.
func (r *Resolver) ConnectedAddrs(ctx context.Context, q ConnectedQuery) (map[string][]string, error) {
	if r.peers == nil {
		return nil, fmt.Errorf("no peer source configured")
	}
	peers, err := r.peers.ObservedPeers()
	if err != nil {
		return nil, fmt.Errorf("listing observed peers: %w", err)
	}

	cached, err := r.cache.List(ctx, bucketGrains)
	if err != nil {
		return nil, fmt.Errorf("listing grains cache: %w", err)
	}

	out := make(map[string][]string)
	for id := range cached {
		if q.Subset != nil && !q.Subset.Has(id) {
			continue
		}
		doc, ok, err := r.cache.Fetch(ctx, bucketGrains, id)
		if err != nil {
			return nil, fmt.Errorf("fetching grains for %s: %w", id, err)
		}
		if !ok {
			continue
		}
		for _, addr := range grainAddresses(doc, true, true) {
			if addr.IsLoopback() && !q.IncludeLocalhost {
				continue
			}
			if _, seen := peers[addr.String()]; seen {
				out[id] = append(out[id], addr.String())
			}
		}
	}
	return out, nil
}

// LocalPeers adapts a static address list (e.g. from configuration or a
// transport snapshot) to the PeerSource interface.
type LocalPeers []string

func (p LocalPeers) ObservedPeers() (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(p))
	for _, s := range p {
		if addr, err := netip.ParseAddr(s); err == nil {
			out[addr.String()] = struct{}{}
		}
	}
	return out, nil
}
