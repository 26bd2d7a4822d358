package target

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"path"
	"strconv"
	"strings"

	"github.com/fleetwright/drover/internal/log"
)

// leafMatch tests one traversed document value against the expression's
// value part.
type leafMatch func(leaf any) bool

// DataEngine matches delimiter-separated key-path:value expressions against
// cached minion documents. Mode selects glob, regex, or literal value
// comparison; Bucket selects grains or pillar.
type DataEngine struct {
	Keys   IdentitySource
	Cache  DataCache
	Bucket string
	Mode   Kind
}

func (e *DataEngine) Check(ctx context.Context, pattern, delimiter string, greedy bool) (MatchResult, error) {
	candidates, err := dataCandidates(ctx, e.Keys, e.Cache, e.Bucket, greedy)
	if err != nil {
		return EmptyResult(), err
	}

	result := EmptyResult()
	for id := range candidates {
		doc, ok, err := e.Cache.Fetch(ctx, e.Bucket, id)
		if err != nil {
			return EmptyResult(), fmt.Errorf("fetching %s for %s: %w", e.Bucket, id, err)
		}
		if !ok {
			// Greedy candidates without a cache document: data was
			// expected and none was found.
			result.Missing.Add(id)
			continue
		}
		matched, ok := docMatches(doc, pattern, delimiter, e.leafMatcher)
		if !ok {
			log.Warn("malformed data expression, matching nothing",
				"engine", string(e.Mode), "pattern", pattern)
			return EmptyResult(), nil
		}
		if matched {
			result.Minions.Add(id)
		}
	}
	return result, nil
}

// leafMatcher builds the value predicate for the engine's mode. Returns an
// error for a malformed regex so the whole token fails empty.
func (e *DataEngine) leafMatcher(value string) (leafMatch, error) {
	switch e.Mode {
	case KindGrainPCRE, KindPillarPCRE:
		re, err := compileFullMatch(value)
		if err != nil {
			return nil, err
		}
		return func(leaf any) bool {
			return anyScalar(leaf, func(s string) bool { return re.MatchString(s) })
		}, nil
	case KindPillarExact, KindGrainExact:
		return func(leaf any) bool {
			return anyScalar(leaf, func(s string) bool { return s == value })
		}, nil
	default:
		return func(leaf any) bool {
			return anyScalar(leaf, func(s string) bool {
				ok, err := path.Match(value, s)
				return err == nil && ok
			})
		}, nil
	}
}

// dataCandidates decides the candidate universe per the greedy flag: greedy
// considers every key-accepted identity, non-greedy only identities with a
// confirmed cache entry.
func dataCandidates(ctx context.Context, keys IdentitySource, cache DataCache, bucket string, greedy bool) (map[string]struct{}, error) {
	if greedy {
		known, err := keys.ListKnown()
		if err != nil {
			return nil, fmt.Errorf("listing known minions: %w", err)
		}
		return known, nil
	}
	cached, err := cache.List(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("listing %s cache: %w", bucket, err)
	}
	return cached, nil
}

// docMatches tests a minion document against a key-path:value expression.
// The split point between key path and value is ambiguous when the value
// itself contains the delimiter, so every split is tried: "ec2:tags:role"
// tries path [ec2] value "tags:role", then path [ec2 tags] value "role".
// The second return is false when the predicate could not be built.
func docMatches(doc json.RawMessage, pattern, delimiter string, build func(string) (leafMatch, error)) (bool, bool) {
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return false, true
	}

	segments := strings.Split(pattern, delimiter)
	if len(segments) < 2 {
		return false, true
	}
	for split := 1; split < len(segments); split++ {
		value := strings.Join(segments[split:], delimiter)
		match, err := build(value)
		if err != nil {
			return false, false
		}
		for _, leaf := range traverse(root, segments[:split]) {
			if match(leaf) {
				return true, true
			}
		}
	}
	return false, true
}

// traverse walks maps by key path. Path segments may be globs; a segment
// matching several keys fans out to all of them. Lists are entered by
// numeric index when the segment is one, otherwise the remaining path is
// retried against every element.
func traverse(node any, keyPath []string) []any {
	if len(keyPath) == 0 {
		return []any{node}
	}
	segment, rest := keyPath[0], keyPath[1:]

	switch n := node.(type) {
	case map[string]any:
		if child, ok := n[segment]; ok {
			return traverse(child, rest)
		}
		if !strings.ContainsAny(segment, "*?[") {
			return nil
		}
		var out []any
		for key, child := range n {
			if ok, _ := path.Match(segment, key); ok {
				out = append(out, traverse(child, rest)...)
			}
		}
		return out
	case []any:
		if idx, err := strconv.Atoi(segment); err == nil && idx >= 0 && idx < len(n) {
			return traverse(n[idx], rest)
		}
		var out []any
		for _, child := range n {
			out = append(out, traverse(child, keyPath)...)
		}
		return out
	default:
		return nil
	}
}

// anyScalar applies pred to the stringified leaf, or to each element when the
// leaf is a list. Maps never match a value expression.
func anyScalar(leaf any, pred func(string) bool) bool {
	switch v := leaf.(type) {
	case []any:
		for _, elem := range v {
			if s, ok := stringifyScalar(elem); ok && pred(s) {
				return true
			}
		}
		return false
	default:
		s, ok := stringifyScalar(leaf)
		return ok && pred(s)
	}
}

// stringifyScalar renders a JSON scalar the way operators write expressions:
// numbers without a trailing ".0" when integral, booleans lowercase.
func stringifyScalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case nil:
		return "null", true
	default:
		return "", false
	}
}

// IPCIDREngine matches minions whose cached address lists intersect an IP
// address or CIDR block. Addresses come from the grains document's "ipv4"
// and "ipv6" lists.
type IPCIDREngine struct {
	Keys  IdentitySource
	Cache DataCache
}

func (e *IPCIDREngine) Check(ctx context.Context, pattern, _ string, greedy bool) (MatchResult, error) {
	match, ok := parseCIDRPattern(pattern)
	if !ok {
		log.Warn("malformed IP/CIDR expression, matching nothing", "pattern", pattern)
		return EmptyResult(), nil
	}

	candidates, err := dataCandidates(ctx, e.Keys, e.Cache, "grains", greedy)
	if err != nil {
		return EmptyResult(), err
	}

	result := EmptyResult()
	for id := range candidates {
		doc, ok, err := e.Cache.Fetch(ctx, "grains", id)
		if err != nil {
			return EmptyResult(), fmt.Errorf("fetching grains for %s: %w", id, err)
		}
		if !ok {
			result.Missing.Add(id)
			continue
		}
		for _, addr := range grainAddresses(doc, true, true) {
			if match(addr) {
				result.Minions.Add(id)
				break
			}
		}
	}
	return result, nil
}

// parseCIDRPattern accepts a bare address or a prefix and returns a
// membership test.
func parseCIDRPattern(pattern string) (func(netip.Addr) bool, bool) {
	if prefix, err := netip.ParsePrefix(pattern); err == nil {
		return prefix.Contains, true
	}
	if addr, err := netip.ParseAddr(pattern); err == nil {
		return func(a netip.Addr) bool { return a == addr }, true
	}
	return nil, false
}

// grainAddresses extracts parseable addresses from a grains document's ipv4
// and ipv6 lists.
func grainAddresses(doc json.RawMessage, v4, v6 bool) []netip.Addr {
	var grains struct {
		IPv4 []string `json:"ipv4"`
		IPv6 []string `json:"ipv6"`
	}
	if err := json.Unmarshal(doc, &grains); err != nil {
		return nil
	}
	var raw []string
	if v4 {
		raw = append(raw, grains.IPv4...)
	}
	if v6 {
		raw = append(raw, grains.IPv6...)
	}
	addrs := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		if addr, err := netip.ParseAddr(s); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
