package target

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fleetwright/drover/internal/log"
)

// IdentitySource lists the authoritative set of known minion identities,
// typically the accepted-key directory.
type IdentitySource interface {
	ListKnown() (map[string]struct{}, error)
}

// DataCache reads cached minion documents (grains, pillar) by bucket.
type DataCache interface {
	Fetch(ctx context.Context, bucket, id string) (json.RawMessage, bool, error)
	List(ctx context.Context, bucket string) (map[string]struct{}, error)
}

// Engine resolves one matcher expression against the fleet. Pattern syntax
// errors fail empty with a logged warning; only infrastructure failures
// (identity source or cache unreachable) return an error.
type Engine interface {
	Check(ctx context.Context, pattern, delimiter string, greedy bool) (MatchResult, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, pattern, delimiter string, greedy bool) (MatchResult, error)

func (f EngineFunc) Check(ctx context.Context, pattern, delimiter string, greedy bool) (MatchResult, error) {
	return f(ctx, pattern, delimiter, greedy)
}

// GlobEngine shell-glob matches the pattern against each known identity. An
// exact string with no wildcards is a valid glob.
type GlobEngine struct {
	Keys IdentitySource
}

func (e *GlobEngine) Check(ctx context.Context, pattern, _ string, _ bool) (MatchResult, error) {
	known, err := e.Keys.ListKnown()
	if err != nil {
		return EmptyResult(), fmt.Errorf("listing known minions: %w", err)
	}

	result := EmptyResult()
	for id := range known {
		ok, err := path.Match(pattern, id)
		if err != nil {
			log.Warn("malformed glob pattern, matching nothing", "pattern", pattern)
			return EmptyResult(), nil
		}
		if ok {
			result.Minions.Add(id)
		}
	}
	return result, nil
}

// ListEngine matches an explicit comma-separated identity list. Listed ids
// that are not known go to Missing.
type ListEngine struct {
	Keys IdentitySource
}

func (e *ListEngine) Check(ctx context.Context, pattern, _ string, _ bool) (MatchResult, error) {
	known, err := e.Keys.ListKnown()
	if err != nil {
		return EmptyResult(), fmt.Errorf("listing known minions: %w", err)
	}

	result := EmptyResult()
	for _, id := range strings.Split(pattern, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := known[id]; ok {
			result.Minions.Add(id)
		} else {
			result.Missing.Add(id)
		}
	}
	return result, nil
}

// PCREEngine regex-matches the pattern against each known identity with
// full-match semantics.
type PCREEngine struct {
	Keys IdentitySource
}

func (e *PCREEngine) Check(ctx context.Context, pattern, _ string, _ bool) (MatchResult, error) {
	re, err := compileFullMatch(pattern)
	if err != nil {
		log.Warn("malformed regex pattern, matching nothing", "pattern", pattern)
		return EmptyResult(), nil
	}

	known, err := e.Keys.ListKnown()
	if err != nil {
		return EmptyResult(), fmt.Errorf("listing known minions: %w", err)
	}

	result := EmptyResult()
	for id := range known {
		if re.MatchString(id) {
			result.Minions.Add(id)
		}
	}
	return result, nil
}

// compileFullMatch anchors pattern so it must cover the whole subject.
func compileFullMatch(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + pattern + `)\z`)
}
