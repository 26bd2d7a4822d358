package target

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testResolver(t *testing.T, groups map[string][]string) *Resolver {
	t.Helper()
	cache := fakeCache{
		"grains": {
			"web1": json.RawMessage(`{"os":"Ubuntu","roles":["frontend"]}`),
			"web2": json.RawMessage(`{"os":"Ubuntu","roles":["frontend"]}`),
			"db1":  json.RawMessage(`{"os":"Debian","roles":["storage"]}`),
		},
		"pillar": {
			"web1": json.RawMessage(`{"tier":"edge"}`),
			"db1":  json.RawMessage(`{"tier":"data"}`),
		},
	}
	return NewResolver(fakeKeys{"web1", "web2", "db1"}, cache, groups)
}

func checkCompound(t *testing.T, r *Resolver, expression string) MatchResult {
	t.Helper()
	res, err := r.CheckMinions(context.Background(), expression, KindCompound, "", true)
	if err != nil {
		t.Fatalf("check %q: %v", expression, err)
	}
	return res
}

func TestCompoundNegation(t *testing.T) {
	r := testResolver(t, nil)

	res := checkCompound(t, r, "not L@web1")
	assert.Equal(t, []string{"db1", "web2"}, res.Minions.Sorted())

	res = checkCompound(t, r, "L@web1,web2 and not L@web2")
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
}

func TestCompoundPrecedence(t *testing.T) {
	r := testResolver(t, nil)

	// and binds tighter than or: db1 or (web1 and web*)
	res := checkCompound(t, r, "L@db1 or L@web1 and web*")
	assert.Equal(t, []string{"db1", "web1"}, res.Minions.Sorted())

	res = checkCompound(t, r, "( L@db1 or L@web1 ) and web*")
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
}

func TestCompoundMixedEngines(t *testing.T) {
	r := testResolver(t, nil)

	res := checkCompound(t, r, "G@os:Ubuntu and E@web\\d")
	assert.Equal(t, []string{"web1", "web2"}, res.Minions.Sorted())

	res = checkCompound(t, r, "I@tier:edge or G@roles:storage")
	assert.Equal(t, []string{"db1", "web1"}, res.Minions.Sorted())
}

func TestCompoundMissingAccumulatesFromLists(t *testing.T) {
	r := testResolver(t, nil)

	res := checkCompound(t, r, "L@web1,ghost or L@db1")
	assert.Equal(t, []string{"db1", "web1"}, res.Minions.Sorted())
	assert.Equal(t, []string{"ghost"}, res.Missing.Sorted())
}

func TestCompoundSyntaxErrorsFailEmpty(t *testing.T) {
	r := testResolver(t, nil)

	for _, expression := range []string{
		"web1 not web2",  // not after a target
		"web1 and",       // dangling operator
		"and web1",       // leading operator
		"( web1",         // unbalanced open
		"web1 )",         // unbalanced close
		"web1 web2",      // adjacent targets
		"",               // nothing at all
		"X@foo and web1", // unknown engine letter poisons the whole expression
		"N@ or web1",     // a bare nodegroup marker never reaches evaluation
	} {
		res := checkCompound(t, r, expression)
		assert.Empty(t, res.Minions, "expression %q", expression)
		assert.Empty(t, res.Missing, "expression %q", expression)
	}
}

func TestCompoundNotPlacement(t *testing.T) {
	r := testResolver(t, nil)

	res := checkCompound(t, r, "not not L@web1")
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())

	res = checkCompound(t, r, "web* and not ( L@web2 or L@db1 )")
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
}

func TestCompoundNodegroupScenario(t *testing.T) {
	groups := map[string][]string{
		"webs": {"L@web1,web2"},
	}
	r := testResolver(t, groups)

	res := checkCompound(t, r, "N@webs and not L@web2")
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
}

func TestCompoundCyclicNodegroupMatchesNothing(t *testing.T) {
	groups := map[string][]string{
		"A": {"N@A"},
	}
	r := testResolver(t, groups)

	res, err := r.CheckMinions(context.Background(), "A", KindNodegroup, "", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Empty(t, res.Minions)

	// A cyclic or unknown group inside a wider expression contributes
	// nothing but does not poison the rest.
	res = checkCompound(t, r, "N@A or L@db1")
	assert.Equal(t, []string{"db1"}, res.Minions.Sorted())

	res = checkCompound(t, r, "N@ghostgroup or L@db1")
	assert.Equal(t, []string{"db1"}, res.Minions.Sorted())
}

func TestCheckMinionsDispatch(t *testing.T) {
	r := testResolver(t, map[string][]string{"webs": {"web1", "web2"}})
	ctx := context.Background()

	// Empty target type means glob.
	res, err := r.CheckMinions(ctx, "web*", "", "", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"web1", "web2"}, res.Minions.Sorted())

	res, err = r.CheckMinions(ctx, "webs", KindNodegroup, "", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"web1", "web2"}, res.Minions.Sorted())

	res, err = r.CheckMinions(ctx, "os:Debian", KindGrain, "", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"db1"}, res.Minions.Sorted())

	// Range is a pluggable seam; without a backend it matches nothing.
	res, err = r.CheckMinions(ctx, "%cluster", KindRange, "", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Empty(t, res.Minions)
}

func TestConnectedIDs(t *testing.T) {
	cache := fakeCache{
		"grains": {
			"web1": json.RawMessage(`{"ipv4":["10.0.1.5"]}`),
			"web2": json.RawMessage(`{"ipv4":["10.0.2.9"]}`),
			"lo1":  json.RawMessage(`{"ipv4":["127.0.0.1"]}`),
		},
	}
	r := NewResolver(fakeKeys{"web1", "web2", "lo1"}, cache, nil,
		WithPeerSource(LocalPeers{"10.0.1.5", "127.0.0.1"}))
	ctx := context.Background()

	ids, err := r.ConnectedIDs(ctx, ConnectedQuery{})
	if err != nil {
		t.Fatalf("connected: %v", err)
	}
	assert.Equal(t, []string{"web1"}, ids.Sorted())

	ids, err = r.ConnectedIDs(ctx, ConnectedQuery{IncludeLocalhost: true})
	if err != nil {
		t.Fatalf("connected: %v", err)
	}
	assert.Equal(t, []string{"lo1", "web1"}, ids.Sorted())

	ids, err = r.ConnectedIDs(ctx, ConnectedQuery{Subset: NewSet("web2", "lo1")})
	if err != nil {
		t.Fatalf("connected: %v", err)
	}
	assert.Empty(t, ids)
}
