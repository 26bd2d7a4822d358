package target

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeKeys is an in-memory IdentitySource.
type fakeKeys []string

func (f fakeKeys) ListKnown() (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(f))
	for _, id := range f {
		out[id] = struct{}{}
	}
	return out, nil
}

// fakeCache is an in-memory DataCache: bucket -> id -> document.
type fakeCache map[string]map[string]json.RawMessage

func (f fakeCache) Fetch(_ context.Context, bucket, id string) (json.RawMessage, bool, error) {
	doc, ok := f[bucket][id]
	return doc, ok, nil
}

func (f fakeCache) List(_ context.Context, bucket string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(f[bucket]))
	for id := range f[bucket] {
		out[id] = struct{}{}
	}
	return out, nil
}

func grains(docs map[string]string) fakeCache {
	bucket := make(map[string]json.RawMessage, len(docs))
	for id, doc := range docs {
		bucket[id] = json.RawMessage(doc)
	}
	return fakeCache{"grains": bucket}
}

func TestGlobEngineExactIdentity(t *testing.T) {
	e := &GlobEngine{Keys: fakeKeys{"web1", "web2", "db1"}}
	for _, id := range []string{"web1", "web2", "db1"} {
		res, err := e.Check(context.Background(), id, ":", true)
		if err != nil {
			t.Fatalf("check %s: %v", id, err)
		}
		assert.Equal(t, []string{id}, res.Minions.Sorted())
	}
}

func TestGlobEngineWildcards(t *testing.T) {
	e := &GlobEngine{Keys: fakeKeys{"web1", "web2", "db1"}}

	cases := []struct {
		pattern string
		want    []string
	}{
		{"web*", []string{"web1", "web2"}},
		{"*", []string{"db1", "web1", "web2"}},
		{"web?", []string{"web1", "web2"}},
		{"nothing*", []string{}},
	}
	for _, tc := range cases {
		res, err := e.Check(context.Background(), tc.pattern, ":", true)
		if err != nil {
			t.Fatalf("check %q: %v", tc.pattern, err)
		}
		assert.Equal(t, tc.want, res.Minions.Sorted(), "pattern %q", tc.pattern)
	}
}

func TestGlobEngineMalformedPatternMatchesNothing(t *testing.T) {
	e := &GlobEngine{Keys: fakeKeys{"web1"}}
	res, err := e.Check(context.Background(), "[unclosed", ":", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Empty(t, res.Minions)
}

func TestListEngineMissingAndDuplicates(t *testing.T) {
	e := &ListEngine{Keys: fakeKeys{"a", "b"}}

	res, err := e.Check(context.Background(), "a,b,a", ":", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	dedup, err := e.Check(context.Background(), "a,b", ":", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, dedup.Minions.Sorted(), res.Minions.Sorted())

	res, err = e.Check(context.Background(), "a, ghost ,b", ":", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"a", "b"}, res.Minions.Sorted())
	assert.Equal(t, []string{"ghost"}, res.Missing.Sorted())
}

func TestPCREEngineFullMatch(t *testing.T) {
	e := &PCREEngine{Keys: fakeKeys{"web1", "web10", "db1"}}

	res, err := e.Check(context.Background(), "web\\d", ":", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// full-match semantics: web10 needs web\d+
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())

	res, err = e.Check(context.Background(), "(unclosed", ":", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Empty(t, res.Minions)
}

func TestGrainEngineNestedPaths(t *testing.T) {
	cache := grains(map[string]string{
		"web1": `{"os":"Ubuntu","ec2":{"tags":{"role":"webserver"}},"cpus":4}`,
		"web2": `{"os":"Debian","ec2":{"tags":{"role":"webserver"}}}`,
		"db1":  `{"os":"Ubuntu","ec2":{"tags":{"role":"database"}}}`,
	})
	e := &DataEngine{Keys: fakeKeys{"web1", "web2", "db1"}, Cache: cache, Bucket: "grains", Mode: KindGrain}

	cases := []struct {
		pattern string
		want    []string
	}{
		{"os:Ubuntu", []string{"db1", "web1"}},
		{"os:ubuntu", []string{}},
		{"ec2:tags:role:web*", []string{"web1", "web2"}},
		{"cpus:4", []string{"web1"}},
		{"nosuchkey:value", []string{}},
	}
	for _, tc := range cases {
		res, err := e.Check(context.Background(), tc.pattern, ":", false)
		if err != nil {
			t.Fatalf("check %q: %v", tc.pattern, err)
		}
		assert.Equal(t, tc.want, res.Minions.Sorted(), "pattern %q", tc.pattern)
	}
}

func TestGrainEngineCustomDelimiter(t *testing.T) {
	cache := grains(map[string]string{
		"web1": `{"path":{"a:b":"yes"}}`,
	})
	e := &DataEngine{Keys: fakeKeys{"web1"}, Cache: cache, Bucket: "grains", Mode: KindGrain}

	res, err := e.Check(context.Background(), "path#a:b#yes", "#", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
}

func TestGrainEngineListValues(t *testing.T) {
	cache := grains(map[string]string{
		"web1": `{"roles":["frontend","edge"]}`,
		"db1":  `{"roles":["storage"]}`,
	})
	e := &DataEngine{Keys: fakeKeys{"web1", "db1"}, Cache: cache, Bucket: "grains", Mode: KindGrain}

	res, err := e.Check(context.Background(), "roles:edge", ":", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
}

func TestGrainPCREEngine(t *testing.T) {
	cache := grains(map[string]string{
		"web1": `{"os":"Ubuntu"}`,
		"db1":  `{"os":"Debian"}`,
	})
	e := &DataEngine{Keys: fakeKeys{"web1", "db1"}, Cache: cache, Bucket: "grains", Mode: KindGrainPCRE}

	res, err := e.Check(context.Background(), "os:(Ubuntu|Debian)", ":", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"db1", "web1"}, res.Minions.Sorted())

	res, err = e.Check(context.Background(), "os:(unclosed", ":", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Empty(t, res.Minions)
}

func TestPillarExactEngineRejectsGlobSemantics(t *testing.T) {
	cache := fakeCache{"pillar": {
		"web1": json.RawMessage(`{"role":"frontend"}`),
		"web2": json.RawMessage(`{"role":"front"}`),
	}}
	e := &DataEngine{Keys: fakeKeys{"web1", "web2"}, Cache: cache, Bucket: "pillar", Mode: KindPillarExact}

	res, err := e.Check(context.Background(), "role:front*", ":", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// "front*" is a literal in exact mode, matching neither value.
	assert.Empty(t, res.Minions)

	res, err = e.Check(context.Background(), "role:frontend", ":", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
}

func TestDataEngineGreedyReportsUncachedAsMissing(t *testing.T) {
	cache := grains(map[string]string{
		"web1": `{"os":"Ubuntu"}`,
	})
	e := &DataEngine{Keys: fakeKeys{"web1", "fresh"}, Cache: cache, Bucket: "grains", Mode: KindGrain}

	res, err := e.Check(context.Background(), "os:Ubuntu", ":", true)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
	assert.Equal(t, []string{"fresh"}, res.Missing.Sorted())

	res, err = e.Check(context.Background(), "os:Ubuntu", ":", false)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	assert.Equal(t, []string{"web1"}, res.Minions.Sorted())
	assert.Empty(t, res.Missing)
}

func TestIPCIDREngine(t *testing.T) {
	cache := grains(map[string]string{
		"web1": `{"ipv4":["10.0.1.5","127.0.0.1"]}`,
		"web2": `{"ipv4":["10.0.2.9"]}`,
		"db1":  `{"ipv4":["192.168.1.20"],"ipv6":["fd00::20"]}`,
	})
	e := &IPCIDREngine{Keys: fakeKeys{"web1", "web2", "db1"}, Cache: cache}

	cases := []struct {
		pattern string
		want    []string
	}{
		{"10.0.0.0/16", []string{"web1", "web2"}},
		{"10.0.1.5", []string{"web1"}},
		{"fd00::/8", []string{"db1"}},
		{"not-an-address", []string{}},
	}
	for _, tc := range cases {
		res, err := e.Check(context.Background(), tc.pattern, ":", false)
		if err != nil {
			t.Fatalf("check %q: %v", tc.pattern, err)
		}
		assert.Equal(t, tc.want, res.Minions.Sorted(), "pattern %q", tc.pattern)
	}
}
