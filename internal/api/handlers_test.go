package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetwright/drover/internal/acl"
	"github.com/fleetwright/drover/internal/auth"
	"github.com/fleetwright/drover/internal/batch"
	"github.com/fleetwright/drover/internal/events"
	"github.com/fleetwright/drover/internal/job"
	"github.com/fleetwright/drover/internal/storage"
	"github.com/fleetwright/drover/internal/target"
)

// fakeKeys serves both the identity-source and sorted-listing views of the
// accepted-key set.
type fakeKeys []string

func (f fakeKeys) ListKnown() (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(f))
	for _, id := range f {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f fakeKeys) SortedKnown() ([]string, error) {
	out := append([]string(nil), f...)
	sort.Strings(out)
	return out, nil
}

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

// recordingPub captures published specs and, like the real transport,
// announces each job on the bus. With echo set it also plays the minion
// side: every targeted minion answers pings and returns "done" for work.
type recordingPub struct {
	mu    sync.Mutex
	specs []job.Spec
	bus   *events.Bus
	echo  bool
}

func (p *recordingPub) Publish(_ context.Context, spec job.Spec) error {
	p.mu.Lock()
	p.specs = append(p.specs, spec)
	p.mu.Unlock()
	p.bus.Publish(job.TagNew(spec.JID), spec)
	if p.echo {
		for _, id := range spec.Minions {
			ret := job.Return{ID: id, JID: spec.JID, Return: "done", Retcode: 0, Success: true}
			if spec.Function == batch.PingFunction {
				ret.Return = true
			}
			p.bus.Publish(job.TagReturn(spec.JID, id), ret)
		}
	}
	return nil
}

func (p *recordingPub) published() []job.Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]job.Spec(nil), p.specs...)
}

func grainsDoc(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling grains doc: %v", err)
	}
	return b
}

func newTestServer(t *testing.T, grants map[string][]any) (*Server, *recordingPub) {
	t.Helper()

	keys := fakeKeys{"web1", "web2", "db1"}
	cache := fakeCache{
		"grains": {
			"web1": grainsDoc(t, map[string]any{"role": "frontend"}),
			"web2": grainsDoc(t, map[string]any{"role": "frontend"}),
		},
	}
	resolver := target.NewResolver(keys, cache, map[string][]string{
		"webs": {"web*"},
	})

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus(100)
	pub := &recordingPub{bus: bus, echo: true}

	var checker *acl.Checker
	if grants != nil {
		checker = acl.NewChecker(resolver, grants)
	}

	config := Config{
		Listen: "localhost:8080",
		APIKey: "test-key-123",
	}
	deps := Deps{
		Resolver: resolver,
		Keys:     keys,
		Cache:    cache,
		Store:    job.NewStore(db),
		Bus:      bus,
		Pub:      pub,
		ACL:      checker,
		Batch: batch.Options{
			GatherTimeout:    100 * time.Millisecond,
			Delay:            5 * time.Millisecond,
			PollInterval:     10 * time.Millisecond,
			EmptyPollRetries: 3,
		},
	}
	return New(config, deps, slog.Default()), pub
}

func doRequest(server *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	server, _ := newTestServer(t, nil)

	rr := doRequest(server, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp["status"])
	}
}

func TestAuth_MissingToken(t *testing.T) {
	server, _ := newTestServer(t, nil)

	rr := doRequest(server, httptest.NewRequest(http.MethodGet, "/minions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestAuth_ScopedToken(t *testing.T) {
	server, _ := newTestServer(t, nil)
	server.config.Tokens = []auth.TokenConfig{
		{Name: "ops", Token: "ops-token", Scopes: []string{"minions:ro"}},
	}

	// In scope.
	rr := doRequest(server, authed(httptest.NewRequest(http.MethodGet, "/minions", nil), "ops-token"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	// Out of scope.
	body := bytes.NewBufferString(`{"target": "*", "fun": "test.ping"}`)
	rr = doRequest(server, authed(httptest.NewRequest(http.MethodPost, "/jobs", body), "ops-token"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestHandleListMinions(t *testing.T) {
	server, _ := newTestServer(t, nil)

	rr := doRequest(server, authed(httptest.NewRequest(http.MethodGet, "/minions", nil), "test-key-123"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var infos []MinionInfo
	if err := json.NewDecoder(rr.Body).Decode(&infos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := []MinionInfo{{ID: "db1"}, {ID: "web1", Cached: true}, {ID: "web2", Cached: true}}
	if len(infos) != len(want) {
		t.Fatalf("expected %d minions, got %d", len(want), len(infos))
	}
	for i, info := range infos {
		if info != want[i] {
			t.Fatalf("minion %d: expected %+v, got %+v", i, want[i], info)
		}
	}
}

func TestHandleConnectedMinions_Subset(t *testing.T) {
	server, _ := newTestServer(t, nil)

	keys := fakeKeys{"web1", "web2"}
	cache := fakeCache{
		"grains": {
			"web1": grainsDoc(t, map[string]any{"ipv4": []string{"10.0.0.1"}}),
			"web2": grainsDoc(t, map[string]any{"ipv4": []string{"10.0.0.2"}}),
		},
	}
	server.deps.Resolver = target.NewResolver(keys, cache, nil,
		target.WithPeerSource(target.LocalPeers{"10.0.0.1", "10.0.0.2"}))

	cases := []struct {
		name  string
		query string
		ids   []string
	}{
		{"all", "", []string{"web1", "web2"}},
		{"one", "?subset=web1", []string{"web1"}},
		{"comma list", "?subset=web2,web1", []string{"web1", "web2"}},
		{"spaced", "?subset=%20web2%20,", []string{"web2"}},
		{"unknown id", "?subset=ghost", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/minions/connected"+tc.query, nil)
			rr := doRequest(server, authed(req, "test-key-123"))
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
			var ids []string
			if err := json.NewDecoder(rr.Body).Decode(&ids); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if strings.Join(ids, ",") != strings.Join(tc.ids, ",") {
				t.Fatalf("expected %v, got %v", tc.ids, ids)
			}
		})
	}
}

func TestHandleResolveTarget(t *testing.T) {
	server, _ := newTestServer(t, nil)

	cases := []struct {
		name    string
		payload string
		status  int
		minions []string
	}{
		{"glob default", `{"target": "web*"}`, http.StatusOK, []string{"web1", "web2"}},
		{"grain", `{"target": "role:frontend", "target_type": "grain"}`, http.StatusOK, []string{"web1", "web2"}},
		{"compound", `{"target": "web* and not web2", "target_type": "compound"}`, http.StatusOK, []string{"web1"}},
		{"nodegroup", `{"target": "webs", "target_type": "nodegroup"}`, http.StatusOK, []string{"web1", "web2"}},
		{"unknown type", `{"target": "x", "target_type": "nope"}`, http.StatusBadRequest, nil},
		{"missing target", `{}`, http.StatusBadRequest, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/target/resolve", bytes.NewBufferString(tc.payload))
			rr := doRequest(server, authed(req, "test-key-123"))
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.status != http.StatusOK {
				return
			}
			var resp ResolveResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if strings.Join(resp.Minions, ",") != strings.Join(tc.minions, ",") {
				t.Fatalf("expected minions %v, got %v", tc.minions, resp.Minions)
			}
		})
	}
}

func TestHandleRunJob_Unbatched(t *testing.T) {
	server, pub := newTestServer(t, nil)

	jobEvents, cancel := server.deps.Bus.Subscribe("job/")
	defer cancel()

	body := bytes.NewBufferString(`{"target": "web*", "fun": "test.version"}`)
	rr := doRequest(server, authed(httptest.NewRequest(http.MethodPost, "/jobs", body), "test-key-123"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp RunResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.JID == "" {
		t.Fatalf("expected a jid")
	}
	if strings.Join(resp.Minions, ",") != "web1,web2" {
		t.Fatalf("expected minions web1,web2, got %v", resp.Minions)
	}

	specs := pub.published()
	if len(specs) != 1 {
		t.Fatalf("expected 1 published spec, got %d", len(specs))
	}
	if specs[0].Function != "test.version" || specs[0].JID != resp.JID {
		t.Fatalf("unexpected published spec: %+v", specs[0])
	}

	// Minions subscribed to the job tag must see the job exactly once; the
	// transport owns the announcement and the handler must not repeat it.
	// Publication happens during the request, so the events are already
	// buffered here.
	newEvents := 0
drain:
	for {
		select {
		case ev := <-jobEvents:
			if ev.Tag == job.TagNew(resp.JID) {
				newEvents++
			}
		default:
			break drain
		}
	}
	if newEvents != 1 {
		t.Fatalf("expected 1 new-job event, got %d", newEvents)
	}

	// The job is queryable afterwards.
	rr = doRequest(server, authed(httptest.NewRequest(http.MethodGet, "/job/"+resp.JID, nil), "test-key-123"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for saved job, got %d", rr.Code)
	}
}

func TestHandleRunJob_SyncBatch(t *testing.T) {
	server, pub := newTestServer(t, nil)

	body := bytes.NewBufferString(`{"target": "web*", "fun": "test.version", "batch": "50%"}`)
	rr := doRequest(server, authed(httptest.NewRequest(http.MethodPost, "/jobs", body), "test-key-123"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp RunResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Returns) != 2 {
		t.Fatalf("expected 2 returns, got %d", len(resp.Returns))
	}
	if len(resp.Down) != 0 {
		t.Fatalf("expected no down minions, got %v", resp.Down)
	}

	// Ping plus one sub-job per single-minion wave.
	specs := pub.published()
	if len(specs) != 3 {
		t.Fatalf("expected 3 published specs (ping + 2 waves), got %d", len(specs))
	}
	if specs[0].Function != batch.PingFunction {
		t.Fatalf("expected first publish to be the batch ping, got %q", specs[0].Function)
	}
}

func TestHandleRunJob_ACLDenied(t *testing.T) {
	server, pub := newTestServer(t, map[string][]any{
		"deployer": {map[string]any{"L@web1": []any{"state\\.apply"}}},
	})
	server.config.Tokens = []auth.TokenConfig{
		{Name: "deployer", Token: "deploy-token", Scopes: []string{"jobs:rw"}},
	}

	// web* exceeds the L@web1 grant scope.
	body := bytes.NewBufferString(`{"target": "web*", "fun": "state.apply"}`)
	rr := doRequest(server, authed(httptest.NewRequest(http.MethodPost, "/jobs", body), "deploy-token"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("denied request must not publish")
	}

	// Inside the grant scope.
	body = bytes.NewBufferString(`{"target": "web1", "fun": "state.apply"}`)
	rr = doRequest(server, authed(httptest.NewRequest(http.MethodPost, "/jobs", body), "deploy-token"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleGetJob_Unknown(t *testing.T) {
	server, _ := newTestServer(t, nil)

	rr := doRequest(server, authed(httptest.NewRequest(http.MethodGet, "/job/20990101000000000000_deadbeef", nil), "test-key-123"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestHandleEvents_Stream(t *testing.T) {
	server, _ := newTestServer(t, nil)
	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?prefix=batch/", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-key-123")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening event stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	server.deps.Bus.Publish("batch/j1/start", map[string]any{"minions": 3})
	server.deps.Bus.Publish("job/j1/ret/web1", map[string]any{"return": true}) // filtered out
	server.deps.Bus.Publish("batch/j1/done", map[string]any{"done": 3})

	var tags []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			tags = append(tags, strings.TrimPrefix(line, "event: "))
		}
		if len(tags) == 2 {
			break
		}
	}
	if len(tags) != 2 || tags[0] != "batch/j1/start" || tags[1] != "batch/j1/done" {
		t.Fatalf("expected the two batch events, got %v", tags)
	}
}
