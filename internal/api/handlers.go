package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fleetwright/drover/internal/acl"
	"github.com/fleetwright/drover/internal/batch"
	"github.com/fleetwright/drover/internal/job"
	"github.com/fleetwright/drover/internal/minions"
	"github.com/fleetwright/drover/internal/target"
)

func parseTargetType(raw string) (target.Kind, error) {
	return target.ParseKind(raw)
}

func (s *Server) handleListMinions(w http.ResponseWriter, r *http.Request) {
	known, err := s.deps.Keys.SortedKnown()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing minions failed")
		return
	}
	cached, err := s.deps.Cache.List(r.Context(), minions.BucketGrains)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "reading minion cache failed")
		return
	}

	out := make([]MinionInfo, 0, len(known))
	for _, id := range known {
		_, ok := cached[id]
		out = append(out, MinionInfo{ID: id, Cached: ok})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// parseSubset turns a comma-separated id list into a Set. Empty input means
// no narrowing, so nil is returned.
func parseSubset(raw string) target.Set {
	var subset target.Set
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if subset == nil {
			subset = target.NewSet()
		}
		subset.Add(id)
	}
	return subset
}

func (s *Server) handleConnectedMinions(w http.ResponseWriter, r *http.Request) {
	q := target.ConnectedQuery{
		Subset:           parseSubset(r.URL.Query().Get("subset")),
		IncludeLocalhost: r.URL.Query().Get("include_localhost") == "true",
	}
	if r.URL.Query().Get("addresses") == "true" {
		addrs, err := s.deps.Resolver.ConnectedAddrs(r.Context(), q)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "resolving connected minions failed")
			return
		}
		s.writeJSON(w, http.StatusOK, addrs)
		return
	}
	ids, err := s.deps.Resolver.ConnectedIDs(r.Context(), q)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "resolving connected minions failed")
		return
	}
	s.writeJSON(w, http.StatusOK, ids.Sorted())
}

func (s *Server) handleResolveTarget(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	kind, err := parseTargetType(req.TargetType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	greedy := true
	if req.Greedy != nil {
		greedy = *req.Greedy
	}

	match, err := s.deps.Resolver.CheckMinions(r.Context(), req.Target, kind, req.Delimiter, greedy)
	if err != nil {
		s.logger.Error("target resolution failed", "target", req.Target, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "target resolution failed")
		return
	}
	s.writeJSON(w, http.StatusOK, ResolveResponse{
		Minions: match.Minions.Sorted(),
		Missing: match.Missing.Sorted(),
	})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Function == "" {
		s.writeError(w, http.StatusBadRequest, "fun is required")
		return
	}
	if req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	kind, err := parseTargetType(req.TargetType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	who := requester(r)
	if s.deps.ACL != nil {
		granted := s.deps.ACL.Check(r.Context(), acl.Request{
			Requester:  who,
			Calls:      []acl.FunctionCall{{Function: req.Function, Args: req.Arguments}},
			Target:     req.Target,
			TargetType: kind,
		})
		if !granted {
			s.logger.Warn("publish denied", "requester", who, "fun", req.Function, "target", req.Target)
			s.writeError(w, http.StatusForbidden, "publish not authorized")
			return
		}
	}

	spec := job.Spec{
		JID:        job.NewJID(),
		Function:   req.Function,
		Arguments:  req.Arguments,
		Target:     req.Target,
		TargetType: kind,
		Requester:  who,
	}

	opts := s.deps.Batch
	opts.Size = req.Batch

	switch {
	case req.Batch != "" && req.Async:
		// Detach from the request: the batch outlives this handler.
		ab, err := batch.StartAsync(context.WithoutCancel(r.Context()),
			s.deps.Pub, s.deps.Bus, s.deps.Store, s.deps.Resolver, spec, opts)
		if err != nil {
			s.logger.Error("starting async batch failed", "jid", spec.JID, "error", err.Error())
			s.writeError(w, http.StatusInternalServerError, "starting batch failed")
			return
		}
		_ = ab // progress is observable on /events under batch/<jid>/
		s.writeJSON(w, http.StatusAccepted, RunResponse{JID: spec.JID})

	case req.Batch != "":
		runner := &batch.SyncRunner{
			Pub:      s.deps.Pub,
			Bus:      s.deps.Bus,
			Resolver: s.deps.Resolver,
			Store:    s.deps.Store,
			Opts:     opts,
		}
		result, err := runner.Run(r.Context(), spec)
		if err != nil {
			s.logger.Error("batch run failed", "jid", spec.JID, "error", err.Error())
			s.writeError(w, http.StatusInternalServerError, "batch run failed")
			return
		}
		s.writeJSON(w, http.StatusOK, RunResponse{
			JID:     result.JID,
			Down:    result.Down,
			Returns: result.Returns,
		})

	default:
		s.dispatchUnbatched(w, r, spec)
	}
}

// dispatchUnbatched publishes the job to every matched minion at once and
// returns immediately; returns trickle into the store as they arrive.
func (s *Server) dispatchUnbatched(w http.ResponseWriter, r *http.Request, spec job.Spec) {
	match, err := s.deps.Resolver.CheckMinions(r.Context(), spec.Target, spec.TargetType, "", true)
	if err != nil {
		s.logger.Error("target resolution failed", "jid", spec.JID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "target resolution failed")
		return
	}
	spec.Minions = match.Minions.Sorted()

	if err := s.deps.Store.Save(r.Context(), spec); err != nil {
		s.logger.Error("saving job failed", "jid", spec.JID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "saving job failed")
		return
	}
	// The publisher owns the new-job event; emitting it here as well would
	// hand subscribed minions the same job twice.
	if err := s.deps.Pub.Publish(r.Context(), spec); err != nil {
		s.logger.Error("publishing job failed", "jid", spec.JID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "publishing job failed")
		return
	}

	s.writeJSON(w, http.StatusAccepted, RunResponse{
		JID:     spec.JID,
		Minions: spec.Minions,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jid := chi.URLParam(r, "jid")
	record, err := s.deps.Store.Get(r.Context(), jid)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown jid")
			return
		}
		s.logger.Error("loading job failed", "jid", jid, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "loading job failed")
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.deps.Store.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing jobs failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "listing jobs failed")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
