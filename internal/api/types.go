package api

import "github.com/fleetwright/drover/internal/job"

// ResolveRequest asks which minions a target expression addresses.
type ResolveRequest struct {
	Target     string `json:"target"`
	TargetType string `json:"target_type,omitempty"`
	Delimiter  string `json:"delimiter,omitempty"`
	Greedy     *bool  `json:"greedy,omitempty"` // default true
}

// ResolveResponse is the resolved match.
type ResolveResponse struct {
	Minions []string `json:"minions"`
	Missing []string `json:"missing"`
}

// RunRequest dispatches a job. Batch selects wave execution; Async returns
// immediately with the jid instead of blocking for the accounting.
type RunRequest struct {
	Target     string `json:"target"`
	TargetType string `json:"target_type,omitempty"`
	Function   string `json:"fun"`
	Arguments  []any  `json:"arg,omitempty"`
	Batch      string `json:"batch,omitempty"`
	Async      bool   `json:"async,omitempty"`
}

// RunResponse reports a dispatched job.
type RunResponse struct {
	JID     string                `json:"jid"`
	Minions []string              `json:"minions,omitempty"`
	Down    []string              `json:"down,omitempty"`
	Returns map[string]job.Return `json:"returns,omitempty"`
}

// MinionInfo is one row of the minion listing.
type MinionInfo struct {
	ID     string `json:"id"`
	Cached bool   `json:"cached"`
}

type errorResponse struct {
	Error string `json:"error"`
}
