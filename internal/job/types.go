// Package job holds the dispatch-side job model: specs going out to
// minions, returns coming back, and their persistence.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwright/drover/internal/target"
)

// Spec is one job as published to the fleet.
type Spec struct {
	JID        string      `json:"jid"`
	Function   string      `json:"fun"`
	Arguments  []any       `json:"arg,omitempty"`
	Target     string      `json:"tgt"`
	TargetType target.Kind `json:"tgt_type"`
	Requester  string      `json:"requester,omitempty"`
	Minions    []string    `json:"minions"` // resolved at publish time
}

// Return is one minion's answer to a job.
type Return struct {
	ID      string `json:"id"`
	JID     string `json:"jid"`
	Return  any    `json:"return"`
	Retcode int    `json:"retcode"`
	Success bool   `json:"success"`
}

// NewJID mints a job id: a sortable UTC timestamp plus a short random
// suffix so two jobs in the same microsecond stay distinct.
func NewJID() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%s%06d_%s",
		now.Format("20060102150405"), now.Nanosecond()/1000, uuid.NewString()[:8])
}

// Event tags published on the bus for the job lifecycle.

func TagNew(jid string) string {
	return "job/" + jid + "/new"
}

func TagReturn(jid, minionID string) string {
	return "job/" + jid + "/ret/" + minionID
}

// TagReturnPrefix subscribes to every return for a job.
func TagReturnPrefix(jid string) string {
	return "job/" + jid + "/ret/"
}
