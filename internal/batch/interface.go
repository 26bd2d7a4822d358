// Package batch runs a job across a target in bounded-concurrency waves:
// synchronously for callers that want to block until the batch drains, or as
// an event-driven state machine for fire-and-forget orchestration.
package batch

import (
	"context"

	"github.com/fleetwright/drover/internal/job"
	"github.com/fleetwright/drover/internal/target"
)

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks github.com/fleetwright/drover/internal/batch Publisher

// Publisher is the transport seam: fire-and-forget dispatch of a job spec to
// the minions it names. Returns flow back separately over the event bus.
type Publisher interface {
	Publish(ctx context.Context, spec job.Spec) error
}

// TargetResolver narrows a target expression to concrete minions.
type TargetResolver interface {
	CheckMinions(ctx context.Context, expression string, targetType target.Kind, delimiter string, greedy bool) (target.MatchResult, error)
}

// Functions dispatched by the schedulers themselves.
const (
	PingFunction    = "test.ping"
	FindJobFunction = "jobs.find_job"
)
