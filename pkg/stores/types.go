package stores

import (
	"time"

	"github.com/conveyorci/conveyor/pkg/engine"
)

// RunRecord is a persisted snapshot of a completed run. Instance detail is
// stored as a JSON blob; the columns carry what list and prune queries need.
type RunRecord struct {
	ID          string                `json:"id"`
	Workflow    string                `json:"workflow"`
	EventType   string                `json:"event_type"`
	Ref         string                `json:"ref"`
	Actor       string                `json:"actor"`
	Status      engine.RunStatus      `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Duration    time.Duration         `json:"duration"`
	Summary     engine.RunSummary     `json:"summary"`
	Instances   []*engine.JobInstance `json:"instances"`
	CreatedAt   time.Time             `json:"created_at"`
}

// ListFilter narrows ListRuns results. Zero values match everything.
type ListFilter struct {
	// Workflow restricts results to one workflow name.
	Workflow string

	// Status restricts results to one terminal status.
	Status engine.RunStatus

	// Limit caps the number of results. Zero means the default page size.
	Limit int

	// Offset skips that many newest-first results.
	Offset int
}
