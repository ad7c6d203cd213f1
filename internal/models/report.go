package models

import (
	"time"
)

// SyncMode selects how much of the source a run pulls.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
	ModeSample      SyncMode = "sample"
)

// ValidSyncModes is the set of all valid sync modes.
var ValidSyncModes = []SyncMode{ModeFull, ModeIncremental, ModeSample}

// IsValid returns true if the sync mode is recognized.
func (m SyncMode) IsValid() bool {
	for _, v := range ValidSyncModes {
		if m == v {
			return true
		}
	}
	return false
}

// RunState is the position of a sync run in its state machine.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateFetching  RunState = "fetching"
	StateUpserting RunState = "upserting-entities"
	StateLinking   RunState = "linking-relationships"
	StateComputing RunState = "computing-metrics"
	StateDone      RunState = "done"
	StateFailed    RunState = "failed"
)

// ErrorKind classifies a failure recorded in a run report.
type ErrorKind string

const (
	KindAuthentication   ErrorKind = "authentication"
	KindRequest          ErrorKind = "request"
	KindRequestExhausted ErrorKind = "request_exhausted"
	KindTransform        ErrorKind = "transform"
	KindWrite            ErrorKind = "write"
	KindMigration        ErrorKind = "migration"
	KindCancelled        ErrorKind = "cancelled"
	KindInternal         ErrorKind = "internal"
)

// Component names used in failures.
const (
	ComponentEntity       = "entity"
	ComponentRelationship = "relationship"
	ComponentMetric       = "metric"
	ComponentPeriod       = "period"
)

// Failure is one entry in a run report's failure list.
type Failure struct {
	Component string    `json:"component"`
	Name      string    `json:"name"`
	Kind      ErrorKind `json:"kind"`
	RecordID  string    `json:"record_id,omitempty"`
	Message   string    `json:"message"`
}

// EntityResult summarizes one entity type's sync.
type EntityResult struct {
	Name     string `json:"name"`
	Fetched  int    `json:"fetched"`
	Upserted int    `json:"upserted"`
	Skipped  int    `json:"skipped"`
	Batches  int    `json:"batches"`
	Failed   bool   `json:"failed"`
}

// RelationshipResult summarizes one linking pass. Skipped counts nodes left
// unlinked: dangling foreign keys for relationships, unreadable dates for
// periods.
type RelationshipResult struct {
	Name    string `json:"name"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
	Failed  bool   `json:"failed"`
}

// MetricResult summarizes one metric definition's recompute pass.
type MetricResult struct {
	Name    string `json:"name"`
	Updated int    `json:"updated"`
	Failed  bool   `json:"failed"`
}

// RunReport is the outcome of a single sync run.
type RunReport struct {
	ID            string               `json:"id"`
	Mode          SyncMode             `json:"mode"`
	Since         *time.Time           `json:"since,omitempty"`
	Limit         int                  `json:"limit,omitempty"`
	State         RunState             `json:"state"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Entities      []EntityResult       `json:"entities"`
	Relationships []RelationshipResult `json:"relationships"`
	Periods       []RelationshipResult `json:"periods,omitempty"`
	Metrics       []MetricResult       `json:"metrics"`
	Failures      []Failure            `json:"failures"`
	Cancelled     bool                 `json:"cancelled"`
}

// Succeeded reports whether the run finished with no failures.
func (r *RunReport) Succeeded() bool {
	return r.State == StateDone && len(r.Failures) == 0 && !r.Cancelled
}

// Duration returns the wall-clock length of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// TotalUpserted sums upserted records across all entity types.
func (r *RunReport) TotalUpserted() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Upserted
	}
	return n
}

// TotalLinked sums edges created across all relationship types.
func (r *RunReport) TotalLinked() int {
	n := 0
	for _, rel := range r.Relationships {
		n += rel.Created
	}
	return n
}
