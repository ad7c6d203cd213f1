package store

import (
	"context"
	"errors"
	"time"

	"github.com/ajitpratap0/graphsync/internal/models"
)

// ErrNotFound is returned by GetNode when the requested node does not exist.
var ErrNotFound = errors.New("node not found")

// ErrUnsupported is returned by stores that cannot execute an operation.
var ErrUnsupported = errors.New("operation not supported by this store")

// ErrLeaseHeld is returned by AcquireLease when another owner holds an unexpired lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// ErrMixedTransaction is returned when one transaction combines schema
// changes (indexes, constraints) with data writes. Neo4j refuses to commit such
// transactions.
var ErrMixedTransaction = errors.New("schema and data writes in one transaction")

// Reserved labels and properties used for engine bookkeeping.
const (
	MigrationLabel = "_Migration"
	SyncStateLabel = "_SyncState"
	LeaseLabel     = "_Lease"
	MigrationsProp = "_migrations"
)

// Tx is the set of graph operations available inside one transaction.
// EnsureIndex and DropIndex must not share a transaction with any data write.
type Tx interface {
	// MergeNodes matches or creates one node per row keyed by (label, guid),
	// overwrites the row's properties and stamps syncedAt. Returns rows written.
	MergeNodes(ctx context.Context, label string, rows []models.Properties, syncedAt time.Time) (int, error)

	// LinkByForeignKey creates missing edges between nodes whose foreign-key
	// property matches a target key. It reports the edges actually created and
	// the source nodes whose foreign key matched no target.
	LinkByForeignKey(ctx context.Context, spec LinkSpec) (LinkResult, error)

	// LinkPeriods merges the calendar nodes covering every fact's date and
	// points each fact at its finest period. Facts whose date cannot be read
	// are counted as skipped; edges to a period the fact no longer falls in
	// are removed.
	LinkPeriods(ctx context.Context, spec PeriodSpec) (LinkResult, error)

	// ComputeMetrics recomputes aggregate and derived properties for nodes of
	// spec.Label. A nil guids slice selects every node of the label.
	// Returns nodes updated.
	ComputeMetrics(ctx context.Context, spec MetricSpec, guids []string, at time.Time) (int, error)

	// MutateNodes applies a migration mutation to at most m.Limit nodes not
	// yet tagged with m.Version. Returns nodes mutated.
	MutateNodes(ctx context.Context, m NodeMutation) (int, error)

	// RevertNodes undoes a mutation on at most m.Limit nodes tagged with m.Version.
	RevertNodes(ctx context.Context, m NodeMutation) (int, error)

	// EnsureIndex creates an index or uniqueness constraint if it doesn't exist.
	EnsureIndex(ctx context.Context, idx IndexSpec) error

	// DropIndex removes an index or uniqueness constraint if it exists.
	DropIndex(ctx context.Context, idx IndexSpec) error

	// AppliedMigrations returns the migration ledger ordered by version.
	AppliedMigrations(ctx context.Context) ([]models.MigrationRecord, error)

	// RecordMigration writes a ledger marker.
	RecordMigration(ctx context.Context, rec models.MigrationRecord) error

	// DeleteMigration removes a ledger marker.
	DeleteMigration(ctx context.Context, version int) error

	// Watermark returns the last successful sync time stored under key.
	Watermark(ctx context.Context, key string) (time.Time, bool, error)

	// SetWatermark stores the last successful sync time under key.
	SetWatermark(ctx context.Context, key string, at time.Time) error

	// CountNodes returns the number of nodes carrying label.
	CountNodes(ctx context.Context, label string) (int, error)

	// GetNode retrieves a single node by label and guid.
	GetNode(ctx context.Context, label, guid string) (*models.Node, error)

	// Exec runs a raw parameterized statement and returns its rows.
	Exec(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error)
}

// Store is a graph database connection. Calling a Tx method directly on a
// Store runs it in its own transaction.
type Store interface {
	Tx

	// WriteTx runs fn in a transaction that commits when fn returns nil.
	WriteTx(ctx context.Context, fn func(Tx) error) error

	// RollbackTx runs fn in a transaction that is always rolled back.
	RollbackTx(ctx context.Context, fn func(Tx) error) error

	// AcquireLease takes or renews the named lease for owner.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error

	// ReleaseLease drops the named lease if owner holds it.
	ReleaseLease(ctx context.Context, name, owner string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}

// LinkSpec describes one foreign-key driven relationship.
type LinkSpec struct {
	Type       string `json:"type"`
	Source     string `json:"source"`
	ForeignKey string `json:"foreign_key"`
	Target     string `json:"target"`
	TargetKey  string `json:"target_key"`
	// Reverse points the edge from target to source instead of source to target.
	Reverse bool `json:"reverse"`
}

// Calendar labels and the edge joining a period to the periods inside it.
const (
	YearLabel    = "Year"
	QuarterLabel = "Quarter"
	MonthLabel   = "Month"
	DayLabel     = "Day"
	ContainsType = "CONTAINS"
)

// PeriodSpec links fact nodes of Label to calendar nodes by the ISO date
// held in Property. Year, Quarter and Month nodes are always maintained; Day
// nodes only when Days is set, in which case facts link to days.
type PeriodSpec struct {
	Label        string `json:"label"`
	Property     string `json:"property"`
	Relationship string `json:"relationship"`
	Days         bool   `json:"days"`
}

// Leaf returns the label facts are linked to.
func (s PeriodSpec) Leaf() string {
	if s.Days {
		return DayLabel
	}
	return MonthLabel
}

// LinkResult counts the outcome of one link pass. Skipped source nodes carry
// a foreign key whose target is not in the graph yet.
type LinkResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// AggFunc is an aggregation over a node's neighbors.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// Direction selects which incident edges an aggregate follows.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Aggregate computes one metric property from incident edges.
type Aggregate struct {
	Property     string         `json:"property"`
	Func         AggFunc        `json:"func"`
	Relationship string         `json:"relationship"`
	Direction    Direction      `json:"direction"`
	Neighbor     string         `json:"neighbor,omitempty"`
	Source       string         `json:"source,omitempty"`
	Where        map[string]any `json:"where,omitempty"`
	Default      float64        `json:"default"`
}

// DerivedOp combines two values into a derived metric.
type DerivedOp string

const (
	OpRatio      DerivedOp = "ratio"
	OpPercent    DerivedOp = "percent"
	OpDifference DerivedOp = "difference"
)

// Derived computes one metric property from two operands. An operand names
// an aggregate of the same spec or an existing node property.
type Derived struct {
	Property string    `json:"property"`
	Op       DerivedOp `json:"op"`
	Left     string    `json:"left"`
	Right    string    `json:"right"`
	Default  float64   `json:"default"`
}

// MetricSpec is the full set of metric properties maintained on one label.
type MetricSpec struct {
	Label      string      `json:"label"`
	Aggregates []Aggregate `json:"aggregates"`
	Derived    []Derived   `json:"derived"`
}

// Properties returns every property the spec writes.
func (s MetricSpec) Properties() []string {
	out := make([]string, 0, len(s.Aggregates)+len(s.Derived)+1)
	for _, a := range s.Aggregates {
		out = append(out, a.Property)
	}
	for _, d := range s.Derived {
		out = append(out, d.Property)
	}
	return append(out, models.LastMetricsUpdateKey)
}

// NodeMutation is a version-tagged property change applied by a migration.
// Set targets properties the migration introduces; reverting removes them.
// Rename maps old property names to new ones.
type NodeMutation struct {
	Version int               `json:"version"`
	Label   string            `json:"label"`
	Match   map[string]any    `json:"match,omitempty"`
	Set     map[string]any    `json:"set,omitempty"`
	Rename  map[string]string `json:"rename,omitempty"`
	Limit   int               `json:"limit"`
}

// IndexSpec describes a property index or uniqueness constraint.
type IndexSpec struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Property string `json:"property"`
	Unique   bool   `json:"unique"`
}
