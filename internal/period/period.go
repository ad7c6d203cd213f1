// Package period links dated fact nodes into a Year, Quarter, Month (and
// optionally Day) calendar hierarchy and keeps rolled-up metrics on it.
package period

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// DefaultRelationship joins a fact to its period.
const DefaultRelationship = "RECORDED_IN"

// Granularity selects the finest calendar level facts are linked to.
type Granularity string

const (
	Month Granularity = "month"
	Day   Granularity = "day"
)

// reserved lists the properties the hierarchy itself writes.
var reserved = map[string]bool{
	models.GUIDKey:              true,
	models.SyncedAtKey:          true,
	models.LastMetricsUpdateKey: true,
	"year":                      true,
	"quarter":                   true,
	"month":                     true,
	"day":                       true,
}

// Metric is cached on every period node. The finest level aggregates its
// linked facts; coarser levels roll up the level below.
type Metric struct {
	Property string         `yaml:"property" json:"property"`
	Func     store.AggFunc  `yaml:"func" json:"func"`
	Source   string         `yaml:"source" json:"source,omitempty"`
	Where    map[string]any `yaml:"where" json:"where,omitempty"`
	Default  float64        `yaml:"default" json:"default"`
}

// Derived combines two period metrics on every level.
type Derived struct {
	Property string          `yaml:"property" json:"property"`
	Op       store.DerivedOp `yaml:"op" json:"op"`
	Left     string          `yaml:"left" json:"left"`
	Right    string          `yaml:"right" json:"right"`
	Default  float64         `yaml:"default" json:"default"`
}

// Definition attaches one entity's date property to the calendar.
type Definition struct {
	Name         string      `yaml:"name" json:"name"`
	Entity       string      `yaml:"entity" json:"entity"`
	Property     string      `yaml:"property" json:"property"`
	Granularity  Granularity `yaml:"granularity" json:"granularity"`
	Relationship string      `yaml:"relationship" json:"relationship"`
	Metrics      []Metric    `yaml:"metrics" json:"metrics,omitempty"`
	Derived      []Derived   `yaml:"derived" json:"derived,omitempty"`
}

// WithDefaults fills the name, granularity and relationship.
func (d Definition) WithDefaults() Definition {
	if d.Name == "" {
		d.Name = d.Entity + "_" + d.Property
	}
	if d.Granularity == "" {
		d.Granularity = Month
	}
	if d.Relationship == "" {
		d.Relationship = DefaultRelationship
	}
	return d
}

// Validate checks identifiers and metric functions. It expects a definition
// with defaults applied.
func (d Definition) Validate() error {
	if d.Entity == "" {
		return fmt.Errorf("period %s: entity is required", d.Name)
	}
	if !store.ValidIdentifier(d.Property) {
		return fmt.Errorf("period %s: invalid date property %q", d.Name, d.Property)
	}
	if !store.ValidIdentifier(d.Relationship) || d.Relationship == store.ContainsType {
		return fmt.Errorf("period %s: invalid relationship %q", d.Name, d.Relationship)
	}
	switch d.Granularity {
	case Month, Day:
	default:
		return fmt.Errorf("period %s: unknown granularity %q", d.Name, d.Granularity)
	}
	seen := map[string]bool{}
	claim := func(prop string) error {
		if !store.ValidIdentifier(prop) {
			return fmt.Errorf("period %s: invalid property %q", d.Name, prop)
		}
		if seen[prop] || reserved[prop] {
			return fmt.Errorf("period %s: property %q is written twice or is reserved", d.Name, prop)
		}
		seen[prop] = true
		return nil
	}
	for _, m := range d.Metrics {
		if err := claim(m.Property); err != nil {
			return err
		}
		switch m.Func {
		case store.AggCount:
		case store.AggSum, store.AggMin, store.AggMax:
			if !store.ValidIdentifier(m.Source) {
				return fmt.Errorf("period %s: metric %s needs a source property", d.Name, m.Property)
			}
		case store.AggAvg:
			return fmt.Errorf("period %s: metric %s: avg does not roll up, derive a ratio instead", d.Name, m.Property)
		default:
			return fmt.Errorf("period %s: unknown function %q", d.Name, m.Func)
		}
	}
	for _, dv := range d.Derived {
		if err := claim(dv.Property); err != nil {
			return err
		}
		switch dv.Op {
		case store.OpRatio, store.OpPercent, store.OpDifference:
		default:
			return fmt.Errorf("period %s: unknown op %q", d.Name, dv.Op)
		}
		if !seen[dv.Left] || !seen[dv.Right] {
			return fmt.Errorf("period %s: derived %s must combine metrics of this period", d.Name, dv.Property)
		}
	}
	return nil
}

// Linker is the store capability a period module needs.
type Linker interface {
	LinkPeriods(ctx context.Context, spec store.PeriodSpec) (store.LinkResult, error)
}

// Module links one entity's facts to the calendar.
type Module struct {
	def    Definition
	spec   store.PeriodSpec
	linker Linker
	logger *slog.Logger
}

// NewModule creates a module for facts carrying label.
func NewModule(def Definition, label string, linker Linker, logger *slog.Logger) *Module {
	def = def.WithDefaults()
	return &Module{
		def: def,
		spec: store.PeriodSpec{
			Label:        label,
			Property:     def.Property,
			Relationship: def.Relationship,
			Days:         def.Granularity == Day,
		},
		linker: linker,
		logger: logger,
	}
}

// Name returns the period definition name.
func (m *Module) Name() string { return m.def.Name }

// Definition returns the defaulted definition.
func (m *Module) Definition() Definition { return m.def }

// Spec returns the store-level description.
func (m *Module) Spec() store.PeriodSpec { return m.spec }

// Levels returns the calendar labels from finest to coarsest.
func (m *Module) Levels() []string {
	if m.spec.Days {
		return []string{store.DayLabel, store.MonthLabel, store.QuarterLabel, store.YearLabel}
	}
	return []string{store.MonthLabel, store.QuarterLabel, store.YearLabel}
}

// Link merges the periods the facts fall in and links each fact to its
// finest period. Facts with an unreadable date are counted as skipped.
func (m *Module) Link(ctx context.Context) (store.LinkResult, error) {
	res, err := m.linker.LinkPeriods(ctx, m.spec)
	if err != nil {
		return store.LinkResult{}, fmt.Errorf("linking period %s: %w", m.def.Name, err)
	}
	metrics.EdgesCreated.WithLabelValues(m.def.Name).Add(float64(res.Created))
	if res.Skipped > 0 {
		m.logger.Warn("facts with unreadable dates", "period", m.def.Name, "property", m.def.Property, "skipped", res.Skipped)
	}
	m.logger.Debug("linked periods", "period", m.def.Name, "created", res.Created)
	return res, nil
}

// MetricSpecs returns one spec per calendar level, finest first. Each level
// after the first reads the level below, so they must be computed in order.
func (m *Module) MetricSpecs() []store.MetricSpec {
	if len(m.def.Metrics) == 0 && len(m.def.Derived) == 0 {
		return nil
	}
	levels := m.Levels()
	out := make([]store.MetricSpec, 0, len(levels))
	for i, label := range levels {
		spec := store.MetricSpec{Label: label}
		for _, mt := range m.def.Metrics {
			agg := store.Aggregate{
				Property:     mt.Property,
				Func:         mt.Func,
				Relationship: m.spec.Relationship,
				Direction:    store.DirIn,
				Neighbor:     m.spec.Label,
				Source:       mt.Source,
				Where:        mt.Where,
				Default:      mt.Default,
			}
			if i > 0 {
				agg = store.Aggregate{
					Property:     mt.Property,
					Func:         rollup(mt.Func),
					Relationship: store.ContainsType,
					Direction:    store.DirOut,
					Neighbor:     levels[i-1],
					Source:       mt.Property,
					Default:      mt.Default,
				}
			}
			spec.Aggregates = append(spec.Aggregates, agg)
		}
		for _, dv := range m.def.Derived {
			spec.Derived = append(spec.Derived, store.Derived(dv))
		}
		out = append(out, spec)
	}
	return out
}

// rollup is the function that combines child period values.
func rollup(fn store.AggFunc) store.AggFunc {
	if fn == store.AggCount {
		return store.AggSum
	}
	return fn
}

// MetricName names the calculator for one level of a period definition.
func MetricName(period, label string) string {
	return period + "_" + strings.ToLower(label)
}
