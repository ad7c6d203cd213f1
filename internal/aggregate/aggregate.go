// Package aggregate recomputes derived metric properties on graph nodes.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// Aggregate computes one property from a node's incident edges. Neighbor is
// an entity name and restricts the far endpoint's label.
type Aggregate struct {
	Property     string          `yaml:"property" json:"property"`
	Func         store.AggFunc   `yaml:"func" json:"func"`
	Relationship string          `yaml:"relationship" json:"relationship"`
	Direction    store.Direction `yaml:"direction" json:"direction"`
	Neighbor     string          `yaml:"neighbor" json:"neighbor,omitempty"`
	Source       string          `yaml:"source" json:"source,omitempty"`
	Where        map[string]any  `yaml:"where" json:"where,omitempty"`
	Default      float64         `yaml:"default" json:"default"`
}

// Derived combines two aggregates or node properties.
type Derived struct {
	Property string          `yaml:"property" json:"property"`
	Op       store.DerivedOp `yaml:"op" json:"op"`
	Left     string          `yaml:"left" json:"left"`
	Right    string          `yaml:"right" json:"right"`
	Default  float64         `yaml:"default" json:"default"`
}

// Definition declares the metric properties maintained on one entity type.
type Definition struct {
	Name       string      `yaml:"name" json:"name"`
	Entity     string      `yaml:"entity" json:"entity"`
	Aggregates []Aggregate `yaml:"aggregates" json:"aggregates"`
	Derived    []Derived   `yaml:"derived" json:"derived,omitempty"`
}

// Validate checks functions and property names.
func (d Definition) Validate() error {
	if d.Entity == "" {
		return fmt.Errorf("metric %s: entity is required", d.Name)
	}
	if len(d.Aggregates) == 0 && len(d.Derived) == 0 {
		return fmt.Errorf("metric %s: no aggregates or derived properties", d.Name)
	}
	seen := map[string]bool{}
	claim := func(prop string) error {
		if !store.ValidIdentifier(prop) {
			return fmt.Errorf("metric %s: invalid property %q", d.Name, prop)
		}
		if seen[prop] || prop == models.GUIDKey || prop == models.SyncedAtKey || prop == models.LastMetricsUpdateKey {
			return fmt.Errorf("metric %s: property %q is written twice or is reserved", d.Name, prop)
		}
		seen[prop] = true
		return nil
	}
	for _, a := range d.Aggregates {
		if err := claim(a.Property); err != nil {
			return err
		}
		switch a.Func {
		case store.AggCount:
		case store.AggSum, store.AggAvg, store.AggMin, store.AggMax:
			if !store.ValidIdentifier(a.Source) {
				return fmt.Errorf("metric %s: aggregate %s needs a source property", d.Name, a.Property)
			}
		default:
			return fmt.Errorf("metric %s: unknown function %q", d.Name, a.Func)
		}
		if !store.ValidIdentifier(a.Relationship) {
			return fmt.Errorf("metric %s: invalid relationship %q", d.Name, a.Relationship)
		}
		switch a.Direction {
		case "", store.DirOut, store.DirIn, store.DirBoth:
		default:
			return fmt.Errorf("metric %s: unknown direction %q", d.Name, a.Direction)
		}
	}
	for _, dv := range d.Derived {
		if err := claim(dv.Property); err != nil {
			return err
		}
		switch dv.Op {
		case store.OpRatio, store.OpPercent, store.OpDifference:
		default:
			return fmt.Errorf("metric %s: unknown op %q", d.Name, dv.Op)
		}
		if !store.ValidIdentifier(dv.Left) || !store.ValidIdentifier(dv.Right) {
			return fmt.Errorf("metric %s: invalid operands for %s", d.Name, dv.Property)
		}
	}
	return nil
}

// Spec resolves entity names to labels. labelOf returns false for unknown entities.
func (d Definition) Spec(labelOf func(entity string) (string, bool)) (store.MetricSpec, error) {
	label, ok := labelOf(d.Entity)
	if !ok {
		return store.MetricSpec{}, fmt.Errorf("metric %s: unknown entity %q", d.Name, d.Entity)
	}
	spec := store.MetricSpec{Label: label}
	for _, a := range d.Aggregates {
		neighbor := ""
		if a.Neighbor != "" {
			if neighbor, ok = labelOf(a.Neighbor); !ok {
				return store.MetricSpec{}, fmt.Errorf("metric %s: unknown neighbor entity %q", d.Name, a.Neighbor)
			}
		}
		dir := a.Direction
		if dir == "" {
			dir = store.DirOut
		}
		spec.Aggregates = append(spec.Aggregates, store.Aggregate{
			Property:     a.Property,
			Func:         a.Func,
			Relationship: a.Relationship,
			Direction:    dir,
			Neighbor:     neighbor,
			Source:       a.Source,
			Where:        a.Where,
			Default:      a.Default,
		})
	}
	for _, dv := range d.Derived {
		spec.Derived = append(spec.Derived, store.Derived(dv))
	}
	return spec, nil
}

// Scope selects the nodes to recompute.
type Scope struct {
	All   bool
	Guids []string
}

// AllNodes selects every node of the label.
func AllNodes() Scope { return Scope{All: true} }

// Nodes selects specific identifiers.
func Nodes(guids ...string) Scope { return Scope{Guids: guids} }

// Computer is the store capability a calculator needs.
type Computer interface {
	ComputeMetrics(ctx context.Context, spec store.MetricSpec, guids []string, at time.Time) (int, error)
}

// Calculator recomputes one metric definition.
type Calculator struct {
	name   string
	spec   store.MetricSpec
	c      Computer
	logger *slog.Logger
	now    func() time.Time
}

// NewCalculator creates a calculator for a resolved spec.
func NewCalculator(name string, spec store.MetricSpec, c Computer, logger *slog.Logger) *Calculator {
	return &Calculator{name: name, spec: spec, c: c, logger: logger, now: time.Now}
}

// Name returns the metric definition name.
func (c *Calculator) Name() string { return c.name }

// Label returns the label whose nodes are updated.
func (c *Calculator) Label() string { return c.spec.Label }

// Spec returns the resolved store spec.
func (c *Calculator) Spec() store.MetricSpec { return c.spec }

// Recompute overwrites the metric properties of the scoped nodes from the
// current graph state. An explicit empty scope does nothing.
func (c *Calculator) Recompute(ctx context.Context, scope Scope) (int, error) {
	var guids []string
	if !scope.All {
		if len(scope.Guids) == 0 {
			return 0, nil
		}
		guids = scope.Guids
	}
	n, err := c.c.ComputeMetrics(ctx, c.spec, guids, c.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("computing metric %s: %w", c.name, err)
	}
	metrics.MetricNodesUpdated.WithLabelValues(c.name).Add(float64(n))
	c.logger.Debug("recomputed metrics", "metric", c.name, "label", c.spec.Label, "updated", n)
	return n, nil
}
