// Package registry holds the validated set of entity, relationship, metric
// and migration definitions the engine runs with.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ajitpratap0/graphsync/internal/aggregate"
	"github.com/ajitpratap0/graphsync/internal/entity"
	"github.com/ajitpratap0/graphsync/internal/migrate"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/period"
	"github.com/ajitpratap0/graphsync/internal/relationship"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// CoreIndexVersion is the migration version reserved for the generated
// index migration.
const CoreIndexVersion = 1

// PropertyMigrationDef is a property migration declared against an entity name.
type PropertyMigrationDef struct {
	Version     int               `yaml:"version" json:"version"`
	Description string            `yaml:"description" json:"description"`
	Entity      string            `yaml:"entity" json:"entity"`
	Match       map[string]any    `yaml:"match" json:"match,omitempty"`
	Set         map[string]any    `yaml:"set" json:"set,omitempty"`
	Rename      map[string]string `yaml:"rename" json:"rename,omitempty"`
	BatchSize   int               `yaml:"batch_size" json:"batch_size,omitempty"`
}

// Builder collects definitions. Build validates them all at once.
type Builder struct {
	entities      []entity.Definition
	relationships []relationship.Definition
	metrics       []aggregate.Definition
	periods       []period.Definition
	migrations    []migrate.Migration
	propMigs      []PropertyMigrationDef
	batchSize     int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{batchSize: migrate.DefaultBatchSize}
}

// Entity registers an entity type.
func (b *Builder) Entity(d entity.Definition) *Builder {
	b.entities = append(b.entities, d)
	return b
}

// Relationship registers a relationship type.
func (b *Builder) Relationship(d relationship.Definition) *Builder {
	b.relationships = append(b.relationships, d)
	return b
}

// Metric registers a metric definition.
func (b *Builder) Metric(d aggregate.Definition) *Builder {
	b.metrics = append(b.metrics, d)
	return b
}

// Period registers a calendar hierarchy for an entity's date property.
func (b *Builder) Period(d period.Definition) *Builder {
	b.periods = append(b.periods, d)
	return b
}

// Migration registers a migration built in code.
func (b *Builder) Migration(m migrate.Migration) *Builder {
	b.migrations = append(b.migrations, m)
	return b
}

// PropertyMigration registers a property migration against an entity name.
func (b *Builder) PropertyMigration(d PropertyMigrationDef) *Builder {
	b.propMigs = append(b.propMigs, d)
	return b
}

// MigrationBatchSize sets the batch size for property migrations that don't set one.
func (b *Builder) MigrationBatchSize(n int) *Builder {
	if n > 0 {
		b.batchSize = n
	}
	return b
}

// Registry is a validated, immutable set of sync components.
type Registry struct {
	entities      []*entity.Module
	byName        map[string]*entity.Module
	levels        [][]*entity.Module
	relationships []*relationship.Module
	calculators   []*aggregate.Calculator
	metricDefs    []aggregate.Definition
	periods       []*period.Module
	periodCalcs   []*aggregate.Calculator
	migrations    []migrate.Migration
}

// Build validates every definition and wires components to st. All
// problems found are reported together.
func (b *Builder) Build(st store.Store, logger *slog.Logger) (*Registry, error) {
	var errs []error
	r := &Registry{byName: make(map[string]*entity.Module, len(b.entities))}

	// Entities.
	labels := map[string]string{}
	for _, raw := range b.entities {
		d := raw.WithDefaults()
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byName[d.Name]; dup {
			errs = append(errs, fmt.Errorf("entity %s: registered twice", d.Name))
			continue
		}
		if owner, dup := labels[d.Label]; dup {
			errs = append(errs, fmt.Errorf("entity %s: label %s is already owned by entity %s", d.Name, d.Label, owner))
			continue
		}
		if strings.HasPrefix(d.Label, "_") {
			errs = append(errs, fmt.Errorf("entity %s: label %s uses the reserved underscore prefix", d.Name, d.Label))
			continue
		}
		labels[d.Label] = d.Name
		m := entity.NewModule(d, st, logger)
		r.entities = append(r.entities, m)
		r.byName[d.Name] = m
	}
	for _, m := range r.entities {
		for _, dep := range m.Definition().Dependencies() {
			if _, ok := r.byName[dep]; !ok {
				errs = append(errs, fmt.Errorf("entity %s: references unregistered entity %q", m.Name(), dep))
			}
		}
	}
	if len(errs) == 0 {
		levels, err := dependencyLevels(r.entities)
		if err != nil {
			errs = append(errs, err)
		}
		r.levels = levels
	}

	// Relationships.
	relNames := map[string]bool{}
	relTypes := map[string]bool{}
	for _, raw := range b.relationships {
		d := raw.WithDefaults()
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if relNames[d.Name] {
			errs = append(errs, fmt.Errorf("relationship %s: registered twice", d.Name))
			continue
		}
		relNames[d.Name] = true
		src, okSrc := r.byName[d.Source]
		tgt, okTgt := r.byName[d.Target]
		if !okSrc || !okTgt {
			errs = append(errs, fmt.Errorf("relationship %s: source %q or target %q is not a registered entity", d.Name, d.Source, d.Target))
			continue
		}
		if !slices.Contains(writtenProperties(src.Definition()), d.ForeignKey) {
			errs = append(errs, fmt.Errorf("relationship %s: entity %s does not write property %q", d.Name, d.Source, d.ForeignKey))
			continue
		}
		if d.TargetKey != models.GUIDKey && !slices.Contains(writtenProperties(tgt.Definition()), d.TargetKey) {
			errs = append(errs, fmt.Errorf("relationship %s: entity %s does not write property %q", d.Name, d.Target, d.TargetKey))
			continue
		}
		relTypes[d.Type] = true
		r.relationships = append(r.relationships, relationship.NewModule(d, src.Label(), tgt.Label(), st, logger))
	}

	// Metrics.
	metricNames := map[string]bool{}
	metricProps := map[string]string{}
	for _, d := range b.metrics {
		if d.Name == "" {
			d.Name = d.Entity + "_metrics"
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if metricNames[d.Name] {
			errs = append(errs, fmt.Errorf("metric %s: registered twice", d.Name))
			continue
		}
		metricNames[d.Name] = true
		spec, err := d.Spec(r.labelOf)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, a := range d.Aggregates {
			if !relTypes[a.Relationship] {
				errs = append(errs, fmt.Errorf("metric %s: relationship type %q is not registered", d.Name, a.Relationship))
			}
		}
		owned := writtenProperties(r.byName[d.Entity].Definition())
		for _, prop := range spec.Properties() {
			if prop == models.LastMetricsUpdateKey {
				continue
			}
			if slices.Contains(owned, prop) {
				errs = append(errs, fmt.Errorf("metric %s: property %q is written by entity %s", d.Name, prop, d.Entity))
			}
			key := spec.Label + "." + prop
			if other, dup := metricProps[key]; dup {
				errs = append(errs, fmt.Errorf("metric %s: property %q is also written by metric %s", d.Name, prop, other))
			}
			metricProps[key] = d.Name
		}
		r.metricDefs = append(r.metricDefs, d)
		r.calculators = append(r.calculators, aggregate.NewCalculator(d.Name, spec, st, logger))
	}

	// Periods.
	periodNames := map[string]bool{}
	periodEdges := map[string]string{}
	for _, raw := range b.periods {
		d := raw.WithDefaults()
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if periodNames[d.Name] {
			errs = append(errs, fmt.Errorf("period %s: registered twice", d.Name))
			continue
		}
		periodNames[d.Name] = true
		src, ok := r.byName[d.Entity]
		if !ok {
			errs = append(errs, fmt.Errorf("period %s: unknown entity %q", d.Name, d.Entity))
			continue
		}
		if !slices.Contains(writtenProperties(src.Definition()), d.Property) {
			errs = append(errs, fmt.Errorf("period %s: entity %s does not write property %q", d.Name, d.Entity, d.Property))
			continue
		}
		if relTypes[d.Relationship] {
			errs = append(errs, fmt.Errorf("period %s: relationship type %q is already used by a foreign-key relationship", d.Name, d.Relationship))
			continue
		}
		edgeKey := d.Entity + "." + d.Relationship
		if other, dup := periodEdges[edgeKey]; dup {
			errs = append(errs, fmt.Errorf("period %s: entity %s already links through %s in period %s", d.Name, d.Entity, d.Relationship, other))
			continue
		}
		periodEdges[edgeKey] = d.Name
		m := period.NewModule(d, src.Label(), st, logger)
		for _, label := range m.Levels() {
			if owner, taken := labels[label]; taken {
				errs = append(errs, fmt.Errorf("period %s: calendar label %s is already owned by entity %s", d.Name, label, owner))
			}
		}
		for _, spec := range m.MetricSpecs() {
			name := period.MetricName(d.Name, spec.Label)
			for _, prop := range spec.Properties() {
				if prop == models.LastMetricsUpdateKey {
					continue
				}
				key := spec.Label + "." + prop
				if other, dup := metricProps[key]; dup {
					errs = append(errs, fmt.Errorf("period %s: property %q is also written by metric %s", d.Name, prop, other))
				}
				metricProps[key] = name
			}
			r.periodCalcs = append(r.periodCalcs, aggregate.NewCalculator(name, spec, st, logger))
		}
		r.periods = append(r.periods, m)
	}

	// Migrations.
	if len(errs) == 0 {
		r.migrations = append(r.migrations, migrate.NewIndexMigration(CoreIndexVersion, "core indexes and constraints", r.coreIndexes()))
	}
	for _, m := range b.migrations {
		if m.Version() == CoreIndexVersion {
			errs = append(errs, fmt.Errorf("migration %d: version is reserved for core indexes", m.Version()))
			continue
		}
		r.migrations = append(r.migrations, m)
	}
	for _, d := range b.propMigs {
		m, ok := r.byName[d.Entity]
		if !ok {
			errs = append(errs, fmt.Errorf("migration %d: unknown entity %q", d.Version, d.Entity))
			continue
		}
		if d.Version == CoreIndexVersion {
			errs = append(errs, fmt.Errorf("migration %d: version is reserved for core indexes", d.Version))
			continue
		}
		if len(d.Set) == 0 && len(d.Rename) == 0 {
			errs = append(errs, fmt.Errorf("migration %d: nothing to set or rename", d.Version))
			continue
		}
		size := d.BatchSize
		if size <= 0 {
			size = b.batchSize
		}
		r.migrations = append(r.migrations, migrate.NewPropertyMigration(migrate.PropertySpec{
			Version:     d.Version,
			Description: d.Description,
			Label:       m.Label(),
			Match:       d.Match,
			Set:         d.Set,
			Rename:      d.Rename,
			BatchSize:   size,
		}))
	}
	seenVersions := map[int]bool{}
	for _, m := range r.migrations {
		if seenVersions[m.Version()] {
			errs = append(errs, fmt.Errorf("migration %d: registered twice", m.Version()))
		}
		seenVersions[m.Version()] = true
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid registry: %w", errors.Join(errs...))
	}
	logger.Debug("registry built",
		"entities", len(r.entities),
		"relationships", len(r.relationships),
		"metrics", len(r.calculators),
		"periods", len(r.periods),
		"migrations", len(r.migrations))
	return r, nil
}

// writtenProperties lists the non-reserved properties an entity writes.
func writtenProperties(d entity.Definition) []string {
	out := make([]string, 0, len(d.Fields)+len(d.References))
	for _, f := range d.Fields {
		out = append(out, f.Target)
	}
	return append(out, d.ForeignKeys()...)
}

// dependencyLevels groups entities so that every entity comes after the
// entities it references. Self-references are ignored.
func dependencyLevels(mods []*entity.Module) ([][]*entity.Module, error) {
	placed := make(map[string]bool, len(mods))
	var levels [][]*entity.Module
	for len(placed) < len(mods) {
		var level []*entity.Module
		for _, m := range mods {
			if placed[m.Name()] {
				continue
			}
			ready := true
			for _, dep := range m.Definition().Dependencies() {
				if dep != m.Name() && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, m)
			}
		}
		if len(level) == 0 {
			var stuck []string
			for _, m := range mods {
				if !placed[m.Name()] {
					stuck = append(stuck, m.Name())
				}
			}
			return nil, fmt.Errorf("entity references form a cycle among %s", strings.Join(stuck, ", "))
		}
		for _, m := range level {
			placed[m.Name()] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (r *Registry) labelOf(name string) (string, bool) {
	m, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return m.Label(), true
}

// coreIndexes derives a unique guid constraint per label and an index per
// foreign-key and target-key property.
func (r *Registry) coreIndexes() []store.IndexSpec {
	var out []store.IndexSpec
	seen := map[string]bool{}
	add := func(idx store.IndexSpec) {
		if seen[idx.Name] {
			return
		}
		seen[idx.Name] = true
		out = append(out, idx)
	}
	for _, m := range r.entities {
		add(store.IndexSpec{Name: strings.ToLower(m.Label()) + "_guid_unique", Label: m.Label(), Property: models.GUIDKey, Unique: true})
	}
	for _, p := range r.periods {
		for _, label := range p.Levels() {
			add(store.IndexSpec{Name: strings.ToLower(label) + "_guid_unique", Label: label, Property: models.GUIDKey, Unique: true})
		}
	}
	for _, rel := range r.relationships {
		spec := rel.Spec()
		add(store.IndexSpec{Name: strings.ToLower(spec.Source) + "_" + spec.ForeignKey, Label: spec.Source, Property: spec.ForeignKey})
		if spec.TargetKey != models.GUIDKey {
			add(store.IndexSpec{Name: strings.ToLower(spec.Target) + "_" + spec.TargetKey, Label: spec.Target, Property: spec.TargetKey})
		}
	}
	return out
}

// Entities returns the entity modules in registration order.
func (r *Registry) Entities() []*entity.Module { return slices.Clone(r.entities) }

// Entity looks up an entity module by name.
func (r *Registry) Entity(name string) (*entity.Module, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// EntityByLabel looks up an entity module by node label.
func (r *Registry) EntityByLabel(label string) (*entity.Module, bool) {
	for _, m := range r.entities {
		if m.Label() == label {
			return m, true
		}
	}
	return nil, false
}

// Levels returns entities grouped in dependency order: referenced entities
// first. Entities within one level are independent of each other.
func (r *Registry) Levels() [][]*entity.Module {
	out := make([][]*entity.Module, len(r.levels))
	for i, l := range r.levels {
		out[i] = slices.Clone(l)
	}
	return out
}

// Relationships returns the relationship modules in registration order.
func (r *Registry) Relationships() []*relationship.Module { return slices.Clone(r.relationships) }

// Calculators returns the metric calculators in registration order.
func (r *Registry) Calculators() []*aggregate.Calculator { return slices.Clone(r.calculators) }

// Periods returns the period modules in registration order.
func (r *Registry) Periods() []*period.Module { return slices.Clone(r.periods) }

// PeriodCalculators returns the calculators maintaining period metrics. Each
// period's levels are listed finest first and must be recomputed in order.
func (r *Registry) PeriodCalculators() []*aggregate.Calculator { return slices.Clone(r.periodCalcs) }

// Migrations returns every migration, including the core index migration.
func (r *Registry) Migrations() []migrate.Migration { return slices.Clone(r.migrations) }

// EntitySchema describes one registered entity.
type EntitySchema struct {
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Resource    string   `json:"resource"`
	Properties  []string `json:"properties"`
	ForeignKeys []string `json:"foreign_keys"`
	Nodes       *int     `json:"nodes,omitempty"`
}

// Schema is a serializable description of the registry.
type Schema struct {
	Entities      []EntitySchema            `json:"entities"`
	Relationships []relationship.Definition `json:"relationships"`
	Metrics       []aggregate.Definition    `json:"metrics"`
	Periods       []period.Definition       `json:"periods,omitempty"`
}

// Schema describes the registered components.
func (r *Registry) Schema() Schema {
	s := Schema{
		Entities:      make([]EntitySchema, 0, len(r.entities)),
		Relationships: make([]relationship.Definition, 0, len(r.relationships)),
		Metrics:       slices.Clone(r.metricDefs),
	}
	for _, m := range r.entities {
		d := m.Definition()
		s.Entities = append(s.Entities, EntitySchema{
			Name:        d.Name,
			Label:       d.Label,
			Resource:    d.Resource.Path,
			Properties:  writtenProperties(d),
			ForeignKeys: d.ForeignKeys(),
		})
	}
	for _, rel := range r.relationships {
		s.Relationships = append(s.Relationships, rel.Definition())
	}
	for _, p := range r.periods {
		s.Periods = append(s.Periods, p.Definition())
	}
	return s
}

// NodeCounter counts nodes per label.
type NodeCounter interface {
	CountNodes(ctx context.Context, label string) (int, error)
}

// Census is Schema with the current node count of every entity label.
func (r *Registry) Census(ctx context.Context, c NodeCounter) (Schema, error) {
	s := r.Schema()
	for i := range s.Entities {
		n, err := c.CountNodes(ctx, s.Entities[i].Label)
		if err != nil {
			return Schema{}, fmt.Errorf("counting %s nodes: %w", s.Entities[i].Label, err)
		}
		s.Entities[i].Nodes = &n
	}
	return s, nil
}
