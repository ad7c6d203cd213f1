// Package relationship creates graph edges from stored foreign-key properties.
package relationship

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// Direction orients the created edge relative to the node holding the foreign key.
type Direction string

const (
	// Outgoing creates (source)-[:TYPE]->(target).
	Outgoing Direction = "outgoing"
	// Incoming creates (target)-[:TYPE]->(source).
	Incoming Direction = "incoming"
)

// Definition declares one relationship type. Source and Target are entity
// names; the registry resolves them to labels.
type Definition struct {
	Name       string    `yaml:"name" json:"name"`
	Type       string    `yaml:"type" json:"type"`
	Source     string    `yaml:"source" json:"source"`
	ForeignKey string    `yaml:"foreign_key" json:"foreign_key"`
	Target     string    `yaml:"target" json:"target"`
	TargetKey  string    `yaml:"target_key" json:"target_key"`
	Direction  Direction `yaml:"direction" json:"direction"`
}

// WithDefaults fills the target key and direction.
func (d Definition) WithDefaults() Definition {
	if d.TargetKey == "" {
		d.TargetKey = models.GUIDKey
	}
	if d.Direction == "" {
		d.Direction = Outgoing
	}
	if d.Name == "" {
		d.Name = d.Type
	}
	return d
}

// Validate checks identifiers and direction.
func (d Definition) Validate() error {
	if !store.ValidIdentifier(d.Type) {
		return fmt.Errorf("relationship %s: invalid type %q", d.Name, d.Type)
	}
	if d.Source == "" || d.Target == "" {
		return fmt.Errorf("relationship %s: source and target are required", d.Name)
	}
	if !store.ValidIdentifier(d.ForeignKey) || !store.ValidIdentifier(d.TargetKey) {
		return fmt.Errorf("relationship %s: invalid foreign key %q or target key %q", d.Name, d.ForeignKey, d.TargetKey)
	}
	switch d.Direction {
	case Outgoing, Incoming:
	default:
		return fmt.Errorf("relationship %s: unknown direction %q", d.Name, d.Direction)
	}
	return nil
}

// Linker is the store capability a relationship needs.
type Linker interface {
	LinkByForeignKey(ctx context.Context, spec store.LinkSpec) (store.LinkResult, error)
}

// Module links nodes for one relationship definition.
type Module struct {
	def    Definition
	spec   store.LinkSpec
	linker Linker
	logger *slog.Logger
}

// NewModule creates a module linking sourceLabel to targetLabel.
func NewModule(def Definition, sourceLabel, targetLabel string, linker Linker, logger *slog.Logger) *Module {
	def = def.WithDefaults()
	return &Module{
		def: def,
		spec: store.LinkSpec{
			Type:       def.Type,
			Source:     sourceLabel,
			ForeignKey: def.ForeignKey,
			Target:     targetLabel,
			TargetKey:  def.TargetKey,
			Reverse:    def.Direction == Incoming,
		},
		linker: linker,
		logger: logger,
	}
}

// Name returns the relationship name.
func (m *Module) Name() string { return m.def.Name }

// Definition returns the defaulted definition.
func (m *Module) Definition() Definition { return m.def }

// Spec returns the store-level link description.
func (m *Module) Spec() store.LinkSpec { return m.spec }

// CreateRelationships creates every missing edge in one set-based operation.
// Source nodes whose foreign key references a node not yet synced are counted
// as skipped; a later run links them once the target exists.
func (m *Module) CreateRelationships(ctx context.Context) (store.LinkResult, error) {
	res, err := m.linker.LinkByForeignKey(ctx, m.spec)
	if err != nil {
		return store.LinkResult{}, fmt.Errorf("linking %s: %w", m.def.Name, err)
	}
	metrics.EdgesCreated.WithLabelValues(m.def.Name).Add(float64(res.Created))
	if res.Skipped > 0 {
		m.logger.Info("foreign keys reference missing targets",
			"relationship", m.def.Name, "skipped", res.Skipped)
	}
	m.logger.Debug("linked relationship", "relationship", m.def.Name, "created", res.Created)
	return res, nil
}
