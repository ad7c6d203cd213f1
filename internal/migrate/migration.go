// Package migrate applies and reverts versioned, reversible graph migrations.
package migrate

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/graphsync/internal/store"
)

// Migration is one versioned change to the graph. Up and Down must be safe
// to call repeatedly: they only touch nodes not yet (or still) tagged with
// the migration's version, and return how many they touched.
type Migration interface {
	Version() int
	Description() string
	Up(ctx context.Context, tx store.Tx) (int, error)
	Down(ctx context.Context, tx store.Tx) (int, error)
}

// Batched migrations are applied by repeating Up or Down in separate
// transactions until one call touches fewer than BatchSize nodes.
type Batched interface {
	BatchSize() int
}

// SchemaMigration is implemented by migrations that only change indexes or
// constraints. Neo4j cannot commit a schema change and a data write in one
// transaction, so the engine writes their ledger entry in a transaction of
// its own after the schema change commits.
type SchemaMigration interface {
	SchemaOnly() bool
}

func schemaOnly(m Migration) bool {
	s, ok := m.(SchemaMigration)
	return ok && s.SchemaOnly()
}

// IndexMigration creates the indexes and uniqueness constraints the sync
// engine relies on.
type IndexMigration struct {
	version     int
	description string
	indexes     []store.IndexSpec
}

// NewIndexMigration creates an index migration.
func NewIndexMigration(version int, description string, indexes []store.IndexSpec) *IndexMigration {
	return &IndexMigration{version: version, description: description, indexes: indexes}
}

func (m *IndexMigration) Version() int        { return m.version }
func (m *IndexMigration) Description() string { return m.description }

// SchemaOnly reports true: index migrations never touch nodes.
func (m *IndexMigration) SchemaOnly() bool { return true }

// Indexes returns the index specs in creation order.
func (m *IndexMigration) Indexes() []store.IndexSpec { return m.indexes }

func (m *IndexMigration) Up(ctx context.Context, tx store.Tx) (int, error) {
	for _, idx := range m.indexes {
		if err := tx.EnsureIndex(ctx, idx); err != nil {
			return 0, fmt.Errorf("creating index %s: %w", idx.Name, err)
		}
	}
	return len(m.indexes), nil
}

func (m *IndexMigration) Down(ctx context.Context, tx store.Tx) (int, error) {
	for i := len(m.indexes) - 1; i >= 0; i-- {
		idx := m.indexes[i]
		if err := tx.DropIndex(ctx, idx); err != nil {
			return 0, fmt.Errorf("dropping index %s: %w", idx.Name, err)
		}
	}
	return len(m.indexes), nil
}

// PropertySpec describes a backfill or rename over nodes of one label.
type PropertySpec struct {
	Version     int
	Description string
	Label       string
	// Match restricts the migration to nodes with these property values; nil
	// matches nodes where the property is absent.
	Match map[string]any
	// Set writes properties the migration introduces.
	Set map[string]any
	// Rename moves values from old property names to new ones.
	Rename    map[string]string
	BatchSize int
}

// PropertyMigration is a batched, version-tagged property change.
type PropertyMigration struct {
	spec PropertySpec
}

// NewPropertyMigration creates a property migration.
func NewPropertyMigration(spec PropertySpec) *PropertyMigration {
	if spec.BatchSize <= 0 {
		spec.BatchSize = DefaultBatchSize
	}
	return &PropertyMigration{spec: spec}
}

func (m *PropertyMigration) Version() int        { return m.spec.Version }
func (m *PropertyMigration) Description() string { return m.spec.Description }
func (m *PropertyMigration) BatchSize() int      { return m.spec.BatchSize }

// Label returns the label the migration mutates.
func (m *PropertyMigration) Label() string { return m.spec.Label }

func (m *PropertyMigration) mutation(limit int) store.NodeMutation {
	return store.NodeMutation{
		Version: m.spec.Version,
		Label:   m.spec.Label,
		Match:   m.spec.Match,
		Set:     m.spec.Set,
		Rename:  m.spec.Rename,
		Limit:   limit,
	}
}

// Up mutates at most one batch of untagged nodes.
func (m *PropertyMigration) Up(ctx context.Context, tx store.Tx) (int, error) {
	return tx.MutateNodes(ctx, m.mutation(m.spec.BatchSize))
}

// Down reverts at most one batch of tagged nodes.
func (m *PropertyMigration) Down(ctx context.Context, tx store.Tx) (int, error) {
	return tx.RevertNodes(ctx, m.mutation(m.spec.BatchSize))
}

// FuncMigration runs integrator-supplied code.
type FuncMigration struct {
	version     int
	description string
	up, down    func(context.Context, store.Tx) (int, error)
}

// NewFuncMigration wraps up and down functions as a migration. A nil down
// makes the migration irreversible.
func NewFuncMigration(version int, description string, up, down func(context.Context, store.Tx) (int, error)) *FuncMigration {
	return &FuncMigration{version: version, description: description, up: up, down: down}
}

func (m *FuncMigration) Version() int        { return m.version }
func (m *FuncMigration) Description() string { return m.description }

func (m *FuncMigration) Up(ctx context.Context, tx store.Tx) (int, error) {
	return m.up(ctx, tx)
}

func (m *FuncMigration) Down(ctx context.Context, tx store.Tx) (int, error) {
	if m.down == nil {
		return 0, ErrIrreversible
	}
	return m.down(ctx, tx)
}
