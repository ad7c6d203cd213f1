// Package entity turns raw source records into flat node property sets and
// writes them to the graph in idempotent batches.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ajitpratap0/graphsync/internal/fetch"
	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// Field copies one value from a raw record onto a node property.
type Field struct {
	// Source is a dotted path into the raw record.
	Source string `yaml:"source" json:"source"`
	// Target is the property name; the last Source segment when empty.
	Target   string `yaml:"target" json:"target"`
	Required bool   `yaml:"required" json:"required,omitempty"`
}

// Reference extracts another entity's identifier from a nested object and
// stores it as a foreign-key property.
type Reference struct {
	// Source is a dotted path to the nested object.
	Source string `yaml:"source" json:"source"`
	// Key is the identifier field inside the nested object. Defaults to "id".
	Key string `yaml:"key" json:"key"`
	// Target is the foreign-key property; "{entity}Guid" when empty.
	Target string `yaml:"target" json:"target"`
	// Entity names the referenced entity type.
	Entity string `yaml:"entity" json:"entity"`
	// Flat treats the value at Source as the identifier itself.
	Flat bool `yaml:"flat" json:"flat,omitempty"`
}

// Definition declares one entity type.
type Definition struct {
	Name       string         `yaml:"name" json:"name"`
	Label      string         `yaml:"label" json:"label"`
	Resource   fetch.Resource `yaml:"resource" json:"resource"`
	IDPath     string         `yaml:"id_path" json:"id_path"`
	Fields     []Field        `yaml:"fields" json:"fields"`
	References []Reference    `yaml:"references" json:"references"`
}

// WithDefaults fills the derivable parts of the definition.
func (d Definition) WithDefaults() Definition {
	if d.Label == "" {
		d.Label = upperFirst(d.Name)
	}
	if d.Resource.Name == "" {
		d.Resource.Name = d.Name
	}
	if d.IDPath == "" {
		d.IDPath = "id"
	}
	fields := make([]Field, len(d.Fields))
	for i, f := range d.Fields {
		if f.Target == "" {
			f.Target = lastSegment(f.Source)
		}
		fields[i] = f
	}
	d.Fields = fields
	refs := make([]Reference, len(d.References))
	for i, r := range d.References {
		if r.Key == "" {
			r.Key = "id"
		}
		if r.Target == "" {
			r.Target = lowerFirst(r.Entity) + "Guid"
		}
		refs[i] = r
	}
	d.References = refs
	return d
}

// Validate checks names and paths. It expects a definition with defaults applied.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("entity: name is required")
	}
	if !store.ValidIdentifier(d.Label) {
		return fmt.Errorf("entity %s: invalid label %q", d.Name, d.Label)
	}
	if d.Resource.Path == "" {
		return fmt.Errorf("entity %s: resource path is required", d.Name)
	}
	if err := d.Resource.Pagination.Validate(); err != nil {
		return fmt.Errorf("entity %s: %w", d.Name, err)
	}
	seen := map[string]bool{models.GUIDKey: true, models.SyncedAtKey: true}
	claim := func(prop string) error {
		if !store.ValidIdentifier(prop) {
			return fmt.Errorf("entity %s: invalid property name %q", d.Name, prop)
		}
		if strings.HasPrefix(prop, "_") {
			return fmt.Errorf("entity %s: property %q uses the reserved underscore prefix", d.Name, prop)
		}
		if seen[prop] {
			return fmt.Errorf("entity %s: property %q is written twice or is reserved", d.Name, prop)
		}
		seen[prop] = true
		return nil
	}
	for _, f := range d.Fields {
		if f.Source == "" {
			return fmt.Errorf("entity %s: field source is required", d.Name)
		}
		if err := claim(f.Target); err != nil {
			return err
		}
	}
	for _, r := range d.References {
		if r.Source == "" || r.Entity == "" {
			return fmt.Errorf("entity %s: reference needs source and entity", d.Name)
		}
		if err := claim(r.Target); err != nil {
			return err
		}
	}
	return nil
}

// ForeignKeys returns the foreign-key property names of the definition.
func (d Definition) ForeignKeys() []string {
	out := make([]string, 0, len(d.References))
	for _, r := range d.References {
		out = append(out, r.Target)
	}
	return out
}

// Dependencies returns the referenced entity names.
func (d Definition) Dependencies() []string {
	out := make([]string, 0, len(d.References))
	for _, r := range d.References {
		out = append(out, r.Entity)
	}
	return out
}

// TransformError describes a raw record that cannot be flattened.
type TransformError struct {
	Entity   string
	RecordID string
	Reason   string
}

func (e *TransformError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("transform %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("transform %s record %s: %s", e.Entity, e.RecordID, e.Reason)
}

// WriteError is a failed batch write. The whole batch was rejected.
type WriteError struct {
	Entity string
	Size   int
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s batch of %d: %v", e.Entity, e.Size, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// NodeWriter is the store capability an entity module needs.
type NodeWriter interface {
	MergeNodes(ctx context.Context, label string, rows []models.Properties, syncedAt time.Time) (int, error)
}

// Module transforms and upserts records of one entity type.
type Module struct {
	def    Definition
	w      NodeWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewModule creates a module for def.
func NewModule(def Definition, w NodeWriter, logger *slog.Logger) *Module {
	return &Module{
		def:    def.WithDefaults(),
		w:      w,
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the entity name.
func (m *Module) Name() string { return m.def.Name }

// Label returns the node label.
func (m *Module) Label() string { return m.def.Label }

// Definition returns the defaulted definition.
func (m *Module) Definition() Definition { return m.def }

// Transform flattens rec into a property set. Unmapped fields are ignored.
// Nested objects never land on the node; only the identifiers of referenced
// objects do, and those are null when the nested object is missing.
func (m *Module) Transform(rec models.Record) (models.Properties, error) {
	rawID, _ := models.Lookup(rec, m.def.IDPath)
	guid, ok := identifier(rawID)
	if !ok {
		return nil, &TransformError{Entity: m.def.Name, Reason: fmt.Sprintf("missing or invalid identifier at %q", m.def.IDPath)}
	}

	props := models.Properties{models.GUIDKey: guid}
	for _, f := range m.def.Fields {
		v, found := models.Lookup(rec, f.Source)
		if !found && f.Required {
			return nil, &TransformError{Entity: m.def.Name, RecordID: guid, Reason: fmt.Sprintf("required field %q is missing", f.Source)}
		}
		val, err := scalar(v)
		if err != nil {
			return nil, &TransformError{Entity: m.def.Name, RecordID: guid, Reason: fmt.Sprintf("field %q: %v", f.Source, err)}
		}
		props[f.Target] = val
	}
	for _, r := range m.def.References {
		props[r.Target] = m.reference(rec, r)
	}
	return props, nil
}

func (m *Module) reference(rec models.Record, r Reference) any {
	v, ok := models.Lookup(rec, r.Source)
	if !ok {
		return nil
	}
	if r.Flat {
		if id, isID := identifier(v); isID {
			return id
		}
		return nil
	}
	nested, isMap := v.(map[string]any)
	if !isMap {
		return nil
	}
	raw, _ := models.Lookup(nested, r.Key)
	if id, isID := identifier(raw); isID {
		return id
	}
	return nil
}

// UpsertBatch writes rows in one idempotent store call. An empty batch is a
// no-op.
func (m *Module) UpsertBatch(ctx context.Context, rows []models.Properties) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := m.w.MergeNodes(ctx, m.def.Label, rows, m.now().UTC())
	if err != nil {
		return 0, &WriteError{Entity: m.def.Name, Size: len(rows), Err: err}
	}
	metrics.RecordsUpserted.WithLabelValues(m.def.Name).Add(float64(n))
	m.logger.Debug("upserted batch", "entity", m.def.Name, "count", n)
	return n, nil
}

// Guids returns the identifiers of rows in order.
func Guids(rows []models.Properties) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.GUID())
	}
	return out
}

// identifier renders an id value as the canonical string guid.
func identifier(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		// Integral values outside the int64 range keep their float rendering
		// so distinct large ids never collapse onto one guid.
		if t == math.Trunc(t) && t >= math.MinInt64 && t < math.MaxInt64 {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

// scalar drops values a node property cannot hold: nested objects and lists
// containing them. Lists must be homogeneous and free of nulls; numeric lists
// mixing integers and floats are widened to floats.
func scalar(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any, models.Record:
		return nil, nil
	case []any:
		return list(t)
	default:
		return v, nil
	}
}

func list(items []any) (any, error) {
	kind := ""
	mixedNumbers := false
	for i, item := range items {
		var k string
		switch item.(type) {
		case map[string]any, models.Record, []any:
			return nil, nil
		case nil:
			return nil, fmt.Errorf("list element %d is null", i)
		case string:
			k = "string"
		case bool:
			k = "bool"
		case int64, int, float64:
			k = "number"
			if kind == "number" && !sameNumberType(items[0], item) {
				mixedNumbers = true
			}
		default:
			k = fmt.Sprintf("%T", item)
		}
		if kind != "" && k != kind {
			return nil, fmt.Errorf("list mixes %s and %s elements", kind, k)
		}
		kind = k
	}
	if !mixedNumbers {
		return items, nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		switch n := item.(type) {
		case int64:
			out[i] = float64(n)
		case int:
			out[i] = float64(n)
		default:
			out[i] = item
		}
	}
	return out, nil
}

func sameNumberType(a, b any) bool {
	_, af := a.(float64)
	_, bf := b.(float64)
	return af == bf
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
