package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/graphsync/internal/aggregate"
	"github.com/ajitpratap0/graphsync/internal/entity"
	"github.com/ajitpratap0/graphsync/internal/period"
	"github.com/ajitpratap0/graphsync/internal/relationship"
)

// schemaFile is the on-disk layout of a schema definition.
type schemaFile struct {
	Entities      []entity.Definition       `yaml:"entities"`
	Relationships []relationship.Definition `yaml:"relationships"`
	Metrics       []aggregate.Definition    `yaml:"metrics"`
	Periods       []period.Definition       `yaml:"periods"`
	Migrations    []PropertyMigrationDef    `yaml:"migrations"`
}

// LoadFile reads a YAML schema into a new Builder.
func LoadFile(path string) (*Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	return b, nil
}

// Parse decodes a YAML schema. Unknown keys are rejected.
func Parse(data []byte) (*Builder, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f schemaFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(f.Entities) == 0 {
		return nil, fmt.Errorf("schema declares no entities")
	}

	b := NewBuilder()
	for _, d := range f.Entities {
		b.Entity(d)
	}
	for _, d := range f.Relationships {
		b.Relationship(d)
	}
	for _, d := range f.Metrics {
		b.Metric(d)
	}
	for _, d := range f.Periods {
		b.Period(d)
	}
	for _, d := range f.Migrations {
		b.PropertyMigration(d)
	}
	return b, nil
}
