package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/graphsync/internal/models"
)

func TestLookup(t *testing.T) {
	rec := models.Record{
		"id":      "c-1",
		"company": map[string]any{"id": "co-9", "owner": map[string]any{"id": int64(4)}},
		"empty":   nil,
		"name":    "Acme",
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"id", "c-1", true},
		{"company.id", "co-9", true},
		{"company.owner.id", int64(4), true},
		{"company.missing", nil, false},
		{"empty.id", nil, false},
		{"empty", nil, false},
		{"name.id", nil, false},
		{"nope", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := models.Lookup(rec, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	got, ok := models.Lookup(rec, "")
	assert.True(t, ok)
	assert.Equal(t, rec, got)
	_, ok = models.Lookup(nil, "")
	assert.False(t, ok)
}

func TestPropertiesGUIDAndClone(t *testing.T) {
	p := models.Properties{"guid": "x", "n": 1}
	assert.Equal(t, "x", p.GUID())
	assert.Equal(t, "", models.Properties{"guid": 5}.GUID())

	c := p.Clone()
	c["n"] = 2
	assert.Equal(t, 1, p["n"])
}

func TestSyncModeIsValid(t *testing.T) {
	for _, m := range models.ValidSyncModes {
		assert.True(t, m.IsValid())
	}
	assert.False(t, models.SyncMode("partial").IsValid())
}

func TestRunReportTotals(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	r := &models.RunReport{
		State:         models.StateDone,
		StartedAt:     start,
		Entities:      []models.EntityResult{{Name: "a", Upserted: 3}, {Name: "b", Upserted: 4}},
		Relationships: []models.RelationshipResult{{Name: "r", Created: 2}},
	}
	assert.Zero(t, r.Duration())
	r.FinishedAt = start.Add(90 * time.Second)

	assert.Equal(t, 7, r.TotalUpserted())
	assert.Equal(t, 2, r.TotalLinked())
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.True(t, r.Succeeded())

	r.Failures = append(r.Failures, models.Failure{Component: models.ComponentEntity, Name: "a", Kind: models.KindWrite})
	assert.False(t, r.Succeeded())

	r.Failures = nil
	r.Cancelled = true
	assert.False(t, r.Succeeded())
}
