package period_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/period"
	"github.com/ajitpratap0/graphsync/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dealClose() period.Definition {
	return period.Definition{
		Entity:   "deal",
		Property: "closeDate",
		Metrics: []period.Metric{
			{Property: "dealCount", Func: store.AggCount},
			{Property: "closedValue", Func: store.AggSum, Source: "amount"},
			{Property: "largestDeal", Func: store.AggMax, Source: "amount"},
		},
		Derived: []period.Derived{
			{Property: "averageDeal", Op: store.OpRatio, Left: "closedValue", Right: "dealCount"},
		},
	}
}

func TestDefinition_WithDefaults(t *testing.T) {
	d := period.Definition{Entity: "deal", Property: "closeDate"}.WithDefaults()
	assert.Equal(t, "deal_closeDate", d.Name)
	assert.Equal(t, period.Month, d.Granularity)
	assert.Equal(t, period.DefaultRelationship, d.Relationship)

	d = period.Definition{Name: "closings", Entity: "deal", Property: "closeDate", Granularity: period.Day, Relationship: "CLOSED_ON"}.WithDefaults()
	assert.Equal(t, "closings", d.Name)
	assert.Equal(t, period.Day, d.Granularity)
	assert.Equal(t, "CLOSED_ON", d.Relationship)
}

func TestDefinition_Validate(t *testing.T) {
	require.NoError(t, dealClose().WithDefaults().Validate())

	tests := []struct {
		name   string
		modify func(*period.Definition)
	}{
		{"no entity", func(d *period.Definition) { d.Entity = "" }},
		{"bad property", func(d *period.Definition) { d.Property = "close date" }},
		{"containment relationship", func(d *period.Definition) { d.Relationship = store.ContainsType }},
		{"unknown granularity", func(d *period.Definition) { d.Granularity = "week" }},
		{"avg metric", func(d *period.Definition) {
			d.Metrics = append(d.Metrics, period.Metric{Property: "meanDeal", Func: store.AggAvg, Source: "amount"})
		}},
		{"sum without source", func(d *period.Definition) { d.Metrics[1].Source = "" }},
		{"unknown func", func(d *period.Definition) { d.Metrics[0].Func = "median" }},
		{"reserved property", func(d *period.Definition) { d.Metrics[0].Property = "quarter" }},
		{"duplicate property", func(d *period.Definition) { d.Metrics[2].Property = "dealCount" }},
		{"unknown op", func(d *period.Definition) { d.Derived[0].Op = "product" }},
		{"foreign operand", func(d *period.Definition) { d.Derived[0].Right = "amount" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dealClose().WithDefaults()
			d.Metrics = append([]period.Metric(nil), d.Metrics...)
			d.Derived = append([]period.Derived(nil), d.Derived...)
			tt.modify(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestModule_Levels(t *testing.T) {
	m := period.NewModule(dealClose(), "Deal", store.NewMockStore(), newTestLogger())
	assert.Equal(t, []string{store.MonthLabel, store.QuarterLabel, store.YearLabel}, m.Levels())
	assert.Equal(t, store.PeriodSpec{Label: "Deal", Property: "closeDate", Relationship: period.DefaultRelationship}, m.Spec())

	d := dealClose()
	d.Granularity = period.Day
	m = period.NewModule(d, "Deal", store.NewMockStore(), newTestLogger())
	assert.Equal(t, []string{store.DayLabel, store.MonthLabel, store.QuarterLabel, store.YearLabel}, m.Levels())
	assert.True(t, m.Spec().Days)
}

func TestModule_MetricSpecsRollUp(t *testing.T) {
	m := period.NewModule(dealClose(), "Deal", store.NewMockStore(), newTestLogger())
	specs := m.MetricSpecs()
	require.Len(t, specs, 3)

	month := specs[0]
	assert.Equal(t, store.MonthLabel, month.Label)
	assert.Equal(t, store.Aggregate{
		Property:     "dealCount",
		Func:         store.AggCount,
		Relationship: period.DefaultRelationship,
		Direction:    store.DirIn,
		Neighbor:     "Deal",
	}, month.Aggregates[0])

	quarter := specs[1]
	assert.Equal(t, store.QuarterLabel, quarter.Label)
	assert.Equal(t, store.Aggregate{
		Property:     "dealCount",
		Func:         store.AggSum,
		Relationship: store.ContainsType,
		Direction:    store.DirOut,
		Neighbor:     store.MonthLabel,
		Source:       "dealCount",
	}, quarter.Aggregates[0])
	assert.Equal(t, store.AggMax, quarter.Aggregates[2].Func)
	assert.Equal(t, store.QuarterLabel, specs[2].Aggregates[0].Neighbor)

	for _, s := range specs {
		require.Len(t, s.Derived, 1)
		assert.Equal(t, "averageDeal", s.Derived[0].Property)
	}

	assert.Nil(t, period.NewModule(period.Definition{Entity: "deal", Property: "closeDate"}, "Deal", store.NewMockStore(), newTestLogger()).MetricSpecs())
	assert.Equal(t, "deal_close_quarter", period.MetricName("deal_close", store.QuarterLabel))
}

func TestModule_LinkAndComputeEveryLevel(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	_, err := ms.MergeNodes(ctx, "Deal", []models.Properties{
		{"guid": "d1", "closeDate": "2026-01-05", "amount": 100.0},
		{"guid": "d2", "closeDate": "2026-01-20T16:00:00Z", "amount": 50.0},
		{"guid": "d3", "closeDate": "2026-02-03", "amount": 30.0},
		{"guid": "d4", "closeDate": "2026-05-01", "amount": 200.0},
		{"guid": "d5", "closeDate": "soon", "amount": 999.0},
	}, time.Now())
	require.NoError(t, err)

	m := period.NewModule(dealClose(), "Deal", ms, newTestLogger())
	res, err := m.Link(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.LinkResult{Created: 4, Skipped: 1}, res)

	for _, spec := range m.MetricSpecs() {
		_, err := ms.ComputeMetrics(ctx, spec, nil, time.Now())
		require.NoError(t, err)
	}

	jan, err := ms.GetNode(ctx, store.MonthLabel, "2026-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), jan.Properties["dealCount"])
	assert.InDelta(t, 150, jan.Properties["closedValue"], 0.001)
	assert.InDelta(t, 75, jan.Properties["averageDeal"], 0.001)

	q1, err := ms.GetNode(ctx, store.QuarterLabel, "2026-Q1")
	require.NoError(t, err)
	assert.InDelta(t, 3, q1.Properties["dealCount"], 0.001)
	assert.InDelta(t, 180, q1.Properties["closedValue"], 0.001)
	assert.InDelta(t, 100, q1.Properties["largestDeal"], 0.001)

	year, err := ms.GetNode(ctx, store.YearLabel, "2026")
	require.NoError(t, err)
	assert.InDelta(t, 4, year.Properties["dealCount"], 0.001)
	assert.InDelta(t, 380, year.Properties["closedValue"], 0.001)
	assert.InDelta(t, 200, year.Properties["largestDeal"], 0.001)
	assert.InDelta(t, 95, year.Properties["averageDeal"], 0.001)
}

type failingLinker struct{}

func (failingLinker) LinkPeriods(context.Context, store.PeriodSpec) (store.LinkResult, error) {
	return store.LinkResult{}, errors.New("neo4j unavailable")
}

func TestModule_LinkWrapsErrors(t *testing.T) {
	m := period.NewModule(dealClose(), "Deal", failingLinker{}, newTestLogger())
	_, err := m.Link(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "linking period deal_closeDate")
}
