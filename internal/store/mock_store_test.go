package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/store"
)

func seedProjects(t *testing.T, s *store.MockStore) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC()
	_, err := s.MergeNodes(ctx, "Company", []models.Properties{
		{"guid": "c1", "name": "Acme"},
		{"guid": "c2", "name": "Globex"},
	}, at)
	require.NoError(t, err)
	_, err = s.MergeNodes(ctx, "Project", []models.Properties{
		{"guid": "p1", "companyGuid": "c1", "revenue": 100.0, "status": "open"},
		{"guid": "p2", "companyGuid": "c1", "revenue": int64(50), "status": "closed"},
		{"guid": "p3", "companyGuid": "c9", "revenue": 10.0, "status": "open"},
		{"guid": "p4", "companyGuid": nil},
	}, at)
	require.NoError(t, err)
}

func TestMockStore_MergeNodesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	rows := []models.Properties{{"guid": "a", "name": "first"}}

	n, err := s.MergeNodes(ctx, "Thing", rows, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows[0]["name"] = "second"
	_, err = s.MergeNodes(ctx, "Thing", rows, time.Now())
	require.NoError(t, err)

	count, err := s.CountNodes(ctx, "Thing")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	node, err := s.GetNode(ctx, "Thing", "a")
	require.NoError(t, err)
	assert.Equal(t, "second", node.Properties["name"])
	assert.Contains(t, node.Properties, models.SyncedAtKey)
}

func TestMockStore_MergeNodesNilRemovesProperty(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	_, err := s.MergeNodes(ctx, "Thing", []models.Properties{{"guid": "a", "ownerGuid": "o1"}}, time.Now())
	require.NoError(t, err)
	_, err = s.MergeNodes(ctx, "Thing", []models.Properties{{"guid": "a", "ownerGuid": nil}}, time.Now())
	require.NoError(t, err)

	node, err := s.GetNode(ctx, "Thing", "a")
	require.NoError(t, err)
	assert.NotContains(t, node.Properties, "ownerGuid")
}

func TestMockStore_MergeNodesRejectsMissingGUIDAtomically(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	_, err := s.MergeNodes(ctx, "Thing", []models.Properties{{"guid": "a"}, {"name": "no id"}}, time.Now())
	require.Error(t, err)

	count, err := s.CountNodes(ctx, "Thing")
	require.NoError(t, err)
	assert.Zero(t, count, "a failed batch must not leave partial writes")
}

func TestMockStore_GetNodeNotFound(t *testing.T) {
	_, err := store.NewMockStore().GetNode(context.Background(), "Thing", "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestMockStore_LinkByForeignKey(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	seedProjects(t, s)

	spec := store.LinkSpec{
		Type: "HAS_PROJECT", Source: "Project", ForeignKey: "companyGuid",
		Target: "Company", TargetKey: "guid", Reverse: true,
	}
	res, err := s.LinkByForeignKey(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped, "p3 dangles and p4 has no key")
	assert.True(t, s.HasEdge("HAS_PROJECT", "Company", "c1", "Project", "p1"))
	assert.False(t, s.HasEdge("HAS_PROJECT", "Project", "p1", "Company", "c1"))

	res, err = s.LinkByForeignKey(ctx, spec)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, s.EdgeCount("HAS_PROJECT"))

	_, err = s.MergeNodes(ctx, "Company", []models.Properties{{"guid": "c9"}}, time.Now())
	require.NoError(t, err)
	res, err = s.LinkByForeignKey(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, store.LinkResult{Created: 1, Skipped: 0}, res)
}

func TestMockStore_LinkPeriods(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	_, err := ms.MergeNodes(ctx, "Deal", []models.Properties{
		{"guid": "d1", "closeDate": "2026-02-10T09:30:00Z"},
		{"guid": "d2", "closeDate": "2026-02-27"},
		{"guid": "d3", "closeDate": time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"guid": "d4", "closeDate": "next week"},
		{"guid": "d5"},
	}, time.Now())
	require.NoError(t, err)

	spec := store.PeriodSpec{Label: "Deal", Property: "closeDate", Relationship: "RECORDED_IN"}
	res, err := ms.LinkPeriods(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, store.LinkResult{Created: 3, Skipped: 1}, res)

	assert.True(t, ms.HasEdge("RECORDED_IN", "Deal", "d1", "Month", "2026-02"))
	assert.True(t, ms.HasEdge("RECORDED_IN", "Deal", "d3", "Month", "2026-07"))
	assert.True(t, ms.HasEdge("CONTAINS", "Year", "2026", "Quarter", "2026-Q1"))
	assert.True(t, ms.HasEdge("CONTAINS", "Quarter", "2026-Q3", "Month", "2026-07"))
	assert.Equal(t, 4, ms.EdgeCount("CONTAINS"))

	q, err := ms.GetNode(ctx, "Quarter", "2026-Q3")
	require.NoError(t, err)
	assert.Equal(t, int64(2026), q.Properties["year"])
	assert.Equal(t, int64(3), q.Properties["quarter"])

	res, err = ms.LinkPeriods(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, store.LinkResult{Created: 0, Skipped: 1}, res)

	// A moved date relinks the fact and drops the stale edge.
	_, err = ms.MergeNodes(ctx, "Deal", []models.Properties{{"guid": "d1", "closeDate": "2026-03-02"}}, time.Now())
	require.NoError(t, err)
	res, err = ms.LinkPeriods(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.False(t, ms.HasEdge("RECORDED_IN", "Deal", "d1", "Month", "2026-02"))
	assert.True(t, ms.HasEdge("RECORDED_IN", "Deal", "d1", "Month", "2026-03"))
	assert.Equal(t, 3, ms.EdgeCount("RECORDED_IN"))

	spec.Days = true
	spec.Relationship = "CLOSED_ON"
	res, err = ms.LinkPeriods(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.True(t, ms.HasEdge("CLOSED_ON", "Deal", "d2", "Day", "2026-02-27"))
	assert.True(t, ms.HasEdge("CONTAINS", "Month", "2026-02", "Day", "2026-02-27"))
	day, err := ms.GetNode(ctx, "Day", "2026-02-27")
	require.NoError(t, err)
	assert.Equal(t, int64(27), day.Properties["day"])
}

func TestMockStore_ComputeMetrics(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	seedProjects(t, s)
	_, err := s.LinkByForeignKey(ctx, store.LinkSpec{
		Type: "HAS_PROJECT", Source: "Project", ForeignKey: "companyGuid",
		Target: "Company", TargetKey: "guid", Reverse: true,
	})
	require.NoError(t, err)

	spec := store.MetricSpec{
		Label: "Company",
		Aggregates: []store.Aggregate{
			{Property: "projectCount", Func: store.AggCount, Relationship: "HAS_PROJECT", Direction: store.DirOut},
			{Property: "openProjects", Func: store.AggCount, Relationship: "HAS_PROJECT", Direction: store.DirOut, Where: map[string]any{"status": "open"}},
			{Property: "totalRevenue", Func: store.AggSum, Relationship: "HAS_PROJECT", Direction: store.DirOut, Source: "revenue"},
			{Property: "avgRevenue", Func: store.AggAvg, Relationship: "HAS_PROJECT", Direction: store.DirOut, Source: "revenue", Default: -1},
		},
		Derived: []store.Derived{
			{Property: "openRatio", Op: store.OpRatio, Left: "openProjects", Right: "projectCount"},
		},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n, err := s.ComputeMetrics(ctx, spec, nil, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c1, err := s.GetNode(ctx, "Company", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c1.Properties["projectCount"])
	assert.Equal(t, int64(1), c1.Properties["openProjects"])
	assert.InDelta(t, 150.0, c1.Properties["totalRevenue"], 1e-9)
	assert.InDelta(t, 75.0, c1.Properties["avgRevenue"], 1e-9)
	assert.InDelta(t, 0.5, c1.Properties["openRatio"], 1e-9)
	assert.Equal(t, at, c1.Properties[models.LastMetricsUpdateKey])

	// No edges: division by zero and empty averages fall back to defaults.
	c2, err := s.GetNode(ctx, "Company", "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c2.Properties["projectCount"])
	assert.InDelta(t, 0.0, c2.Properties["totalRevenue"], 1e-9)
	assert.InDelta(t, -1.0, c2.Properties["avgRevenue"], 1e-9)
	assert.InDelta(t, 0.0, c2.Properties["openRatio"], 1e-9)
}

func TestMockStore_ComputeMetricsScoped(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	seedProjects(t, s)
	spec := store.MetricSpec{
		Label:      "Company",
		Aggregates: []store.Aggregate{{Property: "projectCount", Func: store.AggCount, Relationship: "HAS_PROJECT"}},
	}
	n, err := s.ComputeMetrics(ctx, spec, []string{"c2", "unknown"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c1, err := s.GetNode(ctx, "Company", "c1")
	require.NoError(t, err)
	assert.NotContains(t, c1.Properties, "projectCount")
}

func TestMockStore_MutateAndRevertRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	seedProjects(t, s)

	before, err := s.GetNode(ctx, "Project", "p1")
	require.NoError(t, err)

	mut := store.NodeMutation{
		Version: 3,
		Label:   "Project",
		Match:   map[string]any{"status": "open"},
		Set:     map[string]any{"priority": "normal"},
		Rename:  map[string]string{"revenue": "revenueUsd"},
		Limit:   1,
	}
	total := 0
	for {
		n, err := s.MutateNodes(ctx, mut)
		require.NoError(t, err)
		total += n
		if n < mut.Limit {
			break
		}
	}
	assert.Equal(t, 2, total, "only open projects match")

	p1, err := s.GetNode(ctx, "Project", "p1")
	require.NoError(t, err)
	assert.Equal(t, "normal", p1.Properties["priority"])
	assert.Equal(t, 100.0, p1.Properties["revenueUsd"])
	assert.NotContains(t, p1.Properties, "revenue")

	n, err := s.MutateNodes(ctx, mut)
	require.NoError(t, err)
	assert.Zero(t, n, "tagged nodes are skipped")

	mut.Limit = 0
	n, err = s.RevertNodes(ctx, mut)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after, err := s.GetNode(ctx, "Project", "p1")
	require.NoError(t, err)
	assert.Equal(t, []any{}, after.Properties[store.MigrationsProp])
	delete(after.Properties, store.MigrationsProp)
	assert.Equal(t, before.Properties, after.Properties)
}

func TestMockStore_RollbackTxDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	seedProjects(t, s)

	var seen int
	err := s.RollbackTx(ctx, func(tx store.Tx) error {
		_, err := tx.MergeNodes(ctx, "Company", []models.Properties{{"guid": "c3"}}, time.Now())
		if err != nil {
			return err
		}
		seen, err = tx.CountNodes(ctx, "Company")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)

	count, err := s.CountNodes(ctx, "Company")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMockStore_WriteTxCommitsOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	boom := errors.New("boom")

	err := s.WriteTx(ctx, func(tx store.Tx) error {
		_, _ = tx.MergeNodes(ctx, "Thing", []models.Properties{{"guid": "x"}}, time.Now())
		return boom
	})
	require.ErrorIs(t, err, boom)
	count, _ := s.CountNodes(ctx, "Thing")
	assert.Zero(t, count)

	err = s.WriteTx(ctx, func(tx store.Tx) error {
		_, err := tx.MergeNodes(ctx, "Thing", []models.Properties{{"guid": "x"}}, time.Now())
		return err
	})
	require.NoError(t, err)
	count, _ = s.CountNodes(ctx, "Thing")
	assert.Equal(t, 1, count)
}

func TestMockStore_WriteTxRejectsSchemaAndDataTogether(t *testing.T) {
	ctx := context.Background()
	idx := store.IndexSpec{Name: "thing_guid", Label: "Thing", Property: "guid", Unique: true}
	rec := models.MigrationRecord{Version: 1, Description: "core", AppliedAt: time.Now()}

	tests := []struct {
		name string
		fn   func(tx store.Tx) error
	}{
		{"ledger after index", func(tx store.Tx) error {
			if err := tx.EnsureIndex(ctx, idx); err != nil {
				return err
			}
			return tx.RecordMigration(ctx, rec)
		}},
		{"drop after merge", func(tx store.Tx) error {
			if _, err := tx.MergeNodes(ctx, "Thing", []models.Properties{{"guid": "x"}}, time.Now()); err != nil {
				return err
			}
			return tx.DropIndex(ctx, idx)
		}},
		{"watermark after index", func(tx store.Tx) error {
			if err := tx.EnsureIndex(ctx, idx); err != nil {
				return err
			}
			return tx.SetWatermark(ctx, "entity:thing", time.Now())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMockStore()
			err := s.WriteTx(ctx, tt.fn)
			require.ErrorIs(t, err, store.ErrMixedTransaction)
			assert.Empty(t, s.Indexes())
			applied, err := s.AppliedMigrations(ctx)
			require.NoError(t, err)
			assert.Empty(t, applied)
			count, _ := s.CountNodes(ctx, "Thing")
			assert.Zero(t, count)
		})
	}

	s := store.NewMockStore()
	err := s.WriteTx(ctx, func(tx store.Tx) error {
		if err := tx.EnsureIndex(ctx, idx); err != nil {
			return err
		}
		_, err := tx.CountNodes(ctx, "Thing")
		return err
	})
	require.NoError(t, err, "reads may follow a schema change")
	assert.Equal(t, []string{"thing_guid"}, s.Indexes())
}

func TestMockStore_Leases(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()

	require.NoError(t, s.AcquireLease(ctx, "ledger", "a", time.Minute))
	require.NoError(t, s.AcquireLease(ctx, "ledger", "a", time.Minute), "renewal by holder")
	err := s.AcquireLease(ctx, "ledger", "b", time.Minute)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	require.NoError(t, s.ReleaseLease(ctx, "ledger", "a"))
	require.NoError(t, s.AcquireLease(ctx, "ledger", "b", time.Minute))

	// Expired leases can be taken over.
	require.NoError(t, s.AcquireLease(ctx, "short", "a", -time.Second))
	require.NoError(t, s.AcquireLease(ctx, "short", "b", time.Minute))
}

func TestMockStore_LedgerAndWatermarks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	now := time.Now().UTC()

	require.NoError(t, s.RecordMigration(ctx, models.MigrationRecord{Version: 2, AppliedAt: now}))
	require.NoError(t, s.RecordMigration(ctx, models.MigrationRecord{Version: 1, AppliedAt: now}))
	recs, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Version)

	require.NoError(t, s.DeleteMigration(ctx, 1))
	recs, _ = s.AppliedMigrations(ctx)
	assert.Len(t, recs, 1)

	_, ok, err := s.Watermark(ctx, "Project")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.SetWatermark(ctx, "Project", now))
	got, ok, err := s.Watermark(ctx, "Project")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now, got)
}

func TestMockStore_IndexesAndExec(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	idx := store.IndexSpec{Name: "company_guid", Label: "Company", Property: "guid", Unique: true}
	require.NoError(t, s.EnsureIndex(ctx, idx))
	require.NoError(t, s.EnsureIndex(ctx, idx))
	assert.Equal(t, []string{"company_guid"}, s.Indexes())
	require.NoError(t, s.DropIndex(ctx, idx))
	assert.Empty(t, s.Indexes())

	_, err := s.Exec(ctx, "RETURN 1", nil)
	assert.ErrorIs(t, err, store.ErrUnsupported)
}
