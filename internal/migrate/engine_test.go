package migrate_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/graphsync/internal/migrate"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedContacts(t *testing.T, ms *store.MockStore, n int) {
	t.Helper()
	rows := make([]models.Properties, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, models.Properties{"guid": fmt.Sprintf("c%02d", i), "status": "active", "phone": fmt.Sprintf("555-%02d", i)})
	}
	_, err := ms.MergeNodes(context.Background(), "Contact", rows, time.Unix(0, 0))
	require.NoError(t, err)
}

// snapshot reads every seeded contact's properties.
func snapshot(t *testing.T, ms *store.MockStore, n int) map[string]models.Properties {
	t.Helper()
	out := make(map[string]models.Properties, n)
	for i := 0; i < n; i++ {
		guid := fmt.Sprintf("c%02d", i)
		node, err := ms.GetNode(context.Background(), "Contact", guid)
		require.NoError(t, err)
		out[guid] = node.Properties
	}
	return out
}

func catalog() []migrate.Migration {
	return []migrate.Migration{
		migrate.NewPropertyMigration(migrate.PropertySpec{
			Version:     3,
			Description: "rename phone to phoneNumber",
			Label:       "Contact",
			Rename:      map[string]string{"phone": "phoneNumber"},
			BatchSize:   4,
		}),
		migrate.NewIndexMigration(1, "core indexes", []store.IndexSpec{
			{Name: "contact_guid", Label: "Contact", Property: "guid", Unique: true},
		}),
		migrate.NewPropertyMigration(migrate.PropertySpec{
			Version:     2,
			Description: "backfill lifecycle",
			Label:       "Contact",
			Match:       map[string]any{"status": "active"},
			Set:         map[string]any{"lifecycle": "customer"},
			BatchSize:   3,
		}),
	}
}

func newEngine(t *testing.T, ms *store.MockStore, migs ...migrate.Migration) *migrate.Engine {
	t.Helper()
	if len(migs) == 0 {
		migs = catalog()
	}
	e, err := migrate.NewEngine(ms, migs, migrate.Options{}, newTestLogger())
	require.NoError(t, err)
	return e
}

func TestNewEngine_RejectsBadCatalog(t *testing.T) {
	ms := store.NewMockStore()
	noop := func(context.Context, store.Tx) (int, error) { return 0, nil }

	_, err := migrate.NewEngine(ms, []migrate.Migration{
		migrate.NewFuncMigration(1, "a", noop, nil),
		migrate.NewFuncMigration(1, "b", noop, nil),
	}, migrate.Options{}, newTestLogger())
	assert.Error(t, err)

	_, err = migrate.NewEngine(ms, []migrate.Migration{migrate.NewFuncMigration(0, "zero", noop, nil)}, migrate.Options{}, newTestLogger())
	assert.Error(t, err)
}

func TestApplyPending_InVersionOrder(t *testing.T) {
	ms := store.NewMockStore()
	seedContacts(t, ms, 10)
	e := newEngine(t, ms)
	ctx := context.Background()

	results, err := e.ApplyPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Version)
	assert.Equal(t, 2, results[1].Version)
	assert.Equal(t, 10, results[1].Affected)
	assert.Equal(t, 10, results[2].Affected)

	assert.Equal(t, []string{"contact_guid"}, ms.Indexes())
	node, err := ms.GetNode(ctx, "Contact", "c05")
	require.NoError(t, err)
	assert.Equal(t, "customer", node.Properties["lifecycle"])
	assert.Equal(t, "555-05", node.Properties["phoneNumber"])
	assert.NotContains(t, node.Properties, "phone")

	status, err := e.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.Applied, "version %d", s.Version)
		assert.NotNil(t, s.AppliedAt)
	}

	results, err = e.ApplyPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestApply_IsIdempotent(t *testing.T) {
	ms := store.NewMockStore()
	seedContacts(t, ms, 5)
	e := newEngine(t, ms)
	ctx := context.Background()

	res, err := e.Apply(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Affected)

	res, err = e.Apply(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, res.Affected)

	// Even with the ledger marker gone, the version tags stop a second application.
	require.NoError(t, ms.DeleteMigration(ctx, 2))
	res, err = e.Apply(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, res.Affected)
}

func TestMigrationRoundTrip(t *testing.T) {
	ctx := context.Background()

	once := store.NewMockStore()
	seedContacts(t, once, 7)
	_, err := newEngine(t, once).Apply(ctx, 3)
	require.NoError(t, err)

	ms := store.NewMockStore()
	seedContacts(t, ms, 7)
	e := newEngine(t, ms)
	_, err = e.Apply(ctx, 3)
	require.NoError(t, err)

	res, err := e.Revert(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Affected)
	reverted, err := ms.GetNode(ctx, "Contact", "c00")
	require.NoError(t, err)
	assert.Equal(t, "555-00", reverted.Properties["phone"])
	assert.NotContains(t, reverted.Properties, "phoneNumber")

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status[2].Applied)

	_, err = e.Apply(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, snapshot(t, once, 7), snapshot(t, ms, 7))
}

// schemaFunc is a code-built migration declared schema-only.
type schemaFunc struct {
	*migrate.FuncMigration
}

func (schemaFunc) SchemaOnly() bool { return true }

func TestIndexMigration_CommitsSchemaApartFromLedger(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMockStore()
	seedContacts(t, ms, 2)
	e := newEngine(t, ms)

	res, err := e.Apply(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.Equal(t, []string{"contact_guid"}, ms.Indexes())
	applied, err := ms.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 1, applied[0].Version)

	_, err = e.Revert(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ms.Indexes())
	applied, err = ms.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestSchemaChangesNeedSchemaOnlyMigrations(t *testing.T) {
	ctx := context.Background()
	idx := store.IndexSpec{Name: "contact_email", Label: "Contact", Property: "email"}
	ensure := func(ctx context.Context, tx store.Tx) (int, error) { return 1, tx.EnsureIndex(ctx, idx) }

	t.Run("undeclared schema change", func(t *testing.T) {
		ms := store.NewMockStore()
		e := newEngine(t, ms, migrate.NewFuncMigration(2, "email index", ensure, nil))
		_, err := e.Apply(ctx, 2)
		require.ErrorIs(t, err, store.ErrMixedTransaction)
		assert.Empty(t, ms.Indexes())
		applied, err := ms.AppliedMigrations(ctx)
		require.NoError(t, err)
		assert.Empty(t, applied)
	})

	t.Run("declared schema change", func(t *testing.T) {
		ms := store.NewMockStore()
		e := newEngine(t, ms, schemaFunc{migrate.NewFuncMigration(2, "email index", ensure, nil)})
		_, err := e.Apply(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"contact_email"}, ms.Indexes())
		applied, err := ms.AppliedMigrations(ctx)
		require.NoError(t, err)
		require.Len(t, applied, 1)
	})

	t.Run("schema and data in one step", func(t *testing.T) {
		ms := store.NewMockStore()
		mixed := func(ctx context.Context, tx store.Tx) (int, error) {
			if err := tx.EnsureIndex(ctx, idx); err != nil {
				return 0, err
			}
			return tx.MergeNodes(ctx, "Contact", []models.Properties{{"guid": "c1"}}, time.Now())
		}
		e := newEngine(t, ms, schemaFunc{migrate.NewFuncMigration(2, "mixed", mixed, nil)})
		_, err := e.Apply(ctx, 2)
		require.ErrorIs(t, err, store.ErrMixedTransaction)
		assert.Empty(t, ms.Indexes())
	})
}

func TestDryRun_LeavesNoTrace(t *testing.T) {
	ms := store.NewMockStore()
	seedContacts(t, ms, 8)
	e := newEngine(t, ms)
	ctx := context.Background()
	before := snapshot(t, ms, 8)

	res, err := e.DryRun(ctx, 2)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 8, res.Affected)

	res, err = e.DryRun(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)

	assert.Equal(t, before, snapshot(t, ms, 8))
	assert.Empty(t, ms.Indexes())
	ledger, err := ms.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ledger)
}

func TestApplyPending_StopsAtFailure(t *testing.T) {
	ms := store.NewMockStore()
	seedContacts(t, ms, 2)
	boom := errors.New("constraint violation")
	noop := func(context.Context, store.Tx) (int, error) { return 0, nil }
	e := newEngine(t, ms,
		migrate.NewFuncMigration(1, "ok", noop, noop),
		migrate.NewFuncMigration(2, "fails", func(context.Context, store.Tx) (int, error) { return 0, boom }, nil),
		migrate.NewFuncMigration(3, "never runs", noop, noop),
	)
	ctx := context.Background()

	results, err := e.ApplyPending(ctx)
	require.Error(t, err)
	var me *migrate.MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 2, me.Version)
	assert.Equal(t, []int{1}, me.Applied)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, results, 1)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 2, pending[0].Version())
}

func TestRevert_Errors(t *testing.T) {
	ms := store.NewMockStore()
	e := newEngine(t, ms)
	ctx := context.Background()

	_, err := e.Revert(ctx, 2)
	assert.ErrorIs(t, err, migrate.ErrNotApplied)
	_, err = e.Revert(ctx, 99)
	assert.ErrorIs(t, err, migrate.ErrUnknownVersion)
	_, err = e.DryRun(ctx, 99)
	assert.ErrorIs(t, err, migrate.ErrUnknownVersion)
	_, err = e.RevertLast(ctx)
	assert.ErrorIs(t, err, migrate.ErrNotApplied)

	noop := func(context.Context, store.Tx) (int, error) { return 0, nil }
	e = newEngine(t, ms, migrate.NewFuncMigration(1, "one way", noop, nil))
	_, err = e.Apply(ctx, 1)
	require.NoError(t, err)
	_, err = e.Revert(ctx, 1)
	assert.ErrorIs(t, err, migrate.ErrIrreversible)
}

func TestRevertLast(t *testing.T) {
	ms := store.NewMockStore()
	seedContacts(t, ms, 3)
	e := newEngine(t, ms)
	ctx := context.Background()
	_, err := e.ApplyPending(ctx)
	require.NoError(t, err)

	res, err := e.RevertLast(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Version())
}

func TestLedgerLeaseSerializesProcesses(t *testing.T) {
	ms := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, ms.AcquireLease(ctx, migrate.LedgerLease, "other-process", time.Minute))

	e := newEngine(t, ms)
	_, err := e.ApplyPending(ctx)
	assert.ErrorIs(t, err, migrate.ErrLocked)

	require.NoError(t, ms.ReleaseLease(ctx, migrate.LedgerLease, "other-process"))
	_, err = e.ApplyPending(ctx)
	require.NoError(t, err)
}

func TestStatus_IncludesUnknownLedgerEntries(t *testing.T) {
	ms := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, ms.RecordMigration(ctx, models.MigrationRecord{Version: 42, Description: "from a newer build", AppliedAt: time.Now()}))

	status, err := newEngine(t, ms).Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 4)
	last := status[3]
	assert.Equal(t, 42, last.Version)
	assert.True(t, last.Applied)
	assert.Equal(t, "from a newer build", last.Description)
}
