package migrate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/store"
)

const (
	// DefaultBatchSize bounds the nodes touched per transaction by batched migrations.
	DefaultBatchSize = 1000

	// DefaultLockTTL is how long the ledger lease survives a crashed holder.
	DefaultLockTTL = 10 * time.Minute

	// LedgerLease names the store lease that serializes migration runs.
	LedgerLease = "migrate:ledger"
)

var (
	// ErrUnknownVersion is returned for a version not in the catalog.
	ErrUnknownVersion = errors.New("unknown migration version")
	// ErrNotApplied is returned when reverting a migration the ledger doesn't list.
	ErrNotApplied = errors.New("migration is not applied")
	// ErrIrreversible is returned by migrations without a down step.
	ErrIrreversible = errors.New("migration cannot be reverted")
	// ErrLocked is returned when another process holds the ledger lease.
	ErrLocked = errors.New("another migration run holds the ledger lock")
)

// MigrationError reports a migration that failed to apply or revert.
// Applied lists the versions that succeeded earlier in the same run.
type MigrationError struct {
	Version int
	Applied []int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d failed (applied before failure: %v): %v", e.Version, e.Applied, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Options tunes an Engine.
type Options struct {
	LockTTL time.Duration
}

// Engine applies migrations against the ledger stored in the graph.
type Engine struct {
	st      store.Store
	catalog []Migration
	byVer   map[int]Migration
	lockTTL time.Duration
	owner   string
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewEngine creates an engine over a catalog of migrations.
func NewEngine(st store.Store, migrations []Migration, opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	byVer := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		if m.Version() <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", m.Description())
		}
		if _, dup := byVer[m.Version()]; dup {
			return nil, fmt.Errorf("duplicate migration version %d", m.Version())
		}
		byVer[m.Version()] = m
	}
	catalog := slices.Clone(migrations)
	slices.SortFunc(catalog, func(a, b Migration) int { return cmp.Compare(a.Version(), b.Version()) })

	return &Engine{
		st:      st,
		catalog: catalog,
		byVer:   byVer,
		lockTTL: opts.LockTTL,
		owner:   uuid.New().String(),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Catalog returns the known migrations ordered by version.
func (e *Engine) Catalog() []Migration {
	return slices.Clone(e.catalog)
}

// Status lists every known migration with its applied state. Ledger entries
// for versions missing from the catalog are included as well.
func (e *Engine) Status(ctx context.Context) ([]models.MigrationStatus, error) {
	ledger, err := e.st.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	applied := make(map[int]models.MigrationRecord, len(ledger))
	for _, rec := range ledger {
		applied[rec.Version] = rec
	}

	out := make([]models.MigrationStatus, 0, len(e.catalog))
	for _, m := range e.catalog {
		st := models.MigrationStatus{Version: m.Version(), Description: m.Description()}
		if rec, ok := applied[m.Version()]; ok {
			at := rec.AppliedAt
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	for _, rec := range ledger {
		if _, known := e.byVer[rec.Version]; known {
			continue
		}
		at := rec.AppliedAt
		out = append(out, models.MigrationStatus{Version: rec.Version, Description: rec.Description, Applied: true, AppliedAt: &at})
	}
	slices.SortFunc(out, func(a, b models.MigrationStatus) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// Pending returns the catalog migrations missing from the ledger.
func (e *Engine) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := e.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, m := range e.catalog {
		if !applied[m.Version()] {
			out = append(out, m)
		}
	}
	return out, nil
}

// ApplyPending applies every pending migration in version order and stops
// at the first failure.
func (e *Engine) ApplyPending(ctx context.Context) ([]models.MigrationResult, error) {
	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pending, err := e.Pending(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]models.MigrationResult, 0, len(pending))
	var done []int
	for _, m := range pending {
		res, err := e.run(ctx, m, true)
		if err != nil {
			return results, &MigrationError{Version: m.Version(), Applied: done, Err: err}
		}
		results = append(results, res)
		done = append(done, m.Version())
	}
	if len(pending) == 0 {
		e.logger.Info("no pending migrations")
	}
	return results, nil
}

// Apply applies one migration. Applying a migration already in the ledger is
// a no-op.
func (e *Engine) Apply(ctx context.Context, version int) (models.MigrationResult, error) {
	m, ok := e.byVer[version]
	if !ok {
		return models.MigrationResult{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	unlock, err := e.lock(ctx)
	if err != nil {
		return models.MigrationResult{}, err
	}
	defer unlock()

	applied, err := e.appliedSet(ctx)
	if err != nil {
		return models.MigrationResult{}, err
	}
	if applied[version] {
		e.logger.Info("migration already applied", "version", version)
		return models.MigrationResult{Version: version}, nil
	}
	res, err := e.run(ctx, m, true)
	if err != nil {
		return res, &MigrationError{Version: version, Err: err}
	}
	return res, nil
}

// Revert reverts one applied migration.
func (e *Engine) Revert(ctx context.Context, version int) (models.MigrationResult, error) {
	m, ok := e.byVer[version]
	if !ok {
		return models.MigrationResult{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	unlock, err := e.lock(ctx)
	if err != nil {
		return models.MigrationResult{}, err
	}
	defer unlock()

	applied, err := e.appliedSet(ctx)
	if err != nil {
		return models.MigrationResult{}, err
	}
	if !applied[version] {
		return models.MigrationResult{}, fmt.Errorf("%w: %d", ErrNotApplied, version)
	}
	res, err := e.run(ctx, m, false)
	if err != nil {
		return res, &MigrationError{Version: version, Err: err}
	}
	return res, nil
}

// RevertLast reverts the highest applied migration.
func (e *Engine) RevertLast(ctx context.Context) (models.MigrationResult, error) {
	ledger, err := e.st.AppliedMigrations(ctx)
	if err != nil {
		return models.MigrationResult{}, fmt.Errorf("reading migration ledger: %w", err)
	}
	if len(ledger) == 0 {
		return models.MigrationResult{}, ErrNotApplied
	}
	last := slices.MaxFunc(ledger, func(a, b models.MigrationRecord) int { return cmp.Compare(a.Version, b.Version) })
	return e.Revert(ctx, last.Version)
}

// DryRun applies a migration inside a transaction that is always rolled
// back and reports how many nodes it would touch.
func (e *Engine) DryRun(ctx context.Context, version int) (models.MigrationResult, error) {
	m, ok := e.byVer[version]
	if !ok {
		return models.MigrationResult{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	total := 0
	err := e.st.RollbackTx(ctx, func(tx store.Tx) error {
		size, batched := batchSize(m)
		for {
			n, err := m.Up(ctx, tx)
			if err != nil {
				return err
			}
			total += n
			if !batched || n < size {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	})
	res := models.MigrationResult{Version: version, Affected: total, DryRun: true, Duration: e.now().Sub(start)}
	if err != nil {
		return res, &MigrationError{Version: version, Err: err}
	}
	e.logger.Info("dry run complete", "version", version, "affected", total)
	return res, nil
}

// run applies (up) or reverts one migration. Batched migrations commit each
// batch separately; the ledger changes in the transaction of the final batch.
// Schema-only migrations change the ledger in a second transaction once the
// schema change has committed; their steps are idempotent, so a crash between
// the two leaves a migration that simply runs again.
func (e *Engine) run(ctx context.Context, m Migration, up bool) (models.MigrationResult, error) {
	direction := "up"
	step := m.Up
	if !up {
		direction = "down"
		step = m.Down
	}
	e.logger.Info("running migration", "version", m.Version(), "description", m.Description(), "direction", direction)

	ledger := func(tx store.Tx) error {
		if up {
			return tx.RecordMigration(ctx, models.MigrationRecord{
				Version:     m.Version(),
				Description: m.Description(),
				AppliedAt:   e.now().UTC(),
			})
		}
		return tx.DeleteMigration(ctx, m.Version())
	}

	start := e.now()
	size, batched := batchSize(m)
	schema := schemaOnly(m)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return models.MigrationResult{Version: m.Version(), Affected: total}, err
		}
		var n int
		err := e.st.WriteTx(ctx, func(tx store.Tx) error {
			var err error
			n, err = step(ctx, tx)
			if err != nil {
				return err
			}
			if schema || (batched && n >= size) {
				return nil
			}
			return ledger(tx)
		})
		if err != nil {
			return models.MigrationResult{Version: m.Version(), Affected: total}, err
		}
		total += n
		if !batched || n < size {
			break
		}
		e.logger.Debug("migration batch committed", "version", m.Version(), "count", n, "total", total)
		if err := e.st.AcquireLease(ctx, LedgerLease, e.owner, e.lockTTL); err != nil {
			return models.MigrationResult{Version: m.Version(), Affected: total}, fmt.Errorf("renewing ledger lease: %w", err)
		}
	}
	if schema {
		if err := e.st.WriteTx(context.WithoutCancel(ctx), ledger); err != nil {
			return models.MigrationResult{Version: m.Version(), Affected: total}, fmt.Errorf("updating ledger: %w", err)
		}
	}

	metrics.MigrationsApplied.WithLabelValues(direction).Inc()
	res := models.MigrationResult{Version: m.Version(), Affected: total, Duration: e.now().Sub(start)}
	e.logger.Info("migration complete", "version", m.Version(), "direction", direction, "affected", total, "duration", res.Duration)
	return res, nil
}

// lock serializes migration runs in this process and across processes.
func (e *Engine) lock(ctx context.Context) (func(), error) {
	e.mu.Lock()
	if err := e.st.AcquireLease(ctx, LedgerLease, e.owner, e.lockTTL); err != nil {
		e.mu.Unlock()
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil, fmt.Errorf("%w: %w", ErrLocked, err)
		}
		return nil, fmt.Errorf("acquiring ledger lease: %w", err)
	}
	return func() {
		if err := e.st.ReleaseLease(context.WithoutCancel(ctx), LedgerLease, e.owner); err != nil {
			e.logger.Warn("releasing ledger lease", "error", err)
		}
		e.mu.Unlock()
	}, nil
}

func (e *Engine) appliedSet(ctx context.Context) (map[int]bool, error) {
	ledger, err := e.st.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	out := make(map[int]bool, len(ledger))
	for _, rec := range ledger {
		out[rec.Version] = true
	}
	return out, nil
}

func batchSize(m Migration) (int, bool) {
	b, ok := m.(Batched)
	if !ok {
		return 0, false
	}
	size := b.BatchSize()
	if size <= 0 {
		size = DefaultBatchSize
	}
	return size, true
}
