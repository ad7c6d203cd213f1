// Package orchestrator drives a sync run: entity types in dependency order,
// then relationship and calendar linking, then metric recomputation. Component failures
// are recorded in the run report and never abort the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/graphsync/internal/aggregate"
	"github.com/ajitpratap0/graphsync/internal/entity"
	"github.com/ajitpratap0/graphsync/internal/fetch"
	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/registry"
	"github.com/ajitpratap0/graphsync/internal/store"
)

const (
	defaultBatchSize       = 500
	defaultConcurrency     = 4
	defaultLookback        = 7 * 24 * time.Hour
	defaultSampleLimit     = 100
	defaultWriteRetryDelay = 500 * time.Millisecond

	// maxRecordFailures caps the per-record failures listed for one entity.
	maxRecordFailures = 50
)

// ErrRunInProgress is returned when Run is called while another run holds the lock.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Fetcher streams the records of one resource.
type Fetcher interface {
	FetchAll(ctx context.Context, res fetch.Resource, params fetch.Params) iter.Seq2[models.Record, error]
}

// Watermarks persists the last successful sync time per entity.
type Watermarks interface {
	Watermark(ctx context.Context, key string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, key string, at time.Time) error
}

// Config tunes an Orchestrator.
type Config struct {
	BatchSize       int
	Concurrency     int
	WriteRetries    int
	WriteRetryDelay time.Duration
	Lookback        time.Duration
	SampleLimit     int
	EnableMetrics   bool
}

// Options selects what one run does.
type Options struct {
	Mode models.SyncMode
	// Since overrides the stored watermarks of an incremental run.
	Since *time.Time
	// Limit caps records per entity type in sample mode.
	Limit int
}

// Orchestrator runs syncs for one registry. Only one run executes at a time.
type Orchestrator struct {
	reg     *registry.Registry
	fetcher Fetcher
	marks   Watermarks
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	// fkTargets lists, per source label, the guid-keyed links its rows point along.
	fkTargets map[string][]store.LinkSpec

	running sync.Mutex

	mu    sync.RWMutex
	state models.RunState
	last  *models.RunReport
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(reg *registry.Registry, fetcher Fetcher, marks Watermarks, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = 0
	}
	if cfg.WriteRetryDelay <= 0 {
		cfg.WriteRetryDelay = defaultWriteRetryDelay
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = defaultSampleLimit
	}

	fkTargets := make(map[string][]store.LinkSpec)
	for _, rel := range reg.Relationships() {
		spec := rel.Spec()
		if spec.TargetKey != models.GUIDKey {
			continue
		}
		fkTargets[spec.Source] = append(fkTargets[spec.Source], spec)
	}

	return &Orchestrator{
		reg:       reg,
		fetcher:   fetcher,
		marks:     marks,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		fkTargets: fkTargets,
		state:     models.StateIdle,
	}
}

// State returns the state of the run in progress, or idle.
func (o *Orchestrator) State() models.RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastReport returns a copy of the most recent finished run's report, or nil.
func (o *Orchestrator) LastReport() *models.RunReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return nil
	}
	cp := *o.last
	cp.Entities = append([]models.EntityResult(nil), o.last.Entities...)
	cp.Relationships = append([]models.RelationshipResult(nil), o.last.Relationships...)
	cp.Periods = append([]models.RelationshipResult(nil), o.last.Periods...)
	cp.Metrics = append([]models.MetricResult(nil), o.last.Metrics...)
	cp.Failures = append([]models.Failure(nil), o.last.Failures...)
	return &cp
}

// RunFull syncs every record of every entity type.
func (o *Orchestrator) RunFull(ctx context.Context) (*models.RunReport, error) {
	return o.Run(ctx, Options{Mode: models.ModeFull})
}

// RunIncremental syncs records changed since the given time, or since each
// entity's watermark when since is nil.
func (o *Orchestrator) RunIncremental(ctx context.Context, since *time.Time) (*models.RunReport, error) {
	return o.Run(ctx, Options{Mode: models.ModeIncremental, Since: since})
}

// RunSample syncs at most limit records per entity type.
func (o *Orchestrator) RunSample(ctx context.Context, limit int) (*models.RunReport, error) {
	return o.Run(ctx, Options{Mode: models.ModeSample, Limit: limit})
}

// Run executes one sync. The returned error is non-nil only when the run
// could not start; component failures are listed in the report.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*models.RunReport, error) {
	if opts.Mode == "" {
		opts.Mode = models.ModeFull
	}
	if !opts.Mode.IsValid() {
		return nil, fmt.Errorf("invalid sync mode %q", opts.Mode)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative, got %d", opts.Limit)
	}
	if opts.Limit > 0 && opts.Mode != models.ModeSample {
		return nil, fmt.Errorf("limit only applies to sample mode, got mode %q", opts.Mode)
	}
	if !o.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.running.Unlock()

	rep := &models.RunReport{
		ID:        uuid.New().String(),
		Mode:      opts.Mode,
		Since:     opts.Since,
		StartedAt: o.now().UTC(),
	}
	if opts.Mode == models.ModeSample {
		rep.Limit = opts.Limit
		if rep.Limit == 0 {
			rep.Limit = o.cfg.SampleLimit
		}
	}

	metrics.SyncRunning.Set(1)
	defer metrics.SyncRunning.Set(0)
	o.setState(models.StateFetching)
	logger := o.logger.With("run_id", rep.ID, "mode", rep.Mode)
	logger.Info("sync run started")

	touched := o.syncEntities(ctx, rep, logger)
	if !rep.Cancelled {
		o.link(ctx, rep, logger)
	}
	if !rep.Cancelled {
		o.linkPeriods(ctx, rep, logger)
	}
	if !rep.Cancelled && o.cfg.EnableMetrics {
		o.computeMetrics(ctx, rep, touched, logger)
	}

	rep.FinishedAt = o.now().UTC()
	rep.State = models.StateDone
	outcome := "success"
	switch {
	case rep.Cancelled:
		rep.State = models.StateFailed
		outcome = "cancelled"
	case nothingSynced(rep):
		rep.State = models.StateFailed
		outcome = "failed"
	case len(rep.Failures) > 0:
		outcome = "partial"
	}
	for _, f := range rep.Failures {
		metrics.SyncFailures.WithLabelValues(f.Component, string(f.Kind)).Inc()
	}
	metrics.SyncRuns.WithLabelValues(string(rep.Mode), outcome).Inc()
	metrics.SyncDuration.WithLabelValues(string(rep.Mode)).Observe(rep.Duration().Seconds())

	o.mu.Lock()
	o.state = models.StateIdle
	o.last = rep
	o.mu.Unlock()

	logger.Info("sync run finished",
		"outcome", outcome,
		"upserted", rep.TotalUpserted(),
		"linked", rep.TotalLinked(),
		"failures", len(rep.Failures),
		"duration", rep.Duration(),
	)
	return rep, nil
}

func (o *Orchestrator) setState(s models.RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// nothingSynced reports whether every entity type failed without writing.
func nothingSynced(rep *models.RunReport) bool {
	if len(rep.Entities) == 0 {
		return false
	}
	for _, e := range rep.Entities {
		if !e.Failed || e.Upserted > 0 {
			return false
		}
	}
	return true
}

// entityOutcome is what one entity sync hands back to the run.
type entityOutcome struct {
	result    models.EntityResult
	failures  []models.Failure
	touched   map[string]map[string]struct{}
	cancelled bool
}

// syncEntities runs the entity phase level by level. Entities within a level
// run concurrently; a level starts only after the previous one finished.
// Returns the guids written or referenced per label.
func (o *Orchestrator) syncEntities(ctx context.Context, rep *models.RunReport, logger *slog.Logger) map[string]map[string]struct{} {
	touched := make(map[string]map[string]struct{})
	for i, level := range o.reg.Levels() {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		logger.Debug("syncing entity level", "level", i, "entities", len(level))

		outcomes := make([]entityOutcome, len(level))
		var g errgroup.Group
		g.SetLimit(o.cfg.Concurrency)
		for j, m := range level {
			g.Go(func() error {
				outcomes[j] = o.syncEntity(ctx, m, rep, logger)
				return nil
			})
		}
		_ = g.Wait()

		for _, out := range outcomes {
			rep.Entities = append(rep.Entities, out.result)
			rep.Failures = append(rep.Failures, out.failures...)
			if out.cancelled {
				rep.Cancelled = true
			}
			for label, guids := range out.touched {
				set := touched[label]
				if set == nil {
					set = make(map[string]struct{}, len(guids))
					touched[label] = set
				}
				for guid := range guids {
					set[guid] = struct{}{}
				}
			}
		}
		if rep.Cancelled {
			break
		}
	}
	return touched
}

// syncEntity streams one entity type into the graph in batches.
func (o *Orchestrator) syncEntity(ctx context.Context, m *entity.Module, rep *models.RunReport, logger *slog.Logger) entityOutcome {
	out := entityOutcome{
		result:  models.EntityResult{Name: m.Name()},
		touched: make(map[string]map[string]struct{}),
	}
	logger = logger.With("entity", m.Name())
	fail := func(kind models.ErrorKind, recordID string, err error) {
		out.failures = append(out.failures, models.Failure{
			Component: models.ComponentEntity,
			Name:      m.Name(),
			Kind:      kind,
			RecordID:  recordID,
			Message:   err.Error(),
		})
	}

	since, err := o.since(ctx, m, rep)
	if err != nil {
		logger.Error("reading watermark", "error", err)
		out.result.Failed = true
		fail(models.KindInternal, "", err)
		return out
	}
	params := fetch.Params{Since: since, Limit: rep.Limit}

	batch := make([]models.Properties, 0, o.cfg.BatchSize)
	recordFailures := 0
	writeFailed := false
	// flush reports whether the entity sync may go on.
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if ctx.Err() != nil {
			out.cancelled = true
			return false
		}
		o.setState(models.StateUpserting)
		n, err := o.writeBatch(ctx, m, batch, logger)
		if err != nil {
			logger.Error("batch write failed", "size", len(batch), "error", err)
			out.result.Failed = true
			writeFailed = true
			fail(classify(err, models.KindWrite), "", err)
			return false
		}
		out.result.Upserted += n
		out.result.Batches++
		o.markTouched(out.touched, m.Label(), batch)
		batch = batch[:0]
		return true
	}

	for rec, err := range o.fetcher.FetchAll(ctx, m.Definition().Resource, params) {
		if err != nil {
			if ctx.Err() != nil {
				out.cancelled = true
				break
			}
			logger.Error("fetch failed", "fetched", out.result.Fetched, "error", err)
			out.result.Failed = true
			fail(classify(err, models.KindRequest), "", err)
			break
		}
		out.result.Fetched++

		props, err := m.Transform(rec)
		if err != nil {
			out.result.Skipped++
			metrics.RecordsSkipped.WithLabelValues(m.Name()).Inc()
			logger.Warn("skipping record", "error", err)
			var te *entity.TransformError
			recordID := ""
			if errors.As(err, &te) {
				recordID = te.RecordID
			}
			recordFailures++
			if recordFailures <= maxRecordFailures {
				fail(models.KindTransform, recordID, err)
			}
			continue
		}
		batch = append(batch, props)
		if len(batch) >= o.cfg.BatchSize && !flush() {
			break
		}
	}
	// Records fetched before a fetch failure are still written.
	if !writeFailed && !out.cancelled {
		flush()
	}
	if recordFailures > maxRecordFailures {
		fail(models.KindTransform, "", fmt.Errorf("%d more records skipped", recordFailures-maxRecordFailures))
	}

	if out.result.Failed || out.cancelled || rep.Mode == models.ModeSample {
		return out
	}
	// Skipped records were never written; keeping the old watermark makes the
	// next incremental run fetch them again.
	if out.result.Skipped > 0 {
		logger.Warn("watermark held back", "skipped", out.result.Skipped)
	} else if err := o.marks.SetWatermark(context.WithoutCancel(ctx), watermarkKey(m.Name()), rep.StartedAt); err != nil {
		logger.Error("storing watermark", "error", err)
		fail(models.KindWrite, "", fmt.Errorf("storing watermark: %w", err))
	}
	logger.Info("entity synced",
		"fetched", out.result.Fetched,
		"upserted", out.result.Upserted,
		"skipped", out.result.Skipped,
		"batches", out.result.Batches,
	)
	return out
}

// since picks the lower bound of an incremental fetch.
func (o *Orchestrator) since(ctx context.Context, m *entity.Module, rep *models.RunReport) (*time.Time, error) {
	if rep.Mode != models.ModeIncremental {
		return nil, nil
	}
	if rep.Since != nil {
		return rep.Since, nil
	}
	at, ok, err := o.marks.Watermark(ctx, watermarkKey(m.Name()))
	if err != nil {
		return nil, err
	}
	if !ok {
		at = rep.StartedAt.Add(-o.cfg.Lookback)
	}
	return &at, nil
}

// writeBatch upserts one batch, retrying failed writes. A batch already
// handed to the store is finished even when ctx is cancelled.
func (o *Orchestrator) writeBatch(ctx context.Context, m *entity.Module, rows []models.Properties, logger *slog.Logger) (int, error) {
	wctx := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 0; attempt <= o.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying batch write", "attempt", attempt, "error", lastErr)
			time.Sleep(time.Duration(attempt) * o.cfg.WriteRetryDelay)
		}
		n, err := m.UpsertBatch(wctx, rows)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// markTouched records the guids a batch wrote and the guids its foreign keys
// point at, so incremental metric passes can be scoped.
func (o *Orchestrator) markTouched(touched map[string]map[string]struct{}, label string, rows []models.Properties) {
	add := func(l, guid string) {
		if guid == "" {
			return
		}
		set := touched[l]
		if set == nil {
			set = make(map[string]struct{})
			touched[l] = set
		}
		set[guid] = struct{}{}
	}
	for _, row := range rows {
		add(label, row.GUID())
		for _, spec := range o.fkTargets[label] {
			if fk, ok := row[spec.ForeignKey].(string); ok {
				add(spec.Target, fk)
			}
		}
	}
}

// link runs every relationship module once the entity phase is over.
func (o *Orchestrator) link(ctx context.Context, rep *models.RunReport, logger *slog.Logger) {
	o.setState(models.StateLinking)
	for _, rel := range o.reg.Relationships() {
		if ctx.Err() != nil {
			rep.Cancelled = true
			return
		}
		res := models.RelationshipResult{Name: rel.Name()}
		lr, err := rel.CreateRelationships(ctx)
		if err != nil {
			if ctx.Err() != nil {
				rep.Cancelled = true
				return
			}
			logger.Error("linking failed", "relationship", rel.Name(), "error", err)
			res.Failed = true
			rep.Failures = append(rep.Failures, models.Failure{
				Component: models.ComponentRelationship,
				Name:      rel.Name(),
				Kind:      classify(err, models.KindWrite),
				Message:   err.Error(),
			})
		}
		res.Created, res.Skipped = lr.Created, lr.Skipped
		rep.Relationships = append(rep.Relationships, res)
	}
}

// linkPeriods attaches dated facts to the calendar hierarchy after every
// foreign-key relationship exists.
func (o *Orchestrator) linkPeriods(ctx context.Context, rep *models.RunReport, logger *slog.Logger) {
	for _, p := range o.reg.Periods() {
		if ctx.Err() != nil {
			rep.Cancelled = true
			return
		}
		res := models.RelationshipResult{Name: p.Name()}
		lr, err := p.Link(ctx)
		if err != nil {
			if ctx.Err() != nil {
				rep.Cancelled = true
				return
			}
			logger.Error("period linking failed", "period", p.Name(), "error", err)
			res.Failed = true
			rep.Failures = append(rep.Failures, models.Failure{
				Component: models.ComponentPeriod,
				Name:      p.Name(),
				Kind:      classify(err, models.KindWrite),
				Message:   err.Error(),
			})
		}
		res.Created, res.Skipped = lr.Created, lr.Skipped
		rep.Periods = append(rep.Periods, res)
	}
}

// computeMetrics recomputes every metric definition. Incremental runs only
// touch nodes written in this run or referenced by written nodes.
func (o *Orchestrator) computeMetrics(ctx context.Context, rep *models.RunReport, touched map[string]map[string]struct{}, logger *slog.Logger) {
	o.setState(models.StateComputing)
	for _, calc := range o.reg.Calculators() {
		if ctx.Err() != nil {
			rep.Cancelled = true
			return
		}
		scope := aggregate.AllNodes()
		if rep.Mode == models.ModeIncremental {
			guids := make([]string, 0, len(touched[calc.Label()]))
			for g := range touched[calc.Label()] {
				guids = append(guids, g)
			}
			scope = aggregate.Nodes(guids...)
		}

		res := models.MetricResult{Name: calc.Name()}
		n, err := calc.Recompute(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				rep.Cancelled = true
				return
			}
			logger.Error("metric recompute failed", "metric", calc.Name(), "error", err)
			res.Failed = true
			rep.Failures = append(rep.Failures, models.Failure{
				Component: models.ComponentMetric,
				Name:      calc.Name(),
				Kind:      classify(err, models.KindWrite),
				Message:   err.Error(),
			})
		}
		res.Updated = n
		rep.Metrics = append(rep.Metrics, res)
	}

	// Period nodes are few and any fact may have moved between them, so
	// their metrics are always recomputed in full, finest level first.
	for _, calc := range o.reg.PeriodCalculators() {
		if ctx.Err() != nil {
			rep.Cancelled = true
			return
		}
		res := models.MetricResult{Name: calc.Name()}
		n, err := calc.Recompute(ctx, aggregate.AllNodes())
		if err != nil {
			if ctx.Err() != nil {
				rep.Cancelled = true
				return
			}
			logger.Error("period metric recompute failed", "metric", calc.Name(), "error", err)
			res.Failed = true
			rep.Failures = append(rep.Failures, models.Failure{
				Component: models.ComponentPeriod,
				Name:      calc.Name(),
				Kind:      classify(err, models.KindWrite),
				Message:   err.Error(),
			})
		}
		res.Updated = n
		rep.Metrics = append(rep.Metrics, res)
	}
}

func watermarkKey(entityName string) string {
	return "entity:" + entityName
}

// classify maps an error to the kind recorded in the report.
func classify(err error, fallback models.ErrorKind) models.ErrorKind {
	var (
		authErr   *fetch.AuthenticationError
		exhausted *fetch.RequestExhaustedError
		reqErr    *fetch.RequestError
		writeErr  *entity.WriteError
		transErr  *entity.TransformError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return models.KindCancelled
	case errors.As(err, &authErr):
		return models.KindAuthentication
	case errors.As(err, &exhausted):
		return models.KindRequestExhausted
	case errors.As(err, &reqErr):
		return models.KindRequest
	case errors.As(err, &writeErr):
		return models.KindWrite
	case errors.As(err, &transErr):
		return models.KindTransform
	default:
		return fallback
	}
}
