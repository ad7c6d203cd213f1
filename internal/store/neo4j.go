package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ajitpratap0/graphsync/internal/models"
)

const (
	neo4jDialTimeout   = 10 * time.Second
	neo4jReadTimeout   = 30 * time.Second
	neo4jWriteTimeout  = 60 * time.Second
	neo4jCloseTimeout  = 10 * time.Second
	defaultMaxPoolSize = 50
)

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// Neo4jOptions configures a Neo4jStore.
type Neo4jOptions struct {
	URI          string
	Username     string
	Password     string
	Database     string
	MaxPoolSize  int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Neo4jStore implements Store on a Neo4j database using the Bolt driver.
// The driver's connection pool is shared by every caller.
type Neo4jStore struct {
	driver       neo4j.DriverWithContext
	database     string
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewNeo4jStore creates a new Neo4j store connection and verifies connectivity.
func NewNeo4jStore(ctx context.Context, opts Neo4jOptions, logger *slog.Logger) (*Neo4jStore, error) {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = defaultMaxPoolSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = neo4jDialTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = neo4jReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = neo4jWriteTimeout
	}

	driver, err := neo4j.NewDriverWithContext(
		opts.URI,
		neo4j.BasicAuth(opts.Username, opts.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = opts.MaxPoolSize
			c.SocketConnectTimeout = opts.DialTimeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver for %s: %w", opts.URI, err)
	}

	dialCtx, cancel := withTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(dialCtx); err != nil {
		_ = driver.Close(context.Background())
		return nil, fmt.Errorf("verifying neo4j connection at %s: %w", opts.URI, err)
	}

	logger.Info("connected to Neo4j", "uri", opts.URI, "database", opts.Database)

	return &Neo4jStore{
		driver:       driver,
		database:     opts.Database,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		logger:       logger,
	}, nil
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   mode,
	})
}

// WriteTx runs fn in a managed write transaction. The driver may replay fn
// on transient errors, so fn must be idempotent.
func (s *Neo4jStore) WriteTx(ctx context.Context, fn func(Tx) error) error {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = sess.Close(ctx) }()

	_, err := sess.ExecuteWrite(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&neo4jTx{run: mtx})
	})
	return err
}

// RollbackTx runs fn in an explicit transaction that is always rolled back.
func (s *Neo4jStore) RollbackTx(ctx context.Context, fn func(Tx) error) error {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer func() { _ = sess.Close(ctx) }()

	etx, err := sess.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	fnErr := fn(&neo4jTx{run: etx})
	if rbErr := etx.Rollback(ctx); rbErr != nil {
		return errors.Join(fnErr, fmt.Errorf("rolling back: %w", rbErr))
	}
	return fnErr
}

func (s *Neo4jStore) readTx(ctx context.Context, fn func(Tx) error) error {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer func() { _ = sess.Close(ctx) }()

	_, err := sess.ExecuteRead(ctx, func(mtx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&neo4jTx{run: mtx})
	})
	return err
}

func writeResult[T any](ctx context.Context, s *Neo4jStore, fn func(context.Context, Tx) (T, error)) (T, error) {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()
	var out T
	err := s.WriteTx(ctx, func(tx Tx) error {
		v, err := fn(ctx, tx)
		out = v
		return err
	})
	return out, err
}

func readResult[T any](ctx context.Context, s *Neo4jStore, fn func(context.Context, Tx) (T, error)) (T, error) {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()
	var out T
	err := s.readTx(ctx, func(tx Tx) error {
		v, err := fn(ctx, tx)
		out = v
		return err
	})
	return out, err
}

func (s *Neo4jStore) MergeNodes(ctx context.Context, label string, rows []models.Properties, syncedAt time.Time) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) (int, error) { return tx.MergeNodes(ctx, label, rows, syncedAt) })
	if err != nil {
		return 0, err
	}
	s.logger.Debug("merged nodes", "label", label, "count", n)
	return n, nil
}

func (s *Neo4jStore) LinkByForeignKey(ctx context.Context, spec LinkSpec) (LinkResult, error) {
	return writeResult(ctx, s, func(ctx context.Context, tx Tx) (LinkResult, error) { return tx.LinkByForeignKey(ctx, spec) })
}

func (s *Neo4jStore) LinkPeriods(ctx context.Context, spec PeriodSpec) (LinkResult, error) {
	return writeResult(ctx, s, func(ctx context.Context, tx Tx) (LinkResult, error) { return tx.LinkPeriods(ctx, spec) })
}

func (s *Neo4jStore) ComputeMetrics(ctx context.Context, spec MetricSpec, guids []string, at time.Time) (int, error) {
	return writeResult(ctx, s, func(ctx context.Context, tx Tx) (int, error) { return tx.ComputeMetrics(ctx, spec, guids, at) })
}

func (s *Neo4jStore) MutateNodes(ctx context.Context, m NodeMutation) (int, error) {
	return writeResult(ctx, s, func(ctx context.Context, tx Tx) (int, error) { return tx.MutateNodes(ctx, m) })
}

func (s *Neo4jStore) RevertNodes(ctx context.Context, m NodeMutation) (int, error) {
	return writeResult(ctx, s, func(ctx context.Context, tx Tx) (int, error) { return tx.RevertNodes(ctx, m) })
}

func (s *Neo4jStore) EnsureIndex(ctx context.Context, idx IndexSpec) error {
	_, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) (struct{}, error) { return struct{}{}, tx.EnsureIndex(ctx, idx) })
	return err
}

func (s *Neo4jStore) DropIndex(ctx context.Context, idx IndexSpec) error {
	_, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) (struct{}, error) { return struct{}{}, tx.DropIndex(ctx, idx) })
	return err
}

func (s *Neo4jStore) AppliedMigrations(ctx context.Context) ([]models.MigrationRecord, error) {
	return readResult(ctx, s, func(ctx context.Context, tx Tx) ([]models.MigrationRecord, error) { return tx.AppliedMigrations(ctx) })
}

func (s *Neo4jStore) RecordMigration(ctx context.Context, rec models.MigrationRecord) error {
	_, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) (struct{}, error) { return struct{}{}, tx.RecordMigration(ctx, rec) })
	return err
}

func (s *Neo4jStore) DeleteMigration(ctx context.Context, version int) error {
	_, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) (struct{}, error) { return struct{}{}, tx.DeleteMigration(ctx, version) })
	return err
}

func (s *Neo4jStore) Watermark(ctx context.Context, key string) (time.Time, bool, error) {
	type wm struct {
		at time.Time
		ok bool
	}
	v, err := readResult(ctx, s, func(ctx context.Context, tx Tx) (wm, error) {
		at, ok, err := tx.Watermark(ctx, key)
		return wm{at, ok}, err
	})
	return v.at, v.ok, err
}

func (s *Neo4jStore) SetWatermark(ctx context.Context, key string, at time.Time) error {
	_, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) (struct{}, error) { return struct{}{}, tx.SetWatermark(ctx, key, at) })
	return err
}

func (s *Neo4jStore) CountNodes(ctx context.Context, label string) (int, error) {
	return readResult(ctx, s, func(ctx context.Context, tx Tx) (int, error) { return tx.CountNodes(ctx, label) })
}

func (s *Neo4jStore) GetNode(ctx context.Context, label, guid string) (*models.Node, error) {
	return readResult(ctx, s, func(ctx context.Context, tx Tx) (*models.Node, error) { return tx.GetNode(ctx, label, guid) })
}

func (s *Neo4jStore) Exec(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error) {
	return writeResult(ctx, s, func(ctx context.Context, tx Tx) ([]map[string]any, error) { return tx.Exec(ctx, statement, params) })
}

// AcquireLease takes the named lease when it is free, expired or already ours.
func (s *Neo4jStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	const q = `MERGE (l:_Lease {name: $name})
WITH l WHERE l.owner IS NULL OR l.owner = $owner OR l.expiresAt < $now
SET l.owner = $owner, l.expiresAt = $expiresAt
RETURN l.owner AS owner`
	_, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) (struct{}, error) {
		rows, err := tx.Exec(ctx, q, map[string]any{
			"name":      name,
			"owner":     owner,
			"now":       now,
			"expiresAt": now.Add(ttl),
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("acquiring lease %s: %w", name, err)
		}
		if len(rows) == 0 {
			return struct{}{}, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
		}
		return struct{}{}, nil
	})
	return err
}

// ReleaseLease deletes the named lease if owner holds it.
func (s *Neo4jStore) ReleaseLease(ctx context.Context, name, owner string) error {
	const q = `MATCH (l:_Lease {name: $name, owner: $owner}) DELETE l`
	_, err := writeResult(ctx, s, func(ctx context.Context, tx Tx) ([]map[string]any, error) {
		return tx.Exec(ctx, q, map[string]any{"name": name, "owner": owner})
	})
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j ping: %w", err)
	}
	return nil
}

// Close releases every pooled connection.
func (s *Neo4jStore) Close() error {
	ctx, cancel := withTimeout(context.Background(), neo4jCloseTimeout)
	defer cancel()
	return s.driver.Close(ctx)
}

// runner is satisfied by both managed and explicit transactions.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

type neo4jTx struct {
	run runner
}

func (t *neo4jTx) single(ctx context.Context, cypher string, params map[string]any, key string) (int, error) {
	res, err := t.run.Run(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return 0, err
	}
	n, _, err := neo4j.GetRecordValue[int64](rec, key)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *neo4jTx) MergeNodes(ctx context.Context, label string, rows []models.Properties, syncedAt time.Time) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	q, err := mergeNodesCypher(label)
	if err != nil {
		return 0, err
	}
	params := make([]any, len(rows))
	for i, r := range rows {
		params[i] = map[string]any(r)
	}
	n, err := t.single(ctx, q, map[string]any{"rows": params, "syncedAt": syncedAt}, "written")
	if err != nil {
		return 0, fmt.Errorf("merging %d %s nodes: %w", len(rows), label, err)
	}
	return n, nil
}

func (t *neo4jTx) LinkByForeignKey(ctx context.Context, spec LinkSpec) (LinkResult, error) {
	q, err := linkCypher(spec)
	if err != nil {
		return LinkResult{}, err
	}
	dq, err := danglingCypher(spec)
	if err != nil {
		return LinkResult{}, err
	}
	res, err := t.run.Run(ctx, q, nil)
	if err != nil {
		return LinkResult{}, fmt.Errorf("linking %s: %w", spec.Type, err)
	}
	summary, err := res.Consume(ctx)
	if err != nil {
		return LinkResult{}, fmt.Errorf("linking %s: %w", spec.Type, err)
	}
	skipped, err := t.single(ctx, dq, nil, "skipped")
	if err != nil {
		return LinkResult{}, fmt.Errorf("counting unmatched %s sources: %w", spec.Type, err)
	}
	return LinkResult{Created: summary.Counters().RelationshipsCreated(), Skipped: skipped}, nil
}

func (t *neo4jTx) LinkPeriods(ctx context.Context, spec PeriodSpec) (LinkResult, error) {
	prune, hierarchy, link, skipped, err := periodCypher(spec)
	if err != nil {
		return LinkResult{}, err
	}
	for _, q := range []string{prune, hierarchy} {
		res, err := t.run.Run(ctx, q, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			return LinkResult{}, fmt.Errorf("building %s periods of %s: %w", spec.Leaf(), spec.Label, err)
		}
	}
	res, err := t.run.Run(ctx, link, nil)
	if err != nil {
		return LinkResult{}, fmt.Errorf("linking %s to periods: %w", spec.Label, err)
	}
	summary, err := res.Consume(ctx)
	if err != nil {
		return LinkResult{}, fmt.Errorf("linking %s to periods: %w", spec.Label, err)
	}
	n, err := t.single(ctx, skipped, nil, "skipped")
	if err != nil {
		return LinkResult{}, fmt.Errorf("counting undated %s nodes: %w", spec.Label, err)
	}
	return LinkResult{Created: summary.Counters().RelationshipsCreated(), Skipped: n}, nil
}

func (t *neo4jTx) ComputeMetrics(ctx context.Context, spec MetricSpec, guids []string, at time.Time) (int, error) {
	q, params, err := metricsCypher(spec, guids != nil)
	if err != nil {
		return 0, err
	}
	params["at"] = at
	if guids != nil {
		params["guids"] = guids
	}
	n, err := t.single(ctx, q, params, "updated")
	if err != nil {
		return 0, fmt.Errorf("computing metrics on %s: %w", spec.Label, err)
	}
	return n, nil
}

func (t *neo4jTx) MutateNodes(ctx context.Context, m NodeMutation) (int, error) {
	q, params, err := mutateCypher(m)
	if err != nil {
		return 0, err
	}
	n, err := t.single(ctx, q, params, "affected")
	if err != nil {
		return 0, fmt.Errorf("mutating %s for migration %d: %w", m.Label, m.Version, err)
	}
	return n, nil
}

func (t *neo4jTx) RevertNodes(ctx context.Context, m NodeMutation) (int, error) {
	q, params, err := revertCypher(m)
	if err != nil {
		return 0, err
	}
	n, err := t.single(ctx, q, params, "affected")
	if err != nil {
		return 0, fmt.Errorf("reverting %s for migration %d: %w", m.Label, m.Version, err)
	}
	return n, nil
}

func (t *neo4jTx) EnsureIndex(ctx context.Context, idx IndexSpec) error {
	q, err := ensureIndexCypher(idx)
	if err != nil {
		return err
	}
	res, err := t.run.Run(ctx, q, nil)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", idx.Name, err)
	}
	_, err = res.Consume(ctx)
	return err
}

func (t *neo4jTx) DropIndex(ctx context.Context, idx IndexSpec) error {
	q, err := dropIndexCypher(idx)
	if err != nil {
		return err
	}
	res, err := t.run.Run(ctx, q, nil)
	if err != nil {
		return fmt.Errorf("dropping index %s: %w", idx.Name, err)
	}
	_, err = res.Consume(ctx)
	return err
}

func (t *neo4jTx) AppliedMigrations(ctx context.Context) ([]models.MigrationRecord, error) {
	const q = `MATCH (m:_Migration) RETURN m.version AS version, m.description AS description, m.appliedAt AS appliedAt ORDER BY m.version`
	res, err := t.run.Run(ctx, q, nil)
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	out := make([]models.MigrationRecord, 0, len(records))
	for _, rec := range records {
		version, _, err := neo4j.GetRecordValue[int64](rec, "version")
		if err != nil {
			return nil, fmt.Errorf("reading migration version: %w", err)
		}
		desc, _, _ := neo4j.GetRecordValue[string](rec, "description")
		at, _, _ := neo4j.GetRecordValue[time.Time](rec, "appliedAt")
		out = append(out, models.MigrationRecord{Version: int(version), Description: desc, AppliedAt: at})
	}
	return out, nil
}

func (t *neo4jTx) RecordMigration(ctx context.Context, rec models.MigrationRecord) error {
	const q = `MERGE (m:_Migration {version: $version}) SET m.description = $description, m.appliedAt = $appliedAt`
	res, err := t.run.Run(ctx, q, map[string]any{
		"version":     int64(rec.Version),
		"description": rec.Description,
		"appliedAt":   rec.AppliedAt,
	})
	if err != nil {
		return fmt.Errorf("recording migration %d: %w", rec.Version, err)
	}
	_, err = res.Consume(ctx)
	return err
}

func (t *neo4jTx) DeleteMigration(ctx context.Context, version int) error {
	const q = `MATCH (m:_Migration {version: $version}) DELETE m`
	res, err := t.run.Run(ctx, q, map[string]any{"version": int64(version)})
	if err != nil {
		return fmt.Errorf("deleting migration %d: %w", version, err)
	}
	_, err = res.Consume(ctx)
	return err
}

func (t *neo4jTx) Watermark(ctx context.Context, key string) (time.Time, bool, error) {
	const q = `MATCH (s:_SyncState {key: $key}) RETURN s.since AS since`
	res, err := t.run.Run(ctx, q, map[string]any{"key": key})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading watermark %s: %w", key, err)
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading watermark %s: %w", key, err)
	}
	if len(records) == 0 {
		return time.Time{}, false, nil
	}
	at, isNil, err := neo4j.GetRecordValue[time.Time](records[0], "since")
	if err != nil || isNil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (t *neo4jTx) SetWatermark(ctx context.Context, key string, at time.Time) error {
	const q = `MERGE (s:_SyncState {key: $key}) SET s.since = $since`
	res, err := t.run.Run(ctx, q, map[string]any{"key": key, "since": at})
	if err != nil {
		return fmt.Errorf("writing watermark %s: %w", key, err)
	}
	_, err = res.Consume(ctx)
	return err
}

func (t *neo4jTx) CountNodes(ctx context.Context, label string) (int, error) {
	l, err := quote(label)
	if err != nil {
		return 0, err
	}
	n, err := t.single(ctx, "MATCH (n:"+l+") RETURN count(n) AS total", nil, "total")
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", label, err)
	}
	return n, nil
}

func (t *neo4jTx) GetNode(ctx context.Context, label, guid string) (*models.Node, error) {
	l, err := quote(label)
	if err != nil {
		return nil, err
	}
	res, err := t.run.Run(ctx, "MATCH (n:"+l+" {guid: $guid}) RETURN properties(n) AS props", map[string]any{"guid": guid})
	if err != nil {
		return nil, fmt.Errorf("getting %s %s: %w", label, guid, err)
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting %s %s: %w", label, guid, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, label, guid)
	}
	props, _, err := neo4j.GetRecordValue[map[string]any](records[0], "props")
	if err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", label, guid, err)
	}
	return &models.Node{Label: label, Properties: models.Properties(props)}, nil
}

func (t *neo4jTx) Exec(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error) {
	res, err := t.run.Run(ctx, statement, params)
	if err != nil {
		return nil, err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}
