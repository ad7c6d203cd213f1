package store

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ajitpratap0/graphsync/internal/models"
)

// MockStore is an in-memory implementation of Store for testing.
// WriteTx and RollbackTx operate on a copy of the graph which is swapped in
// only on commit.
type MockStore struct {
	mu     sync.RWMutex
	g      *graph
	leases map[string]mockLease
}

type mockLease struct {
	owner     string
	expiresAt time.Time
}

type edge struct {
	Type     string
	FromLbl  string
	FromGUID string
	ToLbl    string
	ToGUID   string
}

type graph struct {
	nodes      map[string]map[string]models.Properties // label -> guid -> props
	edges      map[edge]struct{}
	migrations map[int]models.MigrationRecord
	watermarks map[string]time.Time
	indexes    map[string]IndexSpec
}

func newGraph() *graph {
	return &graph{
		nodes:      make(map[string]map[string]models.Properties),
		edges:      make(map[edge]struct{}),
		migrations: make(map[int]models.MigrationRecord),
		watermarks: make(map[string]time.Time),
		indexes:    make(map[string]IndexSpec),
	}
}

func (g *graph) clone() *graph {
	c := newGraph()
	for label, byGUID := range g.nodes {
		m := make(map[string]models.Properties, len(byGUID))
		for guid, props := range byGUID {
			m[guid] = cloneProps(props)
		}
		c.nodes[label] = m
	}
	maps.Copy(c.edges, g.edges)
	maps.Copy(c.migrations, g.migrations)
	maps.Copy(c.watermarks, g.watermarks)
	maps.Copy(c.indexes, g.indexes)
	return c
}

// cloneProps deep-copies list values so callers can't mutate stored data.
func cloneProps(p models.Properties) models.Properties {
	out := make(models.Properties, len(p))
	for k, v := range p {
		if list, ok := v.([]any); ok {
			v = slices.Clone(list)
		}
		out[k] = v
	}
	return out
}

// NewMockStore creates a new mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		g:      newGraph(),
		leases: make(map[string]mockLease),
	}
}

// WriteTx runs fn against a copy of the graph and commits it when fn succeeds.
func (m *MockStore) WriteTx(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.g.clone()
	if err := fn(&mockTx{g: work}); err != nil {
		return err
	}
	m.g = work
	return nil
}

// RollbackTx runs fn against a copy of the graph which is then discarded.
func (m *MockStore) RollbackTx(_ context.Context, fn func(Tx) error) error {
	m.mu.RLock()
	work := m.g.clone()
	m.mu.RUnlock()
	return fn(&mockTx{g: work})
}

func (m *MockStore) write(fn func(tx *mockTx) error) error {
	return m.WriteTx(context.Background(), func(tx Tx) error { return fn(tx.(*mockTx)) })
}

func (m *MockStore) read() *mockTx {
	return &mockTx{g: m.g}
}

func (m *MockStore) MergeNodes(ctx context.Context, label string, rows []models.Properties, syncedAt time.Time) (int, error) {
	var n int
	err := m.write(func(tx *mockTx) (err error) {
		n, err = tx.MergeNodes(ctx, label, rows, syncedAt)
		return err
	})
	return n, err
}

func (m *MockStore) LinkByForeignKey(ctx context.Context, spec LinkSpec) (LinkResult, error) {
	var n LinkResult
	err := m.write(func(tx *mockTx) (err error) {
		n, err = tx.LinkByForeignKey(ctx, spec)
		return err
	})
	return n, err
}

func (m *MockStore) LinkPeriods(ctx context.Context, spec PeriodSpec) (LinkResult, error) {
	var n LinkResult
	err := m.write(func(tx *mockTx) (err error) {
		n, err = tx.LinkPeriods(ctx, spec)
		return err
	})
	return n, err
}

func (m *MockStore) ComputeMetrics(ctx context.Context, spec MetricSpec, guids []string, at time.Time) (int, error) {
	var n int
	err := m.write(func(tx *mockTx) (err error) {
		n, err = tx.ComputeMetrics(ctx, spec, guids, at)
		return err
	})
	return n, err
}

func (m *MockStore) MutateNodes(ctx context.Context, mut NodeMutation) (int, error) {
	var n int
	err := m.write(func(tx *mockTx) (err error) {
		n, err = tx.MutateNodes(ctx, mut)
		return err
	})
	return n, err
}

func (m *MockStore) RevertNodes(ctx context.Context, mut NodeMutation) (int, error) {
	var n int
	err := m.write(func(tx *mockTx) (err error) {
		n, err = tx.RevertNodes(ctx, mut)
		return err
	})
	return n, err
}

func (m *MockStore) EnsureIndex(ctx context.Context, idx IndexSpec) error {
	return m.write(func(tx *mockTx) error { return tx.EnsureIndex(ctx, idx) })
}

func (m *MockStore) DropIndex(ctx context.Context, idx IndexSpec) error {
	return m.write(func(tx *mockTx) error { return tx.DropIndex(ctx, idx) })
}

func (m *MockStore) AppliedMigrations(ctx context.Context) ([]models.MigrationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().AppliedMigrations(ctx)
}

func (m *MockStore) RecordMigration(ctx context.Context, rec models.MigrationRecord) error {
	return m.write(func(tx *mockTx) error { return tx.RecordMigration(ctx, rec) })
}

func (m *MockStore) DeleteMigration(ctx context.Context, version int) error {
	return m.write(func(tx *mockTx) error { return tx.DeleteMigration(ctx, version) })
}

func (m *MockStore) Watermark(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Watermark(ctx, key)
}

func (m *MockStore) SetWatermark(ctx context.Context, key string, at time.Time) error {
	return m.write(func(tx *mockTx) error { return tx.SetWatermark(ctx, key, at) })
}

func (m *MockStore) CountNodes(ctx context.Context, label string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().CountNodes(ctx, label)
}

func (m *MockStore) GetNode(ctx context.Context, label, guid string) (*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetNode(ctx, label, guid)
}

// Exec is not supported: the mock store has no query engine.
func (m *MockStore) Exec(_ context.Context, _ string, _ map[string]any) ([]map[string]any, error) {
	return nil, ErrUnsupported
}

// AcquireLease takes the named lease when it is free, expired or already ours.
func (m *MockStore) AcquireLease(_ context.Context, name, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if l, ok := m.leases[name]; ok && l.owner != owner && l.expiresAt.After(now) {
		return fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	m.leases[name] = mockLease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

// ReleaseLease drops the named lease if owner holds it.
func (m *MockStore) ReleaseLease(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[name]; ok && l.owner == owner {
		delete(m.leases, name)
	}
	return nil
}

// Ping is a no-op for the mock store.
func (m *MockStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// EdgeCount returns the number of edges of the given type.
func (m *MockStore) EdgeCount(relType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for e := range m.g.edges {
		if e.Type == relType {
			n++
		}
	}
	return n
}

// HasEdge reports whether a typed edge exists between two nodes.
func (m *MockStore) HasEdge(relType, fromLabel, fromGUID, toLabel, toGUID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.g.edges[edge{relType, fromLabel, fromGUID, toLabel, toGUID}]
	return ok
}

// Indexes returns the names of every index and constraint currently defined.
func (m *MockStore) Indexes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.g.indexes))
}

// mockTx applies operations directly to one graph snapshot. Like Neo4j, it
// refuses to mix schema and data writes in one transaction.
type mockTx struct {
	g      *graph
	schema bool
	data   bool
}

func (t *mockTx) writeData(op string) error {
	if t.schema {
		return fmt.Errorf("%s after a schema change: %w", op, ErrMixedTransaction)
	}
	t.data = true
	return nil
}

func (t *mockTx) writeSchema(op string) error {
	if t.data {
		return fmt.Errorf("%s after a data write: %w", op, ErrMixedTransaction)
	}
	t.schema = true
	return nil
}

func (t *mockTx) MergeNodes(_ context.Context, label string, rows []models.Properties, syncedAt time.Time) (int, error) {
	if err := t.writeData("merge nodes"); err != nil {
		return 0, err
	}
	if !ValidIdentifier(label) {
		return 0, fmt.Errorf("invalid identifier %q", label)
	}
	for i, r := range rows {
		if r.GUID() == "" {
			return 0, fmt.Errorf("merging %s: row %d has no guid", label, i)
		}
	}
	byGUID := t.g.nodes[label]
	if byGUID == nil {
		byGUID = make(map[string]models.Properties)
		t.g.nodes[label] = byGUID
	}
	for _, r := range rows {
		props := byGUID[r.GUID()]
		if props == nil {
			props = models.Properties{}
			byGUID[r.GUID()] = props
		}
		for k, v := range r {
			if v == nil {
				delete(props, k)
				continue
			}
			props[k] = v
		}
		props[models.SyncedAtKey] = syncedAt
	}
	return len(rows), nil
}

func (t *mockTx) LinkByForeignKey(_ context.Context, spec LinkSpec) (LinkResult, error) {
	if _, err := linkCypher(spec); err != nil {
		return LinkResult{}, err
	}
	if err := t.writeData("link"); err != nil {
		return LinkResult{}, err
	}
	var res LinkResult
	for sGUID, s := range t.g.nodes[spec.Source] {
		fk, ok := s[spec.ForeignKey]
		if !ok || fk == nil {
			continue
		}
		matched := false
		for tGUID, tgt := range t.g.nodes[spec.Target] {
			if tgt[spec.TargetKey] != fk {
				continue
			}
			matched = true
			e := edge{spec.Type, spec.Source, sGUID, spec.Target, tGUID}
			if spec.Reverse {
				e = edge{spec.Type, spec.Target, tGUID, spec.Source, sGUID}
			}
			if _, exists := t.g.edges[e]; !exists {
				t.g.edges[e] = struct{}{}
				res.Created++
			}
		}
		if !matched {
			res.Skipped++
		}
	}
	return res, nil
}

var isoDateRe = regexp.MustCompile(`^` + isoDate + `$`)

// calendarDay reads the YYYY-MM-DD prefix of a date value the way the Cypher
// statements do.
func calendarDay(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case time.Time:
		s = t.Format(time.DateOnly)
	default:
		return "", false
	}
	if len(s) < 10 || !isoDateRe.MatchString(s[:10]) {
		return "", false
	}
	return s[:10], true
}

func (t *mockTx) mergePeriod(label, guid string, props models.Properties) {
	byGUID := t.g.nodes[label]
	if byGUID == nil {
		byGUID = make(map[string]models.Properties)
		t.g.nodes[label] = byGUID
	}
	node := byGUID[guid]
	if node == nil {
		node = models.Properties{models.GUIDKey: guid}
		byGUID[guid] = node
	}
	maps.Copy(node, props)
}

func (t *mockTx) LinkPeriods(_ context.Context, spec PeriodSpec) (LinkResult, error) {
	if _, _, _, _, err := periodCypher(spec); err != nil {
		return LinkResult{}, err
	}
	if err := t.writeData("link periods"); err != nil {
		return LinkResult{}, err
	}
	leaf := spec.Leaf()
	var res LinkResult
	for fGUID, f := range t.g.nodes[spec.Label] {
		day, ok := "", false
		if v := f[spec.Property]; v != nil {
			if day, ok = calendarDay(v); !ok {
				res.Skipped++
			}
		}
		key := day
		if ok && !spec.Days {
			key = day[:7]
		}
		for e := range t.g.edges {
			if e.Type == spec.Relationship && e.FromLbl == spec.Label && e.FromGUID == fGUID && e.ToLbl == leaf && (!ok || e.ToGUID != key) {
				delete(t.g.edges, e)
			}
		}
		if !ok {
			continue
		}

		year, _ := strconv.Atoi(day[:4])
		month, _ := strconv.Atoi(day[5:7])
		quarter := (month-1)/3 + 1
		yGUID, qGUID, mGUID := day[:4], fmt.Sprintf("%s-Q%d", day[:4], quarter), day[:7]
		t.mergePeriod(YearLabel, yGUID, models.Properties{"year": int64(year)})
		t.mergePeriod(QuarterLabel, qGUID, models.Properties{"year": int64(year), "quarter": int64(quarter)})
		t.mergePeriod(MonthLabel, mGUID, models.Properties{"year": int64(year), "quarter": int64(quarter), "month": int64(month)})
		t.g.edges[edge{ContainsType, YearLabel, yGUID, QuarterLabel, qGUID}] = struct{}{}
		t.g.edges[edge{ContainsType, QuarterLabel, qGUID, MonthLabel, mGUID}] = struct{}{}
		if spec.Days {
			d, _ := strconv.Atoi(day[8:10])
			t.mergePeriod(DayLabel, day, models.Properties{"year": int64(year), "month": int64(month), "day": int64(d)})
			t.g.edges[edge{ContainsType, MonthLabel, mGUID, DayLabel, day}] = struct{}{}
		}

		e := edge{spec.Relationship, spec.Label, fGUID, leaf, key}
		if _, exists := t.g.edges[e]; !exists {
			t.g.edges[e] = struct{}{}
			res.Created++
		}
	}
	return res, nil
}

// neighbors returns the property sets of nodes adjacent to (label, guid)
// through edges of the aggregate's type and direction.
func (t *mockTx) neighbors(label, guid string, agg Aggregate) []models.Properties {
	var out []models.Properties
	for e := range t.g.edges {
		if e.Type != agg.Relationship {
			continue
		}
		var nLbl, nGUID string
		switch {
		case (agg.Direction == DirOut || agg.Direction == "" || agg.Direction == DirBoth) && e.FromLbl == label && e.FromGUID == guid:
			nLbl, nGUID = e.ToLbl, e.ToGUID
		case (agg.Direction == DirIn || agg.Direction == DirBoth) && e.ToLbl == label && e.ToGUID == guid:
			nLbl, nGUID = e.FromLbl, e.FromGUID
		default:
			continue
		}
		if agg.Neighbor != "" && nLbl != agg.Neighbor {
			continue
		}
		props := t.g.nodes[nLbl][nGUID]
		if props == nil || !matches(props, agg.Where) {
			continue
		}
		out = append(out, props)
	}
	return out
}

func matches(props models.Properties, where map[string]any) bool {
	for k, want := range where {
		got, ok := props[k]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func aggregate(agg Aggregate, neighbors []models.Properties) any {
	if agg.Func == AggCount {
		return int64(len(neighbors))
	}
	var vals []float64
	for _, p := range neighbors {
		if f, ok := toFloat(p[agg.Source]); ok {
			vals = append(vals, f)
		}
	}
	if agg.Func == AggSum {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum
	}
	if len(vals) == 0 {
		return agg.Default
	}
	switch agg.Func {
	case AggAvg:
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	case AggMin:
		return slices.Min(vals)
	case AggMax:
		return slices.Max(vals)
	}
	return agg.Default
}

func (t *mockTx) ComputeMetrics(_ context.Context, spec MetricSpec, guids []string, at time.Time) (int, error) {
	if err := t.writeData("compute metrics"); err != nil {
		return 0, err
	}
	if _, _, err := metricsCypher(spec, guids != nil); err != nil {
		return 0, err
	}
	byGUID := t.g.nodes[spec.Label]
	targets := make([]string, 0, len(byGUID))
	if guids == nil {
		for guid := range byGUID {
			targets = append(targets, guid)
		}
	} else {
		for _, guid := range guids {
			if _, ok := byGUID[guid]; ok {
				targets = append(targets, guid)
			}
		}
	}

	for _, guid := range targets {
		props := byGUID[guid]
		computed := make(map[string]any, len(spec.Aggregates))
		for _, agg := range spec.Aggregates {
			v := aggregate(agg, t.neighbors(spec.Label, guid, agg))
			computed[agg.Property] = v
			props[agg.Property] = v
		}
		operand := func(name string) float64 {
			if v, ok := computed[name]; ok {
				f, _ := toFloat(v)
				return f
			}
			f, _ := toFloat(props[name])
			return f
		}
		for _, d := range spec.Derived {
			left, right := operand(d.Left), operand(d.Right)
			var v float64
			switch d.Op {
			case OpRatio:
				v = d.Default
				if right != 0 {
					v = left / right
				}
			case OpPercent:
				v = d.Default
				if right != 0 {
					v = 100 * left / right
				}
			case OpDifference:
				v = left - right
			}
			props[d.Property] = v
		}
		props[models.LastMetricsUpdateKey] = at
	}
	return len(targets), nil
}

func tags(props models.Properties) []any {
	list, _ := props[MigrationsProp].([]any)
	return list
}

func tagged(props models.Properties, version int) bool {
	for _, v := range tags(props) {
		if f, ok := toFloat(v); ok && int(f) == version {
			return true
		}
	}
	return false
}

// sortedGUIDs gives the mock deterministic LIMIT behaviour.
func sortedGUIDs(byGUID map[string]models.Properties) []string {
	guids := make([]string, 0, len(byGUID))
	for g := range byGUID {
		guids = append(guids, g)
	}
	sort.Strings(guids)
	return guids
}

func (t *mockTx) MutateNodes(_ context.Context, mut NodeMutation) (int, error) {
	if err := t.writeData("mutate nodes"); err != nil {
		return 0, err
	}
	if _, _, err := mutateCypher(mut); err != nil {
		return 0, err
	}
	byGUID := t.g.nodes[mut.Label]
	n := 0
	for _, guid := range sortedGUIDs(byGUID) {
		if mut.Limit > 0 && n >= mut.Limit {
			break
		}
		props := byGUID[guid]
		if tagged(props, mut.Version) || !matches(props, mut.Match) {
			continue
		}
		for k, v := range mut.Set {
			props[k] = v
		}
		for old, renamed := range mut.Rename {
			if v, ok := props[old]; ok {
				props[renamed] = v
				delete(props, old)
			}
		}
		props[MigrationsProp] = append(slices.Clone(tags(props)), int64(mut.Version))
		n++
	}
	return n, nil
}

func (t *mockTx) RevertNodes(_ context.Context, mut NodeMutation) (int, error) {
	if err := t.writeData("revert nodes"); err != nil {
		return 0, err
	}
	if _, _, err := revertCypher(mut); err != nil {
		return 0, err
	}
	byGUID := t.g.nodes[mut.Label]
	n := 0
	for _, guid := range sortedGUIDs(byGUID) {
		if mut.Limit > 0 && n >= mut.Limit {
			break
		}
		props := byGUID[guid]
		if !tagged(props, mut.Version) {
			continue
		}
		for k := range mut.Set {
			delete(props, k)
		}
		for old, renamed := range mut.Rename {
			if v, ok := props[renamed]; ok {
				props[old] = v
				delete(props, renamed)
			}
		}
		var kept []any
		for _, v := range tags(props) {
			if f, ok := toFloat(v); ok && int(f) == mut.Version {
				continue
			}
			kept = append(kept, v)
		}
		if kept == nil {
			kept = []any{}
		}
		props[MigrationsProp] = kept
		n++
	}
	return n, nil
}

func (t *mockTx) EnsureIndex(_ context.Context, idx IndexSpec) error {
	if err := t.writeSchema("create index"); err != nil {
		return err
	}
	if _, err := ensureIndexCypher(idx); err != nil {
		return err
	}
	t.g.indexes[idx.Name] = idx
	return nil
}

func (t *mockTx) DropIndex(_ context.Context, idx IndexSpec) error {
	if err := t.writeSchema("drop index"); err != nil {
		return err
	}
	if _, err := dropIndexCypher(idx); err != nil {
		return err
	}
	delete(t.g.indexes, idx.Name)
	return nil
}

func (t *mockTx) AppliedMigrations(_ context.Context) ([]models.MigrationRecord, error) {
	out := slices.Collect(maps.Values(t.g.migrations))
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (t *mockTx) RecordMigration(_ context.Context, rec models.MigrationRecord) error {
	if err := t.writeData("record migration"); err != nil {
		return err
	}
	t.g.migrations[rec.Version] = rec
	return nil
}

func (t *mockTx) DeleteMigration(_ context.Context, version int) error {
	if err := t.writeData("delete migration"); err != nil {
		return err
	}
	delete(t.g.migrations, version)
	return nil
}

func (t *mockTx) Watermark(_ context.Context, key string) (time.Time, bool, error) {
	at, ok := t.g.watermarks[key]
	return at, ok, nil
}

func (t *mockTx) SetWatermark(_ context.Context, key string, at time.Time) error {
	if err := t.writeData("set watermark"); err != nil {
		return err
	}
	t.g.watermarks[key] = at
	return nil
}

func (t *mockTx) CountNodes(_ context.Context, label string) (int, error) {
	return len(t.g.nodes[label]), nil
}

func (t *mockTx) GetNode(_ context.Context, label, guid string) (*models.Node, error) {
	props, ok := t.g.nodes[label][guid]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, label, guid)
	}
	return &models.Node{Label: label, Properties: cloneProps(props)}, nil
}

func (t *mockTx) Exec(_ context.Context, _ string, _ map[string]any) ([]map[string]any, error) {
	return nil, ErrUnsupported
}
