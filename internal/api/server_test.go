package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/graphsync/internal/api"
	"github.com/ajitpratap0/graphsync/internal/entity"
	"github.com/ajitpratap0/graphsync/internal/fetch"
	"github.com/ajitpratap0/graphsync/internal/migrate"
	"github.com/ajitpratap0/graphsync/internal/models"
	"github.com/ajitpratap0/graphsync/internal/orchestrator"
	"github.com/ajitpratap0/graphsync/internal/registry"
	"github.com/ajitpratap0/graphsync/internal/store"
)

// fakeSyncer records requested runs instead of syncing.
type fakeSyncer struct {
	mu    sync.Mutex
	state models.RunState
	last  *models.RunReport
	runs  []orchestrator.Options
	err   error
	ran   chan orchestrator.Options
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{state: models.StateIdle, ran: make(chan orchestrator.Options, 4)}
}

func (f *fakeSyncer) Run(_ context.Context, opts orchestrator.Options) (*models.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	f.ran <- opts
	if f.err != nil {
		return nil, f.err
	}
	rep := &models.RunReport{ID: "run-1", Mode: opts.Mode, State: models.StateDone}
	f.last = rep
	return rep, nil
}

func (f *fakeSyncer) set(state models.RunState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	f.err = err
}

func (f *fakeSyncer) State() models.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSyncer) LastReport() *models.RunReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// newTestServer creates a test HTTP server over a MockStore with one Contact entity.
func newTestServer(t *testing.T, authToken string) (*httptest.Server, *store.MockStore, *fakeSyncer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st := store.NewMockStore()
	reg, err := registry.NewBuilder().
		Entity(entity.Definition{Name: "contact", Resource: fetch.Resource{Path: "/contacts"}, Fields: []entity.Field{{Source: "email"}}}).
		Build(st, logger)
	require.NoError(t, err)
	engine, err := migrate.NewEngine(st, reg.Migrations(), migrate.Options{}, logger)
	require.NoError(t, err)

	syncer := newFakeSyncer()
	srv := api.NewServer(context.Background(), st, reg, syncer, engine, logger, authToken)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Wait()
	})
	return ts, st, syncer
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func doRequest(t *testing.T, method, url string, body *bytes.Buffer, token string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(context.Background(), method, url, body)
	} else {
		req, err = http.NewRequestWithContext(context.Background(), method, url, http.NoBody)
	}
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t, "secret")
	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])

	resp = doRequest(t, http.MethodGet, ts.URL+"/readyz", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, "secret")

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/status", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/status", nil, "wrong")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/status", nil, "secret")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSync_WaitReturnsReport(t *testing.T) {
	ts, _, syncer := newTestServer(t, "")

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/sync", jsonBody(t, map[string]any{"mode": "sample", "limit": 5, "wait": true}), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rep models.RunReport
	decode(t, resp, &rep)
	assert.Equal(t, models.ModeSample, rep.Mode)
	assert.Equal(t, 5, syncer.runs[0].Limit)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/status", nil, "")
	var status map[string]any
	decode(t, resp, &status)
	assert.Equal(t, "idle", status["state"])
	assert.NotNil(t, status["last_report"])
}

func TestSync_LimitNeedsSampleMode(t *testing.T) {
	ts, _, syncer := newTestServer(t, "")

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/sync", jsonBody(t, map[string]any{"mode": "full", "limit": 5, "wait": true}), "")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, syncer.runs)
}

func TestSync_Background(t *testing.T) {
	ts, _, syncer := newTestServer(t, "")
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/sync", jsonBody(t, map[string]any{"since": since}), "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	select {
	case opts := <-syncer.ran:
		assert.Equal(t, models.ModeIncremental, opts.Mode)
		require.NotNil(t, opts.Since)
		assert.True(t, since.Equal(*opts.Since))
	case <-time.After(2 * time.Second):
		t.Fatal("background run never started")
	}
}

func TestSync_Conflict(t *testing.T) {
	ts, _, syncer := newTestServer(t, "")

	syncer.set(models.StateFetching, nil)
	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/sync", jsonBody(t, map[string]any{"mode": "full"}), "")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	syncer.set(models.StateIdle, orchestrator.ErrRunInProgress)
	resp = doRequest(t, http.MethodPost, ts.URL+"/v1/sync", jsonBody(t, map[string]any{"mode": "full", "wait": true}), "")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSync_BadRequests(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	tests := []struct {
		name string
		body *bytes.Buffer
	}{
		{"not json", bytes.NewBufferString("{")},
		{"unknown mode", jsonBody(t, map[string]any{"mode": "partial"})},
		{"negative limit", jsonBody(t, map[string]any{"mode": "sample", "limit": -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, ts.URL+"/v1/sync", tt.body, "")
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestMigrations(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/migrations", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Migrations []models.MigrationStatus `json:"migrations"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Migrations, 1)
	assert.Equal(t, registry.CoreIndexVersion, body.Migrations[0].Version)
	assert.False(t, body.Migrations[0].Applied)
}

func TestSchemaAndNodes(t *testing.T) {
	ts, st, _ := newTestServer(t, "")
	_, err := st.MergeNodes(context.Background(), "Contact", []models.Properties{{"guid": "c1", "email": "a@b.test"}}, time.Now())
	require.NoError(t, err)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/schema", nil, "")
	var schema registry.Schema
	decode(t, resp, &schema)
	require.Len(t, schema.Entities, 1)
	require.NotNil(t, schema.Entities[0].Nodes)
	assert.Equal(t, 1, *schema.Entities[0].Nodes)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/nodes/Contact/c1", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var node models.Node
	decode(t, resp, &node)
	assert.Equal(t, "a@b.test", node.Properties["email"])

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/nodes/Contact/missing", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/nodes/_Migration/1", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, "secret")
	resp := doRequest(t, http.MethodGet, ts.URL+"/metrics", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
