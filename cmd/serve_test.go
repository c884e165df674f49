package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisubsidy/harvest-cli/internal/extract"
	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/pipeline"
	"github.com/agrisubsidy/harvest-cli/internal/store"
	"github.com/agrisubsidy/harvest-cli/internal/tracker"
)

const subsidyText = "Aide aux investissements en Bretagne\n" +
	"La subvention couvre 40% des dépenses sur investissement entre 5 000 € et 30 000 €. " +
	"Bénéficiaires : EARL, GAEC et exploitants individuels. Date limite de dépôt : 31/12/2025."

func newTestAPI(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	svc := pipeline.New(st, extract.NewExtractor())
	t.Cleanup(svc.Wait)
	return buildRouter(svc, st, []string{"https://dashboard.example.fr"}), st
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestRouter_Health(t *testing.T) {
	h, _ := newTestAPI(t)
	rr := do(t, h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestRouter_CORSPreflight(t *testing.T) {
	h, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/extract", nil)
	req.Header.Set("Origin", "https://dashboard.example.fr")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://dashboard.example.fr", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_ExtractAndRead(t *testing.T) {
	h, _ := newTestAPI(t)

	rr := do(t, h, http.MethodPost, "/v1/extract", map[string]any{"documentId": "doc-1", "text": subsidyText})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[pipeline.ExtractResponse](t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, model.MethodLocal, resp.ExtractionMethod)
	require.NotNil(t, resp.QualityScore)

	rr = do(t, h, http.MethodGet, "/v1/documents/doc-1/attempts/latest", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	latest := decode[model.ExtractionAttempt](t, rr)
	assert.Equal(t, resp.AttemptID, latest.ID)
	assert.Equal(t, model.AttemptCompleted, latest.Status)

	rr = do(t, h, http.MethodGet, "/v1/documents/doc-1/attempts?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.ExtractionAttempt](t, rr), 1)

	rr = do(t, h, http.MethodGet, "/v1/attempts/"+resp.AttemptID+"/export", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	export := decode[map[string]any](t, rr)
	assert.Equal(t, "doc-1", export["document_id"])
	assert.Contains(t, export, "quality")

	rr = do(t, h, http.MethodGet, "/v1/stats?document=doc-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[tracker.Stats](t, rr)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)

	rr = do(t, h, http.MethodPost, "/v1/documents/doc-1/prefill", map[string]any{
		"form": map[string]any{"farm_name": "EARL des Prés"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	pre := decode[pipeline.PrefillResult](t, rr)
	assert.Contains(t, pre.Applied, "funding_amount")
	assert.Equal(t, "EARL des Prés", pre.Form["farm_name"])
}

func TestRouter_ExtractErrors(t *testing.T) {
	h, _ := newTestAPI(t)

	rr := do(t, h, http.MethodPost, "/v1/extract", map[string]any{"text": subsidyText})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/extract", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No text, file or harvested page: the attempt fails and is recorded.
	rr = do(t, h, http.MethodPost, "/v1/extract", map[string]any{"documentId": "ghost"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	resp := decode[pipeline.ExtractResponse](t, rr)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	rr = do(t, h, http.MethodPost, "/v1/documents/ghost/prefill", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRouter_NotFound(t *testing.T) {
	h, _ := newTestAPI(t)

	for _, path := range []string{
		"/v1/documents/none/attempts/latest",
		"/v1/attempts/none/export",
		"/v1/runs/none",
	} {
		rr := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}

	rr := do(t, h, http.MethodPost, "/v1/documents/none/prefill", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_HistoryBadLimit(t *testing.T) {
	h, _ := newTestAPI(t)
	rr := do(t, h, http.MethodGet, "/v1/documents/doc-1/attempts?limit=-2", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_GetRun(t *testing.T) {
	h, st := newTestAPI(t)
	require.NoError(t, st.CreateRun(context.Background(), &model.HarvestRun{
		ID:          "run-1",
		SourceSites: []string{"site-a"},
		Status:      model.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}))

	rr := do(t, h, http.MethodGet, "/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "run-1", decode[model.HarvestRun](t, rr).ID)
}

func TestRouter_Harvest(t *testing.T) {
	h, _ := newTestAPI(t)

	rr := do(t, h, http.MethodPost, "/v1/harvest", map[string]any{"action": "crawl"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/harvest", map[string]any{"action": "scrape", "maxPages": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// The test service has no harvester.
	rr = do(t, h, http.MethodPost, "/v1/harvest", map[string]any{"action": "scrape"})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.False(t, decode[map[string]any](t, rr)["success"].(bool))
}

func TestExtractStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, extractStatus(&pipeline.ExtractResponse{Success: true}))
	assert.Equal(t, http.StatusAccepted, extractStatus(&pipeline.ExtractResponse{Timeout: true}))
	assert.Equal(t, http.StatusUnprocessableEntity, extractStatus(&pipeline.ExtractResponse{}))
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
	assert.Equal(t, 0, resolvePort(0, 0))
}

func TestStartServer_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h, _ := newTestAPI(t)

	// Find a free port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close() //nolint:errcheck

	errCh := make(chan error, 1)
	go func() {
		errCh <- startServer(ctx, h, port)
	}()

	var ready bool
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err == nil {
			resp.Body.Close() //nolint:errcheck
			ready = resp.StatusCode == http.StatusOK
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ready, "server did not become ready in time")

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
