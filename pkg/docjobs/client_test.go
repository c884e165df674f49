package docjobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key")
}

func TestSubmit(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req SubmitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "doc-1", req.DocumentID)
		assert.True(t, req.UseHybrid)

		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", DocumentID: req.DocumentID, Status: "queued"})
	})

	job, err := c.Submit(context.Background(), SubmitRequest{DocumentID: "doc-1", FileName: "budget.pdf", UseHybrid: true})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "queued", job.Status)
}

func TestGet(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/jobs/job-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"job-1","status":"failed","error":"pdf unreadable"}`))
	})

	job, err := c.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", job.Status)
	assert.Equal(t, "pdf unreadable", job.Error)
}

func TestAPIError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such job"}`))
	})

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "no such job")
}

func TestBadJSON(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	_, err := c.Get(context.Background(), "job-1")
	assert.Error(t, err)
}
