package crewdecksdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSendsTaskFile(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "running"})
	}))
	defer srv.Close()

	rs, err := New(srv.URL).Run(context.Background(), "p1", "plan.md")
	require.NoError(t, err)
	assert.Equal(t, "running", rs.Status)
	assert.Equal(t, "/v0/projects/p1/run", gotPath)
	assert.JSONEq(t, `{"taskFile":"plan.md"}`, gotBody)
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"code":"already_running","message":"project p1: project is already running"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).RunAll(context.Background(), "p1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "already_running", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "already_running")
}
