package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcdev/calvalus-portal/internal/model"
)

type fakePortal struct {
	mu        sync.Mutex
	list      []model.Production
	polls     int
	cancelled []string
	ordered   []model.ProductionRequest
}

func (f *fakePortal) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/productions", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.list)
	})
	r.Post("/api/productions", func(w http.ResponseWriter, req *http.Request) {
		var pr model.ProductionRequest
		_ = json.NewDecoder(req.Body).Decode(&pr)
		f.mu.Lock()
		f.ordered = append(f.ordered, pr)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"production": model.Production{ID: "p-new", Name: "ordered", User: pr.UserName},
		})
	})
	r.Get("/api/productions/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if chi.URLParam(req, "id") != "p1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found", "code": "NOT_FOUND"})
			return
		}
		f.polls++
		p := model.Production{ID: "p1", ProcessingStatus: model.InProgress(0.5)}
		if f.polls >= 3 {
			p.ProcessingStatus = model.Completed()
		}
		_ = json.NewEncoder(w).Encode(p)
	})
	r.Post("/api/productions/cancel", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		f.mu.Lock()
		f.cancelled = append(f.cancelled, body.IDs...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// runCLI executes the root command against a config pointing at backendURL.
func runCLI(t *testing.T, backendURL string, args ...string) (string, string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	content := "data_dir: " + dir + "\n" +
		"backend:\n  url: " + backendURL + "\n" +
		"portal:\n  user: martin\n" +
		"logging:\n  level: off\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0644))

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", cfgFile}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func newFakePortal(t *testing.T, ps ...model.Production) (*fakePortal, string) {
	t.Helper()
	fp := &fakePortal{list: ps}
	srv := httptest.NewServer(fp.router())
	t.Cleanup(srv.Close)
	return fp, srv.URL
}

func writeRequest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "req.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const l3Request = `production_type: L3
parameters:
  minDate: "2020-01-01"
  maxDate: "2020-01-31"
  periodLength: "10"
  resolution: "9.28"
  bbox: "0,0,10,10"
`

func TestList_JSON(t *testing.T) {
	_, url := newFakePortal(t,
		model.Production{ID: "a", Name: "first", User: "martin", ProcessingStatus: model.Completed()},
		model.Production{ID: "b", Name: "second", User: "norman", ProcessingStatus: model.InProgress(0.25)},
	)
	out, _, err := runCLI(t, url, "productions", "list", "-o", "json")
	require.NoError(t, err)

	var got []model.Production
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, model.StateInProgress, got[1].ProcessingStatus.State)
}

func TestList_Table(t *testing.T) {
	_, url := newFakePortal(t,
		model.Production{ID: "a", Name: "first", User: "martin", ProcessingStatus: model.InProgress(0.25)},
	)
	out, _, err := runCLI(t, url, "productions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "PROCESSING")
	assert.Contains(t, out, "IN_PROGRESS (25%)")
}

func TestList_RejectsUnknownFormat(t *testing.T) {
	_, url := newFakePortal(t)
	_, _, err := runCLI(t, url, "productions", "list", "-o", "xml")
	require.Error(t, err)
}

func TestOrder_FillsUserAndOrders(t *testing.T) {
	fp, url := newFakePortal(t)
	out, _, err := runCLI(t, url, "productions", "order", writeRequest(t, l3Request))
	require.NoError(t, err)
	assert.Contains(t, out, "Ordered p-new")

	fp.mu.Lock()
	defer fp.mu.Unlock()
	require.Len(t, fp.ordered, 1)
	assert.Equal(t, "martin", fp.ordered[0].UserName)
	assert.Equal(t, "L3", fp.ordered[0].ProductionType)
}

func TestOrder_DryRunDoesNotOrder(t *testing.T) {
	fp, url := newFakePortal(t)
	out, _, err := runCLI(t, url, "productions", "order", "--dry-run", writeRequest(t, l3Request))
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "Periods:         3")
	assert.Empty(t, fp.ordered)
}

func TestCheck_InvalidRequest(t *testing.T) {
	_, url := newFakePortal(t)
	_, _, err := runCLI(t, url, "productions", "check", writeRequest(t, "parameters:\n  a: b\n"))
	require.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestCancel(t *testing.T) {
	fp, url := newFakePortal(t)
	out, _, err := runCLI(t, url, "productions", "cancel", "a", "b")
	require.NoError(t, err)
	assert.Contains(t, out, "cancel requested for 2 production(s)")
	assert.Equal(t, []string{"a", "b"}, fp.cancelled)
}

func TestWatch_UntilCompleted(t *testing.T) {
	_, url := newFakePortal(t)
	out, _, err := runCLI(t, url, "productions", "watch", "p1", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "p1 processing: COMPLETED")
}

func TestWatch_GoneProductionIsCancelled(t *testing.T) {
	_, url := newFakePortal(t)
	out, _, err := runCLI(t, url, "productions", "watch", "zz", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "zz processing: CANCELLED")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "calvalus dev\n", out.String())
}

func TestInit_ThenOfflineListNeedsCache(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"init", "--data-dir", dir, "--user", "martin", "--backend-url", "http://127.0.0.1:1"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), filepath.Join(dir, "config.yaml"))

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", filepath.Join(dir, "config.yaml"), "--log-level", "off", "productions", "list", "--offline"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached list")
}
