package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcdev/calvalus-portal/internal/model"
)

type fakeBackend struct {
	mu          sync.Mutex
	productions map[string]model.Production
	order       []string
	lastAuth    string
	lastFilter  string
	cancelled   []string
}

func newFakeBackend(ps ...model.Production) *fakeBackend {
	fb := &fakeBackend{productions: map[string]model.Production{}}
	for _, p := range ps {
		fb.productions[p.ID] = p
		fb.order = append(fb.order, p.ID)
	}
	return fb
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fb *fakeBackend) router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/productions", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			fb.mu.Lock()
			defer fb.mu.Unlock()
			fb.lastAuth = req.Header.Get("Authorization")
			fb.lastFilter = req.URL.Query().Get("filter")
			out := []model.Production{}
			for _, id := range fb.order {
				out = append(out, fb.productions[id])
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var pr model.ProductionRequest
			if err := json.NewDecoder(req.Body).Decode(&pr); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "BAD_REQUEST"})
				return
			}
			if pr.ProductionType == "" {
				writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "missing production type", Code: "VALIDATION"})
				return
			}
			p := model.Production{ID: "new", Name: pr.Param("productionName"), User: pr.UserName, ProcessingStatus: model.Waiting()}
			writeJSON(w, http.StatusCreated, OrderResult{Production: p, Message: "queued"})
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			fb.mu.Lock()
			defer fb.mu.Unlock()
			p, ok := fb.productions[chi.URLParam(req, "id")]
			if !ok {
				writeJSON(w, http.StatusNotFound, errorBody{Error: "no such production", Code: "NOT_FOUND"})
				return
			}
			writeJSON(w, http.StatusOK, p)
		})
		r.Post("/cancel", func(w http.ResponseWriter, req *http.Request) {
			var body idsBody
			_ = json.NewDecoder(req.Body).Decode(&body)
			fb.mu.Lock()
			fb.cancelled = append(fb.cancelled, body.IDs...)
			fb.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/delete", func(w http.ResponseWriter, req *http.Request) {
			http.Error(w, "backend exploded", http.StatusInternalServerError)
		})
		r.Post("/stage", http.NotFound)
	})
	return r
}

func newTestClient(t *testing.T, fb *fakeBackend) *Client {
	t.Helper()
	srv := httptest.NewServer(fb.router())
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", WithToken("secret"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestClient_GetProductions(t *testing.T) {
	fb := newFakeBackend(
		model.Production{ID: "p1", Name: "a", User: "bob", ProcessingStatus: model.InProgress(0.25)},
		model.Production{ID: "p2", Name: "b", User: "eve", ProcessingStatus: model.Completed()},
	)
	c := newTestClient(t, fb)

	ps, err := c.GetProductions(context.Background(), "user=bob")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "p1", ps[0].ID)
	assert.Equal(t, model.StateInProgress, ps[0].ProcessingStatus.State)
	assert.InDelta(t, 0.25, ps[0].ProcessingStatus.Progress, 1e-9)
	assert.Equal(t, "Bearer secret", fb.lastAuth)
	assert.Equal(t, "user=bob", fb.lastFilter)
}

func TestClient_GetProductionNotFound(t *testing.T) {
	c := newTestClient(t, newFakeBackend())

	_, err := c.GetProduction(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "NOT_FOUND", ae.Code)
	assert.Equal(t, "no such production", ae.Message)
}

func TestClient_OrderProduction(t *testing.T) {
	c := newTestClient(t, newFakeBackend())

	res, err := c.OrderProduction(context.Background(), &model.ProductionRequest{
		ProductionType: "L2",
		UserName:       "bob",
		Parameters:     map[string]string{"productionName": "my l2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new", res.Production.ID)
	assert.Equal(t, "my l2", res.Production.Name)
	assert.Equal(t, "queued", res.Message)

	_, err = c.OrderProduction(context.Background(), &model.ProductionRequest{UserName: "bob"})
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnprocessableEntity, ae.StatusCode())
	assert.False(t, IsNotFound(err))
}

func TestClient_ActionsAndPlainTextErrors(t *testing.T) {
	fb := newFakeBackend()
	c := newTestClient(t, fb)

	require.NoError(t, c.CancelProductions(context.Background(), []string{"p1", "p2"}))
	assert.Equal(t, []string{"p1", "p2"}, fb.cancelled)

	err := c.DeleteProductions(context.Background(), []string{"p1"})
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.Status)
	assert.Equal(t, "backend exploded", ae.Message)

	// plain text 404 from a server without staging
	err = c.StageProductions(context.Background(), []string{"p1"})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, "404 page not found", ae.Message)
	assert.Empty(t, ae.Code)
	assert.True(t, IsNotFound(err))
}

func TestClient_WrongMethodIsNotNotFound(t *testing.T) {
	c := newTestClient(t, newFakeBackend())

	// the path matches /{id}, which only answers GET
	err := c.do(context.Background(), http.MethodPost, "productions/p1", nil, idsBody{IDs: []string{"p1"}}, nil)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusMethodNotAllowed, ae.Status)
	assert.False(t, IsNotFound(err))
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestStatusReporter(t *testing.T) {
	fb := newFakeBackend(model.Production{
		ID:               "p1",
		AutoStaging:      true,
		ProcessingStatus: model.Completed(),
		StagingStatus:    model.InProgress(0.5),
	})
	c := newTestClient(t, fb)
	ctx := context.Background()

	ws, err := StatusReporter(c, "p1", Processing).FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, ws.State)

	ws, err = StatusReporter(c, "p1", Staging).FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, ws.State)

	ws, err = StatusReporter(c, "gone", Processing).FetchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, ws.State)
	assert.True(t, ws.IsDone())
}
