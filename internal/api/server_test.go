package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/queue"
)

type stubResolver struct {
	hits      []archive.DiscoveredArea
	searchErr error
}

func (r *stubResolver) Search(context.Context, string) ([]archive.DiscoveredArea, error) {
	return r.hits, r.searchErr
}

func (r *stubResolver) ResolveIdentifiers(_ context.Context, rawID string, _ bool) (archive.Resolution, error) {
	return archive.Resolution{ID: rawID}, nil
}

func (r *stubResolver) DiscoverChildren(context.Context, string) ([]archive.QueueEntry, error) {
	return nil, nil
}

type stubRecorder struct{}

func (stubRecorder) Setup(context.Context) error { return nil }

func (stubRecorder) RecordSuccess(context.Context, archive.SuccessRecord) error { return nil }

func (stubRecorder) RecordFailure(context.Context, archive.FailureRecord) error { return nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

func newTestServer(res *stubResolver) (*Server, *queue.Manager) {
	q := queue.NewManager(nil, res, stubRecorder{}, fixedClock{}, zap.NewNop())
	return NewServer(q, zap.NewNop()), q
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(&stubResolver{})
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, path)
		require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	}
}

func TestSubmitSearchEnqueues(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(&stubResolver{
		hits: []archive.DiscoveredArea{
			{Name: "castle", RawID: "c1"},
			{Name: "harbor", RawID: "h1"},
		},
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/searches", strings.NewReader(`{"term":"castle"}`))
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "castle", body["term"])
	require.EqualValues(t, 2, body["queue_depth"])
	require.Equal(t, 2, q.Len())
}

func TestSubmitSearchMissingTerm(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(&stubResolver{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/searches", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitSearchUpstreamFailure(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(&stubResolver{searchErr: errors.New("service down")})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/searches", strings.NewReader(`{"term":"castle"}`))
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, decodeBody(t, rr)["error"], "service down")
	require.Zero(t, q.Len())
}

func TestSubmitEntries(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(&stubResolver{})
	payload := `[{"name":"castle","id":"c1"},{"name":"harbor","id":"h1","key":"k"}]`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/entries", strings.NewReader(payload))
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	body := decodeBody(t, rr)
	require.EqualValues(t, 2, body["accepted"])
	require.Equal(t, 2, q.Len())
}

func TestSubmitEntriesInvalidJSON(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(&stubResolver{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/entries", strings.NewReader(`{"not":"a list"}`))
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(&stubResolver{})
	q.SubmitExplicit([]archive.QueueEntry{{Name: "castle", ID: "c1"}})
	q.MarkFailed("harbor")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.EqualValues(t, 1, body["queue_depth"])
	require.EqualValues(t, 1, body["failed_names"])
}
