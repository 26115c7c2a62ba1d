package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, UserAgent: "archiver-test/1.0"})
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "   "})
	require.Error(t, err)
}

func TestSearchParsesAreas(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/area/search", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "castle", r.PostFormValue("term"))
		require.Equal(t, "archiver-test/1.0", r.UserAgent())

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"areas":[{"name":"castle","id":"c1"},{"name":"castle ruins","id":"c2"}],"ownPrivateAreas":[]}`))
	})

	areas, err := c.Search(context.Background(), "castle")
	require.NoError(t, err)
	require.Len(t, areas, 2)
	require.Equal(t, "castle", areas[0].Name)
	require.Equal(t, "c1", areas[0].RawID)
}

func TestSearchMissingAreasField(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ownPrivateAreas":[]}`))
	})

	_, err := c.Search(context.Background(), "castle")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing areas field")
}

func TestSearchAreasNotAList(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"areas":"nope"}`))
	})

	_, err := c.Search(context.Background(), "castle")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a list")
}

func TestSearchServiceError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	})

	_, err := c.Search(context.Background(), "castle")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")
}

func TestSearchUnexpectedStatus(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Search(context.Background(), "castle")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 502")
}

func TestSearchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	srv.Close()

	_, err = c.Search(context.Background(), "castle")
	require.Error(t, err)
}

func TestResolveIdentifiersCarriesFullPayload(t *testing.T) {
	t.Parallel()

	body := `{"id":"castle-1","key":"k1","description":"a drafty keep"}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/area/load", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "raw-castle", r.PostFormValue("areaId"))
		require.Equal(t, "false", r.PostFormValue("forceRefresh"))
		_, _ = w.Write([]byte(body))
	})

	res, err := c.ResolveIdentifiers(context.Background(), "raw-castle", false)
	require.NoError(t, err)
	require.Equal(t, "castle-1", res.ID)
	require.Equal(t, "k1", res.Key)
	require.JSONEq(t, body, string(res.Payload))
}

func TestResolveIdentifiersMissingID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"key":"k1"}`))
	})

	_, err := c.ResolveIdentifiers(context.Background(), "raw-castle", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no id")
}

func TestResolveIdentifiersServiceError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"area is locked"}`))
	})

	_, err := c.ResolveIdentifiers(context.Background(), "raw-castle", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "area is locked")
}

func TestDiscoverChildrenParsesSubAreas(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/area/subareas", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "castle-1", r.PostFormValue("areaId"))
		_, _ = w.Write([]byte(`{"sub_areas":[{"name":"cellar","id":"s1","key":"ks"},{"name":"tower","id":"s2"}]}`))
	})

	children, err := c.DiscoverChildren(context.Background(), "castle-1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "cellar", children[0].Name)
	require.Equal(t, "s1", children[0].ID)
	require.Equal(t, "ks", children[0].Key)
	require.False(t, children[0].IsSubItem, "flags are assigned at enqueue time, not here")
}

func TestDiscoverChildrenEmptyListIsValid(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sub_areas":[]}`))
	})

	children, err := c.DiscoverChildren(context.Background(), "castle-1")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestDiscoverChildrenMalformedBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := c.DiscoverChildren(context.Background(), "castle-1")
	require.Error(t, err)

	var syntaxErr *json.SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
}
