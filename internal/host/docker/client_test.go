package docker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentpool/internal/common/logger"
)

type closeRecorder struct{ closed int }

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, closer io.Closer) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(logger.NewNop(), closer, client.WithHost(srv.URL), client.WithVersion("1.45"))
	require.NoError(t, err)
	return c
}

func TestList_FiltersByPrefix(t *testing.T) {
	var gotFilters string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/containers/json"))
		gotFilters = r.URL.Query().Get("filters")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"Id": "1", "Names": []string{"/local-abc"}, "State": "running", "Labels": map[string]string{LabelHost: "h1"}},
			{"Id": "2", "Names": []string{"/other-local-abc"}, "State": "exited"},
		})
	}, nil)

	got, err := c.List(context.Background(), Filter{NamePrefix: "local-", Labels: map[string]string{LabelHost: "h1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "local-abc", got[0].Name)
	assert.True(t, got[0].Running())
	assert.Contains(t, gotFilters, LabelHost+"=h1")
}

func TestDelete_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"No such container: gone"}`))
	}, nil)

	err := c.Delete(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose_ClosesTunnel(t *testing.T) {
	rec := &closeRecorder{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, rec)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, rec.closed)
}
