package client

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/ccsched/internal/httpapi"
	"github.com/jaakkos/ccsched/internal/store/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "client_test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := httptest.NewServer(httpapi.New(st, nil, zerolog.Nop()).Handler())
	t.Cleanup(ts.Close)
	return ts, New(ts.URL)
}

func TestClient_SubmitListGetEditDelete(t *testing.T) {
	_, c := newTestServer(t)

	id, err := c.Submit("example", "do it", "/work", nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "example", list[0].Name)

	task, err := c.Get(id)
	require.NoError(t, err)
	require.Equal(t, "do it", task.Prompt)

	require.NoError(t, c.Rename(id, "renamed"))
	task, err = c.Get(id)
	require.NoError(t, err)
	require.Equal(t, "renamed", task.Name)

	require.NoError(t, c.Edit(id, "new prompt"))
	task, err = c.Get(id)
	require.NoError(t, err)
	require.Equal(t, "new prompt", task.Prompt)

	require.NoError(t, c.Delete(id))
	_, err = c.Get(id)
	require.Error(t, err)
}

func TestClient_Healthz(t *testing.T) {
	_, c := newTestServer(t)
	require.NoError(t, c.Healthz())
}

func TestClient_GetBySession_NotFound(t *testing.T) {
	_, c := newTestServer(t)
	_, err := c.GetBySession("does-not-exist")
	require.Error(t, err)
}
