package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
	"github.com/nanjiek/pixiu-rcu/internal/registry"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "sentinel-logs")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := InitSentinel("pixiu-rcu-test", dir); err != nil {
		fmt.Fprintln(os.Stderr, "sentinel init:", err)
		os.Exit(1)
	}
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func newTestServer(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()
	reg := registry.New(&config.Config{}, nil)
	srv := httptest.NewServer(NewServer(config.ServerCfg{}, reg, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
	})
	return reg, srv
}

func do(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestEntryLifecycle(t *testing.T) {
	_, srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/v1/entries/svc/a", `{"value":{"timeoutMs":300},"labels":{"env":"prod"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := decode[config.Entry](t, resp)
	assert.Equal(t, "svc/a", saved.Key)
	assert.Equal(t, uint64(1), saved.Revision)

	resp = do(t, http.MethodGet, srv.URL+"/v1/entries/svc/a", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[config.Entry](t, resp)
	assert.Equal(t, map[string]any{"timeoutMs": float64(300)}, got.Value)
	assert.Equal(t, "prod", got.Labels["env"])

	resp = do(t, http.MethodDelete, srv.URL+"/v1/entries/svc/a", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/entries/svc/a", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/v1/entries/svc/a", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutRejectsBadInput(t *testing.T) {
	_, srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/v1/entries/svc/a", `{"value":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/v1/entries/%20padded", `{"value":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, http.StatusBadRequest, body.Code)
}

func TestListByPrefix(t *testing.T) {
	reg, srv := newTestServer(t)
	for _, k := range []string{"svc/b", "svc/a", "db/x"} {
		_, err := reg.Upsert(context.Background(), config.Entry{Key: k, Value: k})
		require.NoError(t, err)
	}

	resp := do(t, http.MethodGet, srv.URL+"/v1/entries?prefix=svc/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[CatalogResponse](t, resp)
	assert.Equal(t, uint64(3), body.Revision)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "svc/a", body.Entries[0].Key)
	assert.Equal(t, "svc/b", body.Entries[1].Key)
}

func TestSnapshotETag(t *testing.T) {
	reg, srv := newTestServer(t)
	_, err := reg.Upsert(context.Background(), config.Entry{Key: "a", Value: 1})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, srv.URL+"/v1/snapshot", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	assert.Equal(t, `"1"`, etag)

	resp = do(t, http.MethodGet, srv.URL+"/v1/snapshot", "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	_, err = reg.Upsert(context.Background(), config.Entry{Key: "b", Value: 2})
	require.NoError(t, err)
	resp = do(t, http.MethodGet, srv.URL+"/v1/snapshot", "", map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[CatalogResponse](t, resp)
	assert.Len(t, body.Entries, 2)
}

func TestSnapshotYAML(t *testing.T) {
	reg, srv := newTestServer(t)
	_, err := reg.Upsert(context.Background(), config.Entry{Key: "a", Value: "hello"})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, srv.URL+"/v1/snapshot?format=yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	var body CatalogResponse
	require.NoError(t, yaml.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, uint64(1), body.Revision)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "hello", body.Entries[0].Value)
}

func TestStatsAndHealth(t *testing.T) {
	reg, srv := newTestServer(t)
	_, err := reg.Upsert(context.Background(), config.Entry{Key: "a", Value: 1})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, srv.URL+"/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[registry.Stats](t, resp)
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(1), st.Live)
	assert.Equal(t, 1, st.Entries)

	resp = do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteGuardRejectsBurst(t *testing.T) {
	require.NoError(t, LoadGuardRules(config.GuardCfg{WriteQPS: 1}))
	t.Cleanup(func() { _ = LoadGuardRules(config.GuardCfg{}) })
	_, srv := newTestServer(t)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		resp := do(t, http.MethodPut, srv.URL+"/v1/entries/k", `{"value":1}`, nil)
		codes[resp.StatusCode]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])

	// reads are guarded separately
	resp := do(t, http.MethodGet, srv.URL+"/v1/entries/k", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveFallsBackToParent(t *testing.T) {
	reg, srv := newTestServer(t)
	_, err := reg.Upsert(context.Background(), config.Entry{Key: "svc/login", Value: 300})
	require.NoError(t, err)

	resp := do(t, http.MethodGet, srv.URL+"/v1/resolve/svc/login/eu", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "svc/login", decode[config.Entry](t, resp).Key)

	resp = do(t, http.MethodGet, srv.URL+"/v1/resolve/db/x", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
