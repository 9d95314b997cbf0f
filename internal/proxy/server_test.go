package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-radio-proxy/internal/cache"
	"github.com/iTrooz/offline-radio-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-radio-proxy/internal/config"
	"github.com/iTrooz/offline-radio-proxy/internal/interceptor"
)

func testConfig(t *testing.T, origin string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Folder = t.TempDir()
	cfg.Offline.Origin = origin
	return &cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t, "https://relayradio.example")

	s, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, s.GetProxy())
	assert.Nil(t, s.Interceptor())
}

func TestNewInvalidTimeout(t *testing.T) {
	cfg := testConfig(t, "https://relayradio.example")
	cfg.Server.UpstreamTimeout = "soon"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestInitInstallsAndActivates(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("resource " + r.URL.Path))
	}))
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Cache.Folder, "relayradio-v1"), 0755))

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()

	require.NotNil(t, s.Interceptor())
	assert.Equal(t, interceptor.StateActivated, s.Interceptor().State())

	_, err = os.Stat(filepath.Join(cfg.Cache.Folder, "relayradio-v1"))
	assert.True(t, os.IsNotExist(err), "stale version should be purged")
}

// storeOfflineDocument leaves the offline document of cfg in the disk cache,
// as a previous run would have
func storeOfflineDocument(t *testing.T, cfg *config.Config) {
	t.Helper()
	bucket, err := httpcache.New(cache.NewDisk(cfg.Cache.Folder)).Open(cfg.Cache.Version)
	require.NoError(t, err)
	offlineURL, err := cfg.OfflineURL()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, offlineURL, nil)
	require.NoError(t, err)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("<html>offline</html>")),
	}
	require.NoError(t, bucket.Put(req, resp))
}

func TestInitResumesStoredVersion(t *testing.T) {
	// Nothing listens on port 1, so install fails
	cfg := testConfig(t, "https://127.0.0.1:1")
	storeOfflineDocument(t, cfg)

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()

	require.NotNil(t, s.Interceptor())
	assert.Equal(t, interceptor.StateActivated, s.Interceptor().State())
}

func TestInitIgnoresIncompleteStoredVersion(t *testing.T) {
	cfg := testConfig(t, "https://127.0.0.1:1")
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Cache.Folder, cfg.Cache.Version), 0755))

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()

	assert.Nil(t, s.Interceptor(), "a version without the offline document is not resumed")
}

func TestInitWithoutStoredVersion(t *testing.T) {
	cfg := testConfig(t, "https://127.0.0.1:1")

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()

	assert.Nil(t, s.Interceptor())
	entries, err := os.ReadDir(cfg.Cache.Folder)
	require.NoError(t, err)
	assert.Empty(t, entries, "the failed install removes the version it created")

	// Without an interceptor every request goes through untouched
	req := httptest.NewRequest(http.MethodGet, "http://relayradio.example/app.js", nil)
	gotReq, resp := s.handleRequest(req, nil)
	assert.Same(t, req, gotReq)
	assert.Nil(t, resp)
}

func TestReloadSupersedesPreviousVersion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("resource"))
	}))
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()
	first := s.Interceptor()

	next := *cfg
	next.Cache.Version = "relayradio-v3"
	require.NoError(t, s.Reload(context.Background(), &next))

	assert.Equal(t, interceptor.StateRedundant, first.State())
	assert.Equal(t, "relayradio-v3", s.Interceptor().Version())

	entries, err := os.ReadDir(cfg.Cache.Folder)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "relayradio-v3", entries[0].Name())
}

func TestReloadWithCacheWriteInFlight(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow.js" {
			_, _ = w.Write([]byte("first half, "))
			w.(http.Flusher).Flush()
			<-release
			_, _ = w.Write([]byte("second half"))
			return
		}
		_, _ = w.Write([]byte("resource"))
	}))
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	s, err := New(cfg)
	require.NoError(t, err)
	s.GetProxy().Tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()
	first := s.Interceptor()
	require.Equal(t, interceptor.StateActivated, first.State())

	// The response comes back while its body is still being sent
	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/slow.js", nil)
	require.NoError(t, err)
	_, resp := s.handleRequest(req, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	next := *cfg
	next.Cache.Version = "relayradio-v3"
	require.NoError(t, s.Reload(context.Background(), &next))

	close(release)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "first half, second half", string(body))
	require.NoError(t, first.Close())

	entries, err := os.ReadDir(cfg.Cache.Folder)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the purged version must not come back")
	assert.Equal(t, "relayradio-v3", entries[0].Name())
}

func TestReloadFailureKeepsCurrent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("resource"))
	}))
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()
	first := s.Interceptor()

	next := *cfg
	next.Cache.Version = "relayradio-v3"
	next.Offline.Origin = "https://127.0.0.1:1"
	assert.Error(t, s.Reload(context.Background(), &next))

	assert.Same(t, first, s.Interceptor())
	assert.Equal(t, interceptor.StateActivated, first.State())
}

func TestCertStoreCachesPerHost(t *testing.T) {
	store := newCertStore()
	calls := 0
	gen := func() (*tls.Certificate, error) {
		calls++
		return &tls.Certificate{}, nil
	}

	a, err := store.Fetch("radiojar.com", gen)
	require.NoError(t, err)
	b, err := store.Fetch("radiojar.com", gen)
	require.NoError(t, err)
	_, err = store.Fetch("relayradio.example", gen)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, calls)
}
