package httpcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-radio-proxy/internal/cache"
)

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"text/html"}},
	}
}

func newRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	require.NoError(t, err)
	return req
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name      string
		targetURL string
		method    string
		want      string
	}{
		{
			name:      "simple URL",
			targetURL: "https://example.com/api/users",
			method:    "GET",
			want:      filepath.Join("https", "example.com", "api", "users", "%!GET.bin"),
		},
		{
			name:      "default port stripped",
			targetURL: "https://example.com:443/",
			method:    "GET",
			want:      filepath.Join("https", "example.com", "%!GET.bin"),
		},
		{
			name:      "trailing slash kept",
			targetURL: "https://example.com/station/",
			method:    "GET",
			want:      filepath.Join("https", "example.com", "station", "%", "%!GET.bin"),
		},
		{
			name:      "escaped slash kept in its segment",
			targetURL: "https://example.com/a%2Fb",
			method:    "GET",
			want:      filepath.Join("https", "example.com", "a%2Fb", "%!GET.bin"),
		},
		{
			name:      "custom port kept",
			targetURL: "http://127.0.0.1:8081/favicon.ico",
			method:    "GET",
			want:      filepath.Join("http", "127.0.0.1_8081", "favicon.ico", "%!GET.bin"),
		},
		{
			name:      "dot segments cannot escape",
			targetURL: "https://example.com/a/../../etc/passwd",
			method:    "GET",
			want:      filepath.Join("https", "example.com", "a", "%..", "%..", "etc", "passwd", "%!GET.bin"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GenerateKey(newRequest(t, tt.method, tt.targetURL))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateKeyQuery(t *testing.T) {
	a, err := GenerateKey(newRequest(t, "GET", "https://example.com/users?page=1"))
	require.NoError(t, err)
	b, err := GenerateKey(newRequest(t, "GET", "https://example.com/users?page=2"))
	require.NoError(t, err)
	plain, err := GenerateKey(newRequest(t, "GET", "https://example.com/users"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, plain)
	assert.True(t, strings.HasSuffix(filepath.Base(a), ".bin"))
	assert.True(t, strings.HasPrefix(filepath.Base(a), "%!GET_q"))
}

func TestGenerateKeyDistinctURLs(t *testing.T) {
	pairs := [][2]string{
		{"https://example.com/station", "https://example.com/station/"},
		{"https://example.com/a%2Fb", "https://example.com/a/b"},
		{"https://example.com/", "https://example.com/GET.bin"},
		{"https://example.com/", "https://example.com/%25!GET.bin"},
		{"https://example.com/a/./b", "https://example.com/a/b"},
		{"https://example.com//a", "https://example.com/a"},
	}

	for _, pair := range pairs {
		t.Run(pair[0]+" "+pair[1], func(t *testing.T) {
			a, err := GenerateKey(newRequest(t, "GET", pair[0]))
			require.NoError(t, err)
			b, err := GenerateKey(newRequest(t, "GET", pair[1]))
			require.NoError(t, err)
			assert.NotEqual(t, a, b)
		})
	}
}

func TestDistinctURLsStoredSideBySide(t *testing.T) {
	caches := New(cache.NewDisk(t.TempDir()))
	bucket, err := caches.Open("v1")
	require.NoError(t, err)

	urls := []string{
		"https://example.com/",
		"https://example.com/GET.bin",
		"https://example.com/station",
		"https://example.com/station/",
		"https://example.com/a%2Fb",
		"https://example.com/a/b",
	}
	for _, u := range urls {
		require.NoError(t, bucket.Put(newRequest(t, "GET", u), newResponse(http.StatusOK, "body of "+u)), u)
	}

	for _, u := range urls {
		resp, err := bucket.Match(newRequest(t, "GET", u))
		require.NoError(t, err)
		require.NotNil(t, resp, u)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "body of "+u, string(body))
	}
}

func TestGenerateKeySchemeIsPartOfIdentity(t *testing.T) {
	secure, err := GenerateKey(newRequest(t, "GET", "https://example.com/a"))
	require.NoError(t, err)
	insecure, err := GenerateKey(newRequest(t, "GET", "http://example.com/a"))
	require.NoError(t, err)
	assert.NotEqual(t, secure, insecure)
}

func TestGenerateKeyRelativeURL(t *testing.T) {
	req := &http.Request{Method: "GET", URL: mustParse(t, "/only/path")}
	_, err := GenerateKey(req)
	assert.Error(t, err)
}

func TestPutAndMatch(t *testing.T) {
	httpCache := New(cache.NewMemory())
	bucket, err := httpCache.Open("relayradio-v2")
	require.NoError(t, err)

	req := newRequest(t, "GET", "https://example.com/fonts/inter.woff2")
	resp := newResponse(http.StatusOK, "font bytes")
	resp.Header.Set("X-Custom", "kept")

	require.NoError(t, bucket.Put(req, resp))

	cached, err := bucket.Match(req)
	require.NoError(t, err)
	require.NotNil(t, cached)
	defer func() { _ = cached.Body.Close() }()

	body, err := io.ReadAll(cached.Body)
	require.NoError(t, err)
	assert.Equal(t, "font bytes", string(body))
	assert.Equal(t, http.StatusOK, cached.StatusCode)
	assert.Equal(t, "text/html", cached.Header.Get("Content-Type"))
	assert.Equal(t, "kept", cached.Header.Get("X-Custom"))
	assert.Same(t, req, cached.Request)
}

func TestPutOverwrites(t *testing.T) {
	store := cache.NewMemory()
	bucket, err := New(store).Open("v1")
	require.NoError(t, err)

	req := newRequest(t, "GET", "https://example.com/app.css")
	require.NoError(t, bucket.Put(req, newResponse(http.StatusOK, "one")))
	require.NoError(t, bucket.Put(req, newResponse(http.StatusOK, "two")))

	assert.Equal(t, 1, store.Len("v1"))

	cached, err := bucket.Match(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(cached.Body)
	assert.Equal(t, "two", string(body))
}

func TestPutRejectsNonGet(t *testing.T) {
	bucket, err := New(cache.NewMemory()).Open("v1")
	require.NoError(t, err)

	req := newRequest(t, "POST", "https://example.com/api")
	err = bucket.Put(req, newResponse(http.StatusOK, "x"))
	assert.ErrorIs(t, err, ErrNotCacheable)

	cached, err := bucket.Match(req)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestMatchMiss(t *testing.T) {
	bucket, err := New(cache.NewMemory()).Open("v1")
	require.NoError(t, err)

	cached, err := bucket.Match(newRequest(t, "GET", "https://example.com/missing"))
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestVersionsAreIsolated(t *testing.T) {
	httpCache := New(cache.NewMemory())
	v1, err := httpCache.Open("v1")
	require.NoError(t, err)
	v2, err := httpCache.Open("v2")
	require.NoError(t, err)

	req := newRequest(t, "GET", "https://example.com/a")
	require.NoError(t, v1.Put(req, newResponse(http.StatusOK, "old")))

	cached, err := v2.Match(req)
	require.NoError(t, err)
	assert.Nil(t, cached)

	versions, err := httpCache.Versions()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, versions)

	deleted, err := httpCache.Delete("v1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestAddAll(t *testing.T) {
	store := cache.NewMemory()
	bucket, err := New(store).Open("v1")
	require.NoError(t, err)

	urls := []string{"https://radio.example/offline.html", "https://radio.example/favicon.ico"}
	fetch := func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return newResponse(http.StatusOK, "content of "+req.URL.Path), nil
	}

	require.NoError(t, bucket.AddAll(context.Background(), urls, fetch))
	assert.Equal(t, 2, store.Len("v1"))

	cached, err := bucket.MatchURL(context.Background(), "https://radio.example/offline.html")
	require.NoError(t, err)
	require.NotNil(t, cached)
	body, _ := io.ReadAll(cached.Body)
	assert.Equal(t, "content of /offline.html", string(body))
}

func TestAddAllIsAllOrNothing(t *testing.T) {
	urls := []string{
		"https://radio.example/offline.html",
		"https://radio.example/favicon.ico",
		"https://radio.example/icons/icon-192x192.png",
	}

	tests := []struct {
		name    string
		fail    func(req *http.Request) (*http.Response, error)
		wantErr error
	}{
		{
			name: "network error",
			fail: func(req *http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
		},
		{
			name: "not found",
			fail: func(req *http.Request) (*http.Response, error) {
				return newResponse(http.StatusNotFound, "missing"), nil
			},
			wantErr: ErrBadStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := cache.NewMemory()
			bucket, err := New(store).Open("v1")
			require.NoError(t, err)

			var calls atomic.Int32
			fetch := func(ctx context.Context, req *http.Request) (*http.Response, error) {
				calls.Add(1)
				if req.URL.Path == "/favicon.ico" {
					return tt.fail(req)
				}
				return newResponse(http.StatusOK, "ok"), nil
			}

			err = bucket.AddAll(context.Background(), urls, fetch)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, 0, store.Len("v1"))
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	resp := newResponse(http.StatusNotFound, "gone")
	resp.Header.Add("Set-Cookie", "a=1")
	resp.Header.Add("Set-Cookie", "b=2")

	data, err := Serialize(resp)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), PREFIX))

	back, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, back.StatusCode)
	assert.Equal(t, []string{"a=1", "b=2"}, back.Header.Values("Set-Cookie"))
	body, _ := io.ReadAll(back.Body)
	assert.Equal(t, "gone", string(body))
}

func TestDeserializeInvalid(t *testing.T) {
	_, err := Deserialize([]byte("short"))
	assert.Error(t, err)
}

func mustParse(t *testing.T, rawURL string) *url.URL {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u
}
