package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/offline-radio-proxy/internal/cache"
)

var (
	// ErrNotCacheable is returned when storing a response for a non-GET request
	ErrNotCacheable = errors.New("only GET requests can be cached")
	// ErrBadStatus is returned by AddAll when a fetched resource is not a 2xx
	ErrBadStatus = errors.New("unexpected response status")
)

// FetchFunc performs a network request on behalf of AddAll
type FetchFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// HTTPCache exposes a versioned store as named buckets of HTTP responses
type HTTPCache struct {
	cache cache.GenericCache
}

func New(cache cache.GenericCache) *HTTPCache {
	return &HTTPCache{
		cache: cache,
	}
}

// Open returns the bucket for version, creating it if absent
func (d *HTTPCache) Open(version string) (*Bucket, error) {
	if err := d.cache.Create(version); err != nil {
		return nil, fmt.Errorf("failed to open cache version %s: %w", version, err)
	}
	return &Bucket{cache: d.cache, version: version}, nil
}

// Versions lists every stored version name
func (d *HTTPCache) Versions() ([]string, error) {
	return d.cache.Versions()
}

// Delete removes version with all of its entries
func (d *HTTPCache) Delete(version string) (bool, error) {
	return d.cache.Delete(version)
}

// keyMarker starts every name GenerateKey makes up itself. A lone '%' is never
// part of an escaped URL path, so made-up names cannot clash with path segments.
const keyMarker = "%"

// GenerateKey derives the storage key of a request identity (method and URL).
// Layout: scheme/host/<escaped path segments>/%!METHOD[_q<queryhash>].bin
//
// Every distinct escaped path gets its own key: a trailing slash is kept as an
// empty segment ("%"), and escaped slashes stay inside their segment.
func GenerateKey(request *http.Request) (string, error) {
	if request.URL == nil || request.URL.Host == "" {
		return "", fmt.Errorf("request URL must be absolute")
	}

	host := request.URL.Host
	switch {
	case request.URL.Scheme == "http":
		host = strings.TrimSuffix(host, ":80")
	case request.URL.Scheme == "https":
		host = strings.TrimSuffix(host, ":443")
	}
	host = strings.ReplaceAll(host, ":", "_")

	pathParts := []string{request.URL.Scheme, host}

	escaped := request.URL.EscapedPath()
	if escaped != "" && escaped != "/" {
		for _, segment := range strings.Split(strings.TrimPrefix(escaped, "/"), "/") {
			switch segment {
			case "", ".", "..":
				segment = keyMarker + segment
			}
			pathParts = append(pathParts, segment)
		}
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	filename := keyMarker + "!" + method
	if request.URL.RawQuery != "" {
		filename += "_q" + strconv.FormatUint(xxhash.Sum64String(request.URL.RawQuery), 16)
	}
	filename += ".bin"

	pathParts = append(pathParts, filename)

	return filepath.Join(pathParts...), nil
}

func isGet(request *http.Request) bool {
	return request.Method == "" || request.Method == http.MethodGet
}

// Bucket is one cache version
type Bucket struct {
	cache   cache.GenericCache
	version string
}

func (b *Bucket) Version() string {
	return b.version
}

// Put stores resp under the identity of request, consuming its body
func (b *Bucket) Put(request *http.Request, resp *http.Response) error {
	if !isGet(request) {
		return ErrNotCacheable
	}
	cacheKey, err := GenerateKey(request)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	if err := b.cache.Set(b.version, cacheKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Match returns the stored response for request, or nil, nil on a miss
func (b *Bucket) Match(request *http.Request) (*http.Response, error) {
	if !isGet(request) {
		return nil, nil
	}
	cacheKey, err := GenerateKey(request)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	data, err := b.cache.Get(b.version, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	// Associate the original request with the response
	resp.Request = request

	logrus.Debugf("Cache hit for %s %s", request.Method, request.URL.String())
	return resp, nil
}

// MatchURL is Match for a GET of rawURL
func (b *Bucket) MatchURL(ctx context.Context, rawURL string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return b.Match(request)
}

// AddAll fetches every URL in parallel and stores all responses in one batch.
// Nothing is stored unless every fetch succeeded with a 2xx status.
func (b *Bucket) AddAll(ctx context.Context, urls []string, fetch FetchFunc) error {
	keys := make([]string, len(urls))
	snapshots := make([][]byte, len(urls))

	g, ctx := errgroup.WithContext(ctx)
	for i, rawURL := range urls {
		g.Go(func() error {
			request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return fmt.Errorf("invalid precache URL %s: %w", rawURL, err)
			}
			key, err := GenerateKey(request)
			if err != nil {
				return fmt.Errorf("failed to generate cache key for %s: %w", rawURL, err)
			}

			resp, err := fetch(ctx, request)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", rawURL, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				_ = resp.Body.Close()
				return fmt.Errorf("failed to fetch %s: %w: %d", rawURL, ErrBadStatus, resp.StatusCode)
			}

			data, err := Serialize(resp)
			if err != nil {
				return fmt.Errorf("failed to serialize %s: %w", rawURL, err)
			}
			keys[i] = key
			snapshots[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	entries := make(map[string][]byte, len(urls))
	for i := range urls {
		entries[keys[i]] = snapshots[i]
	}
	if err := b.cache.SetMany(b.version, entries); err != nil {
		return fmt.Errorf("failed to store precached responses: %w", err)
	}

	logrus.Debugf("Precached %d resources in %s", len(entries), b.version)
	return nil
}
