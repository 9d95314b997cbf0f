// Package interceptor decides, for every proxied request, whether it is served
// from network, from the offline cache, left alone, or has its redirect upgraded.
//
// An Interceptor owns one cache version and goes through the lifecycle
// new -> installing -> installed -> activating -> activated -> redundant.
// It only handles traffic while activated.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iTrooz/offline-radio-proxy/internal/cache"
	"github.com/iTrooz/offline-radio-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-radio-proxy/internal/config"
)

var (
	// ErrNotActive is returned by Fetch before activation or after being superseded
	ErrNotActive = errors.New("interceptor is not active")
	// ErrNotHandled tells the caller to forward the request with default handling
	ErrNotHandled = errors.New("request not handled by interceptor")
	// ErrOfflineUnavailable is returned when a navigation fails and no offline document is stored
	ErrOfflineUnavailable = errors.New("offline document unavailable")
)

var tracer = otel.Tracer("github.com/iTrooz/offline-radio-proxy/internal/interceptor")

// CacheHeader marks responses served from the cache store
const CacheHeader = "X-Cache"

type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Options is the immutable configuration of an Interceptor
type Options struct {
	Version      string
	OfflineURL   string
	PrecacheURLs []string
	Classifier   *Classifier
}

// OptionsFromConfig resolves the interceptor options from the application config
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	offlineURL, err := cfg.OfflineURL()
	if err != nil {
		return Options{}, err
	}
	precache, err := cfg.PrecacheURLs()
	if err != nil {
		return Options{}, err
	}
	origin, err := cfg.SiteOrigin()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Version:      cfg.Cache.Version,
		OfflineURL:   offlineURL,
		PrecacheURLs: precache,
		Classifier:   NewClassifier(origin, cfg.Matchers),
	}, nil
}

type Interceptor struct {
	opts    Options
	caches  *httpcache.HTTPCache
	fetcher Fetcher

	bucket *httpcache.Bucket
	state  atomic.Int32

	writesMu sync.Mutex
	closed   bool
	writes   sync.WaitGroup
}

func New(opts Options, caches *httpcache.HTTPCache, fetcher Fetcher) *Interceptor {
	return &Interceptor{
		opts:    opts,
		caches:  caches,
		fetcher: fetcher,
	}
}

func (i *Interceptor) Version() string {
	return i.opts.Version
}

func (i *Interceptor) State() State {
	return State(i.state.Load())
}

func (i *Interceptor) transition(from, to State) error {
	if !i.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("interceptor %s: cannot go from %s to %s", i.opts.Version, i.State(), to)
	}
	return nil
}

// Install opens the cache version and precaches every resource. Nothing is
// stored unless all of them were fetched; on failure the interceptor is redundant.
func (i *Interceptor) Install(ctx context.Context) error {
	if err := i.transition(StateNew, StateInstalling); err != nil {
		return err
	}
	logrus.Infof("Installing cache version %s (%d precached resources)", i.opts.Version, len(i.opts.PrecacheURLs))

	versions, err := i.caches.Versions()
	if err != nil {
		i.state.Store(int32(StateRedundant))
		return fmt.Errorf("install %s: %w", i.opts.Version, err)
	}
	existed := slices.Contains(versions, i.opts.Version)

	bucket, err := i.caches.Open(i.opts.Version)
	if err != nil {
		i.state.Store(int32(StateRedundant))
		return fmt.Errorf("install %s: %w", i.opts.Version, err)
	}

	fetch := func(ctx context.Context, requ *http.Request) (*http.Response, error) {
		return i.fetcher.Fetch(ctx, requ, true)
	}
	if err := bucket.AddAll(ctx, i.opts.PrecacheURLs, fetch); err != nil {
		i.state.Store(int32(StateRedundant))
		// A version stored by a previous run stays resumable
		if !existed {
			if _, delErr := i.caches.Delete(i.opts.Version); delErr != nil {
				logrus.Warnf("Failed to remove incomplete cache version %s: %v", i.opts.Version, delErr)
			}
		}
		return fmt.Errorf("install %s: precache failed: %w", i.opts.Version, err)
	}

	i.bucket = bucket
	i.state.Store(int32(StateInstalled))
	return nil
}

// Activate deletes every cache version other than the current one. The
// interceptor becomes active even if some deletions failed; those errors are returned.
func (i *Interceptor) Activate(ctx context.Context) error {
	if err := i.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	_, err := PurgeStale(i.caches, i.opts.Version)

	i.state.Store(int32(StateActivated))
	logrus.Infof("Cache version %s is active", i.opts.Version)
	if err != nil {
		return fmt.Errorf("activate %s: %w", i.opts.Version, err)
	}
	return nil
}

// Resume activates the interceptor over a version stored by a previous run,
// skipping install. The stored entries are used as they are.
func (i *Interceptor) Resume() error {
	versions, err := i.caches.Versions()
	if err != nil {
		return fmt.Errorf("failed to list cache versions: %w", err)
	}
	if !slices.Contains(versions, i.opts.Version) {
		return fmt.Errorf("resume %s: %w", i.opts.Version, cache.ErrVersionNotFound)
	}

	bucket, err := i.caches.Open(i.opts.Version)
	if err != nil {
		return fmt.Errorf("resume %s: %w", i.opts.Version, err)
	}
	offline, err := bucket.MatchURL(context.Background(), i.opts.OfflineURL)
	if err != nil {
		return fmt.Errorf("resume %s: %w", i.opts.Version, err)
	}
	if offline == nil {
		return fmt.Errorf("resume %s: %w", i.opts.Version, ErrOfflineUnavailable)
	}
	_ = offline.Body.Close()

	if err := i.transition(StateNew, StateActivating); err != nil {
		return err
	}
	i.bucket = bucket
	i.state.Store(int32(StateActivated))
	return nil
}

// Supersede retires the interceptor once a newer one is active
func (i *Interceptor) Supersede() {
	if State(i.state.Swap(int32(StateRedundant))) != StateRedundant {
		logrus.Infof("Cache version %s superseded", i.opts.Version)
	}
}

// Close stops background cache writes: pending ones are waited for and later
// ones are dropped, so a purged version is never written again.
func (i *Interceptor) Close() error {
	i.writesMu.Lock()
	i.closed = true
	i.writesMu.Unlock()

	i.writes.Wait()
	return nil
}

// PurgeStale deletes every version except keep and returns the deleted names.
// Individual failures do not stop the others and are joined in the error.
func PurgeStale(caches *httpcache.HTTPCache, keep string) ([]string, error) {
	versions, err := caches.Versions()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache versions: %w", err)
	}

	var deleted []string
	var errs []error
	for _, name := range versions {
		if name == keep {
			continue
		}
		if _, err := caches.Delete(name); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete cache version %s: %w", name, err))
			continue
		}
		logrus.Infof("Deleted stale cache version %s", name)
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// Fetch handles one request according to its Action. ErrNotHandled means the
// caller must forward the request itself.
func (i *Interceptor) Fetch(ctx context.Context, requ *http.Request) (*http.Response, error) {
	if i.State() != StateActivated {
		return nil, ErrNotActive
	}

	action := i.opts.Classifier.Classify(requ)
	if action == ActionOutOfScope {
		return nil, ErrNotHandled
	}
	ctx, span := tracer.Start(ctx, "interceptor.Fetch", trace.WithAttributes(
		attribute.String("interceptor.action", action.String()),
		attribute.String("interceptor.version", i.opts.Version),
		attribute.String("http.url", requ.URL.String()),
	))
	defer span.End()

	logrus.Debugf("%s %s -> %s", requ.Method, requ.URL, action)

	var resp *http.Response
	var err error
	switch action {
	case ActionNavigate:
		resp, err = i.navigate(ctx, requ)
	case ActionUpgradeRedirect:
		resp, err = i.upgradeRedirect(ctx, requ)
	case ActionPassthrough:
		return nil, ErrNotHandled
	default:
		resp, err = i.networkFirst(ctx, requ)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Bool("interceptor.cache_hit", resp.Header.Get(CacheHeader) == "HIT"),
	)
	return resp, nil
}

// navigate leaves redirects to the browser so cookies and the address bar
// follow them
func (i *Interceptor) navigate(ctx context.Context, requ *http.Request) (*http.Response, error) {
	resp, err := i.fetcher.Fetch(ctx, requ, false)
	if err == nil {
		return resp, nil
	}

	logrus.Infof("Network unavailable for %s, serving offline document: %v", requ.URL, err)
	offline, matchErr := i.bucket.MatchURL(context.WithoutCancel(ctx), i.opts.OfflineURL)
	if matchErr != nil || offline == nil {
		return nil, fmt.Errorf("%w: %w", ErrOfflineUnavailable, errors.Join(err, matchErr))
	}
	offline.Header.Set(CacheHeader, "HIT")
	return offline, nil
}

func isRedirect(resp *http.Response) bool {
	return resp.StatusCode >= 300 && resp.StatusCode < 400
}

func (i *Interceptor) upgradeRedirect(ctx context.Context, requ *http.Request) (*http.Response, error) {
	resp, err := i.fetcher.Fetch(ctx, requ, false)
	if err != nil {
		return nil, err
	}
	if !isRedirect(resp) {
		return resp, nil
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return resp, nil
	}

	if strings.HasPrefix(location, "http://") {
		location = "https://" + strings.TrimPrefix(location, "http://")
		logrus.Debugf("Upgrading redirect of %s to %s", requ.URL, location)
	}
	target, err := requ.URL.Parse(location)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
	}

	next, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	_ = resp.Body.Close()
	return i.fetcher.Fetch(ctx, next, true)
}

func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (i *Interceptor) networkFirst(ctx context.Context, requ *http.Request) (*http.Response, error) {
	resp, err := i.fetcher.Fetch(ctx, requ, false)
	if err != nil {
		cached, matchErr := i.bucket.Match(requ)
		if matchErr != nil {
			logrus.Errorf("Failed to get cached data for %s: %v", requ.URL, matchErr)
		}
		if cached == nil {
			return nil, fmt.Errorf("fetch %s: %w", requ.URL, err)
		}
		logrus.Debugf("Network unavailable for %s, serving from cache", requ.URL)
		cached.Header.Set(CacheHeader, "HIT")
		return cached, nil
	}

	if isSuccess(resp) && requ.URL.Scheme == "https" && resp.Body != nil {
		i.cacheWhenRead(requ, resp)
	}
	return resp, nil
}

// cacheWhenRead stores a copy of resp once the client has read its body to
// the end. The response is returned without waiting for the body.
func (i *Interceptor) cacheWhenRead(requ *http.Request, resp *http.Response) {
	target := *requ.URL
	identity := &http.Request{Method: requ.Method, URL: &target, Header: http.Header{}}
	snapshot := *resp
	snapshot.Header = resp.Header.Clone()
	snapshot.Request = nil

	resp.Body = newTeeBody(resp.Body, maxCachedBody, func(body []byte) {
		snapshot.Body = io.NopCloser(bytes.NewReader(body))
		snapshot.ContentLength = int64(len(body))
		snapshot.TransferEncoding = nil
		i.putAsync(identity, &snapshot)
	})
}

// putAsync stores resp in the background. Failures are logged and dropped
func (i *Interceptor) putAsync(identity *http.Request, resp *http.Response) {
	i.writesMu.Lock()
	defer i.writesMu.Unlock()
	if i.closed {
		logrus.Debugf("Cache version %s is closed, not caching %s", i.opts.Version, identity.URL)
		return
	}

	bucket := i.bucket
	i.writes.Add(1)
	go func() {
		defer i.writes.Done()
		if err := bucket.Put(identity, resp); err != nil {
			logrus.Warnf("Failed to cache response for %s: %v", identity.URL, err)
		}
	}()
}
