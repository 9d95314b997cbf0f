package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-radio-proxy/internal/cache"
	"github.com/iTrooz/offline-radio-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-radio-proxy/internal/config"
	"github.com/iTrooz/offline-radio-proxy/internal/interceptor"
)

// Server represents the offline proxy server
type Server struct {
	config  *config.Config
	proxy   *goproxy.ProxyHttpServer
	store   cache.GenericCache
	caches  *httpcache.HTTPCache
	fetcher interceptor.Fetcher

	current  atomic.Pointer[interceptor.Interceptor]
	reloadMu sync.Mutex
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	timeout, err := cfg.GetUpstreamTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream timeout: %w", err)
	}

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}

	transport := interceptor.NewTransport(timeout)
	s := &Server{
		config:  cfg,
		proxy:   goproxy.NewProxyHttpServer(),
		store:   store,
		caches:  httpcache.New(store),
		fetcher: interceptor.NewHTTPFetcher(transport),
	}

	s.proxy.Tr = transport
	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)
	s.proxy.CertStore = newCertStore()

	s.setupHTTPSProxyHandler()
	s.proxy.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

// GetProxy returns the underlying goproxy handler (exported for testing)
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Interceptor returns the interceptor currently handling traffic, nil if none
func (s *Server) Interceptor() *interceptor.Interceptor {
	return s.current.Load()
}

// Init prepares the cache store and brings up the first interceptor. When
// installing fails, a version stored by a previous run is resumed instead;
// without one the proxy forwards everything untouched.
func (s *Server) Init(ctx context.Context) error {
	if err := s.store.Init(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	opts, err := interceptor.OptionsFromConfig(s.config)
	if err != nil {
		return err
	}

	next := interceptor.New(opts, s.caches, s.fetcher)
	err = s.promote(ctx, next)
	if err == nil {
		return nil
	}
	logrus.Errorf("Failed to install cache version %s: %v", opts.Version, err)

	resumed := interceptor.New(opts, s.caches, s.fetcher)
	if err := resumed.Resume(); err != nil {
		logrus.Warnf("No usable cache version, serving without offline support: %v", err)
		return nil
	}
	s.current.Store(resumed)
	logrus.Infof("Resumed cache version %s from a previous run", opts.Version)
	return nil
}

// promote installs next, retires the previous interceptor and only then
// activates next, which purges the previous version. A failed install leaves
// the previous interceptor in charge.
func (s *Server) promote(ctx context.Context, next *interceptor.Interceptor) error {
	if err := next.Install(ctx); err != nil {
		return err
	}

	// Requests reaching the previous interceptor from here on are forwarded
	// untouched, and its background writes are done before the purge.
	if previous := s.current.Load(); previous != nil {
		previous.Supersede()
		_ = previous.Close()
	}
	if err := next.Activate(ctx); err != nil {
		logrus.Errorf("Cache cleanup failed: %v", err)
	}
	s.current.Store(next)
	return nil
}

// Reload replaces the running interceptor with one built from cfg. Listener
// and cache backend settings are only read at startup.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if cfg.Server != s.config.Server || cfg.Cache.Backend != s.config.Cache.Backend || cfg.Cache.Folder != s.config.Cache.Folder {
		logrus.Warnf("Server and cache backend settings changed; restart to apply them")
	}

	opts, err := interceptor.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	next := interceptor.New(opts, s.caches, s.fetcher)
	if err := s.promote(ctx, next); err != nil {
		return fmt.Errorf("keeping current cache version: %w", err)
	}

	updated := *s.config
	updated.Cache.Version = cfg.Cache.Version
	updated.Offline = cfg.Offline
	updated.Matchers = cfg.Matchers
	s.config = &updated
	return nil
}

// Start starts the proxy server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	logrus.Infof("Starting offline proxy on port %d", s.config.Server.Port)
	logrus.Infof("Cache backend: %s (%s)", s.config.Cache.Backend, s.config.Cache.Folder)
	logrus.Infof("Cache version: %s", s.config.Cache.Version)
	logrus.Infof("Matchers mode: %s", s.config.Matchers.Mode)

	if port := s.config.Server.HTTPS.TransparentPort; port != 0 {
		go func() {
			if err := s.StartTransparentHTTPS(ctx, fmt.Sprintf(":%d", port)); err != nil {
				logrus.Errorf("Transparent HTTPS listener failed: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.proxy,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close waits for pending cache writes and releases the cache store
func (s *Server) Close() error {
	if current := s.current.Load(); current != nil {
		_ = current.Close()
	}
	return s.store.Close()
}

func (s *Server) handleRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	current := s.current.Load()
	for current != nil {
		resp, err := current.Fetch(requ.Context(), requ)
		switch {
		case errors.Is(err, interceptor.ErrNotActive):
			// Superseded while this request was in flight
			if latest := s.current.Load(); latest != current {
				current = latest
				continue
			}
			return requ, nil
		case errors.Is(err, interceptor.ErrNotHandled):
			logrus.Debugf("Forwarding untouched: %s %s", requ.Method, requ.URL)
			return requ, nil
		case err != nil:
			logrus.Warnf("Request failed: %s %s: %v", requ.Method, requ.URL, err)
			return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
		}

		logrus.Infof("Handled request: %s %s -> %d", requ.Method, requ.URL, resp.StatusCode)
		return requ, resp
	}
	return requ, nil
}
