package tests

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iTrooz/offline-radio-proxy/internal/config"
	"github.com/iTrooz/offline-radio-proxy/internal/proxy"
)

const offlineDocument = "<html><body>You are offline</body></html>"

// upstream is a radio site that can be switched off to simulate a lost connection
type upstream struct {
	*httptest.Server
	down atomic.Bool
	hits atomic.Int32
}

// fixture_upstream creates a TLS test upstream server
func fixture_upstream() *upstream {
	u := &upstream{}
	u.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		if u.down.Load() {
			panic(http.ErrAbortHandler)
		}
		u.hits.Add(1)

		switch requ.URL.Path {
		case "/offline.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(offlineDocument))
		case "/favicon.ico", "/icons/icon-192x192.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("icon"))
		case "/radiojar/live":
			// Mixed content redirect, as some stream hosts still emit
			http.Redirect(w, requ, "http://"+requ.Host+"/final", http.StatusFound)
		case "/final":
			_, _ = w.Write([]byte("final destination"))
		case "/live.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("audio frames"))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
		}
	}))
	return u
}

// fixture_config creates a test config using origin as the radio site
func fixture_config(origin string, tempDir string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Cache.Backend = config.BackendDisk
	cfg.Cache.Folder = tempDir
	cfg.Offline.Origin = origin
	cfg.Matchers.RedirectDomains = []string{"/radiojar/"}
	return &cfg
}

// fixture_proxy creates and initializes a proxy server with the given config, and returns it with an HTTP client using it
func fixture_proxy(t *testing.T, cfg *config.Config) (*proxy.Server, *http.Client) {
	t.Helper()

	proxyServer, err := proxy.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create proxy server: %v", err)
	}
	// The upstream uses a self-signed certificate
	proxyServer.GetProxy().Tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	if err := proxyServer.Init(context.Background()); err != nil {
		t.Fatalf("Failed to initialize proxy server: %v", err)
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())
	t.Cleanup(func() {
		proxyTestServer.Close()
		_ = proxyServer.Close()
	})

	// Create HTTP client that uses our proxy and trusts its generated certificates
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, client
}

func navigation(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html")
	return req
}
