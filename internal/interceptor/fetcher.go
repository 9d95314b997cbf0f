package interceptor

import (
	"context"
	"net/http"
	"time"
)

//go:generate mockgen -source=fetcher.go -destination=mock_fetcher_test.go -package=interceptor

// Fetcher performs network requests
type Fetcher interface {
	// Fetch sends requ upstream. With followRedirects false a 3xx response is
	// returned as-is instead of being followed.
	Fetch(ctx context.Context, requ *http.Request, followRedirects bool) (*http.Response, error)
}

// HTTPFetcher implements Fetcher with two clients sharing one transport
type HTTPFetcher struct {
	follow *http.Client
	manual *http.Client
}

// NewTransport returns the upstream transport. A zero responseHeaderTimeout
// leaves response lifetimes to the server.
func NewTransport(responseHeaderTimeout time.Duration) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = responseHeaderTimeout
	return tr
}

func NewHTTPFetcher(transport http.RoundTripper) *HTTPFetcher {
	return &HTTPFetcher{
		follow: &http.Client{Transport: transport},
		manual: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, requ *http.Request, followRedirects bool) (*http.Response, error) {
	client := f.follow
	if !followRedirects {
		client = f.manual
	}
	return client.Do(outgoing(ctx, requ))
}

// outgoing turns a request received by the proxy into a client request
func outgoing(ctx context.Context, requ *http.Request) *http.Request {
	out := requ.Clone(ctx)
	out.RequestURI = ""
	out.Header.Del("Proxy-Connection")
	out.Header.Del("Proxy-Authorization")
	return out
}
