package interceptor

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/iTrooz/offline-radio-proxy/internal/config"
)

// Action is the handling chosen for a request
type Action int

const (
	// ActionNetworkFirst fetches from network, caches secure successes, falls back to cache
	ActionNetworkFirst Action = iota
	// ActionNavigate fetches from network, falls back to the offline document
	ActionNavigate
	// ActionUpgradeRedirect follows redirects manually, upgrading http:// targets to https://
	ActionUpgradeRedirect
	// ActionPassthrough leaves the request to default handling, never cached
	ActionPassthrough
	// ActionOutOfScope leaves traffic unrelated to the radio site to default handling
	ActionOutOfScope
)

func (a Action) String() string {
	switch a {
	case ActionNetworkFirst:
		return "network-first"
	case ActionNavigate:
		return "navigate"
	case ActionUpgradeRedirect:
		return "upgrade-redirect"
	case ActionPassthrough:
		return "passthrough"
	case ActionOutOfScope:
		return "out-of-scope"
	default:
		return "unknown"
	}
}

// Rule matches requests against classification patterns
type Rule interface {
	Match(requ *http.Request) bool
}

// SubstringRule matches when the full URL contains any of the patterns
type SubstringRule struct {
	Patterns []string
}

func (r SubstringRule) Match(requ *http.Request) bool {
	target := requ.URL.String()
	for _, p := range r.Patterns {
		if p != "" && strings.Contains(target, p) {
			return true
		}
	}
	return false
}

// HostRule matches when the URL host is one of the domains or a subdomain of one
type HostRule struct {
	Domains []string
}

func (r HostRule) Match(requ *http.Request) bool {
	host := strings.ToLower(requ.URL.Hostname())
	for _, d := range r.Domains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ContentRule matches patterns against parsed URL parts instead of the raw string.
// A pattern starting with a dot must equal the path extension; any other
// pattern must appear inside a host label or a path segment. The query is ignored.
type ContentRule struct {
	Patterns []string
}

func (r ContentRule) Match(requ *http.Request) bool {
	ext := strings.ToLower(path.Ext(requ.URL.Path))
	parts := strings.Split(strings.ToLower(requ.URL.Hostname()), ".")
	parts = append(parts, strings.Split(strings.ToLower(requ.URL.Path), "/")...)

	for _, p := range r.Patterns {
		p = strings.ToLower(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, ".") {
			if ext == p {
				return true
			}
			continue
		}
		for _, part := range parts {
			if strings.Contains(part, p) {
				return true
			}
		}
	}
	return false
}

// Classifier decides the Action of a request. It performs no I/O.
type Classifier struct {
	origin   *url.URL
	redirect Rule
	stream   Rule
}

// NewClassifier builds the rules for the configured matcher mode. Requests
// are only handled when they belong to origin (see InScope).
func NewClassifier(origin *url.URL, cfg config.MatchersConfig) *Classifier {
	c := &Classifier{
		origin:   origin,
		redirect: SubstringRule{Patterns: cfg.RedirectDomains},
		stream:   SubstringRule{Patterns: cfg.StreamPatterns},
	}
	if cfg.Mode == config.MatchHost {
		c.redirect = HostRule{Domains: cfg.RedirectDomains}
		c.stream = ContentRule{Patterns: cfg.StreamPatterns}
	}
	return c
}

// InScope reports whether requ belongs to the radio site. A navigation must
// target the site itself; a subresource must target it or be requested by one
// of its pages, going by the Origin or Referer header.
func (c *Classifier) InScope(requ *http.Request) bool {
	if c.sameOrigin(requ.URL) {
		return true
	}
	if IsNavigation(requ) {
		return false
	}
	for _, h := range []string{"Origin", "Referer"} {
		if v := requ.Header.Get(h); v != "" {
			if u, err := url.Parse(v); err == nil && c.sameOrigin(u) {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && originHost(u) == originHost(c.origin)
}

// originHost returns the lowercased host with the scheme's default port removed
func originHost(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch strings.ToLower(u.Scheme) {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}

// Classify evaluates the routing policy in order; the first match wins
func (c *Classifier) Classify(requ *http.Request) Action {
	switch {
	case !c.InScope(requ):
		return ActionOutOfScope
	case IsNavigation(requ):
		return ActionNavigate
	case c.redirect.Match(requ):
		return ActionUpgradeRedirect
	case c.stream.Match(requ):
		return ActionPassthrough
	default:
		return ActionNetworkFirst
	}
}

// IsNavigation reports whether requ loads a full document. Fetch metadata is
// authoritative when present; otherwise a GET accepting HTML counts.
func IsNavigation(requ *http.Request) bool {
	if mode := requ.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	method := requ.Method
	if method == "" {
		method = http.MethodGet
	}
	return method == http.MethodGet && strings.Contains(requ.Header.Get("Accept"), "text/html")
}
