// Package httputil provides the page fetcher used by every network step of a
// resolution, plus URL validation helpers.
package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/121.0"

const maxBodySize = 10 * 1024 * 1024

const (
	AcceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	AcceptJSON = "application/json"
)

// ErrStatus is returned for any non-2xx response; the body is never read.
var ErrStatus = errors.New("unexpected status")

// Session carries per-site cookies and headers explicitly through fetch calls.
type Session struct {
	Cookies []*http.Cookie
	Headers map[string]string
}

// With returns a copy of s with extra cookies appended.
func (s Session) With(cookies ...*http.Cookie) Session {
	out := Session{
		Cookies: make([]*http.Cookie, 0, len(s.Cookies)+len(cookies)),
		Headers: s.Headers,
	}
	out.Cookies = append(out.Cookies, s.Cookies...)
	out.Cookies = append(out.Cookies, cookies...)
	return out
}

// Request describes one page fetch.
type Request struct {
	URL     string
	Referer string
	Accept  string
	XHR     bool
	Headers map[string]string
	Session Session
}

// Page is a successfully fetched response.
type Page struct {
	Status   int
	Body     []byte
	FinalURL string
	Cookies  []*http.Cookie
}

// Fetcher fetches pages. Implementations must honour ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Page, error)
}

// newTransport is the hardened transport each per-host client gets.
func newTransport() http.RoundTripper {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		MaxIdleConnsPerHost: 5,
	}
}

// FetcherOptions configures an HTTPFetcher.
type FetcherOptions struct {
	UserAgent string
	Timeout   time.Duration
	// AllowHTTP permits plain http URLs (local mirrors, tests).
	AllowHTTP bool
	// Transport builds the round tripper for each destination host.
	Transport func() http.RoundTripper
}

// HTTPFetcher is a Fetcher that keeps one client, and therefore one
// connection pool, per destination host.
type HTTPFetcher struct {
	opts FetcherOptions

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewFetcher creates an HTTPFetcher.
func NewFetcher(opts FetcherOptions) *HTTPFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = newTransport
	}
	return &HTTPFetcher{
		opts:    opts,
		clients: make(map[string]*http.Client),
	}
}

func (f *HTTPFetcher) clientFor(host string) *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[host]; ok {
		return c
	}
	c := &http.Client{
		Timeout:   f.opts.Timeout,
		Transport: f.opts.Transport(),
	}
	f.clients[host] = c
	return c
}

// Fetch performs a GET with browser-like headers and the session's cookies.
func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*Page, error) {
	if err := ValidateFetchURL(r.URL, f.opts.AllowHTTP); err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	u, _ := url.Parse(r.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	accept := r.Accept
	if accept == "" {
		accept = AcceptHTML
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if r.Referer != "" {
		req.Header.Set("Referer", r.Referer)
	}
	if r.XHR {
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	for k, v := range r.Session.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	for _, c := range r.Session.Cookies {
		req.AddCookie(c)
	}

	resp, err := f.clientFor(strings.ToLower(u.Host)).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w %d for %s", ErrStatus, resp.StatusCode, r.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &Page{
		Status:   resp.StatusCode,
		Body:     body,
		FinalURL: resp.Request.URL.String(),
		Cookies:  resp.Cookies(),
	}, nil
}
