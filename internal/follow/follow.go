// Package follow walks nested player pages from an embed URL down to the
// terminal reference a stream extractor can consume.
package follow

import (
	"bytes"
	"context"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"embedres/internal/httputil"
	"embedres/internal/logging"
	"embedres/internal/media"
)

// DefaultMaxDepth is used when no positive depth is configured.
const DefaultMaxDepth = 3

var (
	ErrFetchFailed      = errors.New("fetch failed")
	ErrTooManyHops      = errors.New("too many hops")
	ErrNoReferenceFound = errors.New("no reference found")
)

// Ways a next URL was found, recorded in the hop trail.
const (
	ViaStart    = "start"
	ViaManifest = "script-manifest"
	ViaIframe   = "iframe"
	ViaEmbed    = "embed"
	ViaRefresh  = "meta-refresh"
	ViaScript   = "script-location"
)

var (
	manifestAssignRe = regexp.MustCompile(`(?i)(?:file|source|src|hls|dash|manifest|playlist|url)["']?\s*[:=]\s*["']([^"'\s]+\.(?:m3u8|mpd)[^"'\s]*)["']`)
	manifestQuotedRe = regexp.MustCompile(`["']((?:https?:)?(?:\\?/){2}[^"'\s]+\.(?:m3u8|mpd)[^"'\s]*)["']`)
	locationRe       = regexp.MustCompile(`(?:window\.|document\.)?location(?:\.href)?\s*=\s*["']([^"']+)["']|location\.(?:replace|assign)\(\s*["']([^"']+)["']\s*\)`)
	refreshRe        = regexp.MustCompile(`(?i)^\s*\d+\s*;\s*url\s*=\s*['"]?([^'"]+)`)
)

// Options configures a Follower.
type Options struct {
	Fetcher  httputil.Fetcher
	MaxDepth int
	// Canonicalize is applied to every discovered URL before it is compared
	// or fetched.
	Canonicalize func(string) string
	// Terminal reports hosts a stream extractor already handles. Such URLs
	// are returned without being fetched.
	Terminal func(hostID string) bool
	Logger   *log.Logger
}

// Follower resolves nested embeds. It holds no per-walk state and is safe for
// concurrent use.
type Follower struct {
	fetcher      httputil.Fetcher
	maxDepth     int
	canonicalize func(string) string
	terminal     func(string) bool
	logger       *log.Logger
}

// New creates a Follower.
func New(opts Options) *Follower {
	f := &Follower{
		fetcher:      opts.Fetcher,
		maxDepth:     opts.MaxDepth,
		canonicalize: opts.Canonicalize,
		terminal:     opts.Terminal,
		logger:       logging.OrDiscard(opts.Logger),
	}
	if f.maxDepth <= 0 {
		f.maxDepth = DefaultMaxDepth
	}
	if f.canonicalize == nil {
		f.canonicalize = func(s string) string { return s }
	}
	if f.terminal == nil {
		f.terminal = func(string) bool { return false }
	}
	return f
}

// walk is the state of one Follow call.
type walk struct {
	current string
	referer string
	depth   int
	visited map[string]bool
	hops    []media.Hop
	session httputil.Session
	// cookies set by fetched pages, keyed by the host that set them.
	cookies map[string][]*http.Cookie
}

// sessionFor returns the caller's session plus the cookies earlier hops
// received from u's host. Cookies never cross to another host.
func (w *walk) sessionFor(u string) httputil.Session {
	return w.session.With(w.cookies[media.HostID(u)]...)
}

func (w *walk) keep(u string, set []*http.Cookie) {
	host := media.HostID(u)
	if host == "" || len(set) == 0 {
		return
	}
	jar := w.cookies[host]
	for _, c := range set {
		i := slices.IndexFunc(jar, func(old *http.Cookie) bool { return old.Name == c.Name })
		if i >= 0 {
			jar[i] = c
			continue
		}
		jar = append(jar, c)
	}
	w.cookies[host] = jar
}

func (w *walk) seen(u string) bool {
	for v := range w.visited {
		if httputil.SameURL(v, u) {
			return true
		}
	}
	return false
}

func (w *walk) advance(next, via string) {
	w.depth++
	w.hops = append(w.hops, media.Hop{Index: w.depth, URL: next, Via: via})
	w.visited[next] = true
	w.referer = w.current
	w.current = next
}

func (w *walk) terminalRef(body []byte) *media.TerminalReference {
	return &media.TerminalReference{
		URL:     w.current,
		HostID:  media.HostID(w.current),
		Referer: w.referer,
		Depth:   w.depth,
		Hops:    w.hops,
		Body:    body,
	}
}

// Follow fetches rawURL and keeps following nested player references until a
// page has none, a reference loops back, or an extractor host is reached.
// maxDepth <= 0 uses the follower's configured depth.
func (f *Follower) Follow(ctx context.Context, rawURL, referer string, maxDepth int, session httputil.Session) (*media.TerminalReference, error) {
	if maxDepth <= 0 {
		maxDepth = f.maxDepth
	}
	start := f.canonicalize(httputil.NormalizeURL(rawURL))
	if err := httputil.ValidateFetchURL(start, true); err != nil {
		return nil, errors.Wrapf(ErrFetchFailed, "%v", err)
	}

	w := &walk{
		current: start,
		referer: referer,
		visited: map[string]bool{start: true},
		hops:    []media.Hop{{Index: 0, URL: start, Via: ViaStart}},
		session: session,
		cookies: map[string][]*http.Cookie{},
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "following %s", w.current)
		}
		if f.terminal(media.HostID(w.current)) {
			f.logger.Debug("extractor host reached", "url", w.current, "depth", w.depth)
			return w.terminalRef(nil), nil
		}

		page, err := f.fetcher.Fetch(ctx, httputil.Request{
			URL:     w.current,
			Referer: w.referer,
			Session: w.sessionFor(w.current),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrapf(ctx.Err(), "following %s", w.current)
			}
			return nil, errors.Wrapf(ErrFetchFailed, "hop %d %s: %v", w.depth, w.current, err)
		}

		if len(bytes.TrimSpace(page.Body)) == 0 {
			return nil, errors.Wrapf(ErrNoReferenceFound, "hop %d %s: empty page", w.depth, w.current)
		}
		base := w.current
		if page.FinalURL != "" {
			base = page.FinalURL
		}
		w.keep(base, page.Cookies)

		next, via, err := findReference(page.Body, base)
		if err != nil {
			return nil, errors.Wrapf(ErrNoReferenceFound, "hop %d %s: %v", w.depth, w.current, err)
		}
		if next == "" {
			return w.terminalRef(page.Body), nil
		}
		next = f.canonicalize(next)

		if httputil.SameURL(next, w.current) || w.seen(next) {
			f.logger.Debug("reference does not advance", "url", w.current, "next", next)
			return w.terminalRef(page.Body), nil
		}
		if w.depth+1 > maxDepth {
			return nil, errors.Wrapf(ErrTooManyHops, "limit %d reached at %s", maxDepth, w.current)
		}

		f.logger.Debug("hop", "depth", w.depth+1, "via", via, "url", next)
		w.advance(next, via)

		if via == ViaManifest {
			return w.terminalRef(nil), nil
		}
	}
}

// findReference returns the next URL on a page, or "" when the page is
// terminal. A manifest in a script wins over a nested frame.
func findReference(body []byte, base string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}

	var scripts strings.Builder
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts.WriteString(s.Text())
		scripts.WriteByte('\n')
	})
	js := scripts.String()

	for _, re := range []*regexp.Regexp{manifestAssignRe, manifestQuotedRe} {
		for _, m := range re.FindAllStringSubmatch(js, -1) {
			if u := absolute(base, m[1]); u != "" {
				return u, ViaManifest, nil
			}
		}
	}

	type selector struct {
		query string
		attrs []string
		via   string
	}
	selectors := []selector{
		{"iframe", []string{"src", "data-src", "data-lazy-src"}, ViaIframe},
		{"embed", []string{"src"}, ViaEmbed},
	}
	for _, sel := range selectors {
		var found string
		doc.Find(sel.query).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			for _, attr := range sel.attrs {
				if v, ok := s.Attr(attr); ok {
					if u := absolute(base, v); u != "" {
						found = u
						return false
					}
				}
			}
			return true
		})
		if found != "" {
			return found, sel.via, nil
		}
	}

	var refresh string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
			return true
		}
		if m := refreshRe.FindStringSubmatch(s.AttrOr("content", "")); m != nil {
			refresh = absolute(base, m[1])
		}
		return refresh == ""
	})
	if refresh != "" {
		return refresh, ViaRefresh, nil
	}

	for _, m := range locationRe.FindAllStringSubmatch(js, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if u := absolute(base, raw); u != "" {
			return u, ViaScript, nil
		}
	}
	return "", "", nil
}

// absolute resolves raw against base and keeps only http(s) results.
func absolute(base, raw string) string {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	if raw == "" || strings.HasPrefix(lower, "about:") || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "data:") {
		return ""
	}
	u, err := httputil.ResolveReference(base, raw)
	if err != nil {
		return ""
	}
	if httputil.ValidateFetchURL(u, true) != nil {
		return ""
	}
	return u
}
