package extract

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"embedres/internal/httputil"
	"embedres/internal/media"
)

var (
	genericAssignRe = regexp.MustCompile(`(?i)(?:file|source|src|hls|dash|manifest|playlist|url)["']?\s*[:=]\s*["']([^"'\s]+\.(?:m3u8|mpd|mp4)[^"'\s]*)["']`)
	genericQuotedRe = regexp.MustCompile(`["']((?:https?:)?(?:\\?/){2}[^"'\s]+\.(?:m3u8|mpd|mp4)[^"'\s]*)["']`)
	genericBareRe   = regexp.MustCompile(`https?:(?:\\?/){2}[^"'\s<>]+\.(?:m3u8|mpd|mp4)[^"'\s<>]*`)
)

// Generic scans a terminal page for manifest and video URLs. It is the
// fallback for hosts without a dedicated handler.
type Generic struct {
	fetcher httputil.Fetcher
}

// NewGeneric creates a Generic extractor. fetcher is used only when the
// reference carries no page body.
func NewGeneric(fetcher httputil.Fetcher) *Generic {
	return &Generic{fetcher: fetcher}
}

func (g *Generic) Name() string { return "generic" }

func (g *Generic) Extract(ctx context.Context, ref media.TerminalReference, referer string) ([]media.StreamDescriptor, error) {
	if isMediaURL(ref.URL) {
		r := referer
		if r == "" {
			r = ref.Referer
		}
		return []media.StreamDescriptor{descriptor(ref.URL, "", r)}, nil
	}

	body := ref.Body
	pageURL := ref.URL
	if body == nil {
		if g.fetcher == nil {
			return nil, errors.Wrap(ErrNoStreamsFound, "no page body and no fetcher")
		}
		page, err := g.fetcher.Fetch(ctx, httputil.Request{URL: ref.URL, Referer: referer})
		if err != nil {
			return nil, errors.Wrapf(err, "fetching %s", ref.URL)
		}
		body = page.Body
		if page.FinalURL != "" {
			pageURL = page.FinalURL
		}
	}

	streams, subs := scanPage(body, pageURL)
	if len(streams) == 0 {
		return nil, errors.Wrapf(ErrNoStreamsFound, "%s", ref.URL)
	}
	for i := range streams {
		streams[i].Subtitles = subs
	}
	return streams, nil
}

// scanPage finds stream URLs in video/source tags, script text and finally
// the raw page, in that order, plus caption tracks.
func scanPage(body []byte, pageURL string) ([]media.StreamDescriptor, []media.SubtitleRef) {
	var streams []media.StreamDescriptor
	var subs []media.SubtitleRef

	add := func(raw, label string) {
		u, err := httputil.ResolveReference(pageURL, raw)
		if err != nil || httputil.ValidateFetchURL(u, true) != nil {
			return
		}
		streams = append(streams, descriptor(u, label, pageURL))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		doc.Find("video[src], source[src]").Each(func(_ int, s *goquery.Selection) {
			label := s.AttrOr("label", s.AttrOr("size", s.AttrOr("res", "")))
			add(s.AttrOr("src", ""), label)
		})
		doc.Find("track[src]").Each(func(_ int, s *goquery.Selection) {
			kind := strings.ToLower(s.AttrOr("kind", "subtitles"))
			if kind != "subtitles" && kind != "captions" {
				return
			}
			u, err := httputil.ResolveReference(pageURL, s.AttrOr("src", ""))
			if err != nil {
				return
			}
			label := s.AttrOr("label", "")
			subs = append(subs, media.SubtitleRef{
				Language: s.AttrOr("srclang", label),
				Label:    label,
				URL:      u,
			})
		})

		var scripts strings.Builder
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			scripts.WriteString(s.Text())
			scripts.WriteByte('\n')
		})
		js := scripts.String()
		for _, re := range []*regexp.Regexp{genericAssignRe, genericQuotedRe} {
			for _, m := range re.FindAllStringSubmatch(js, -1) {
				add(m[1], "")
			}
		}
	}

	if len(streams) == 0 {
		for _, m := range genericBareRe.FindAllString(string(body), -1) {
			add(m, "")
		}
	}

	streams = lo.UniqBy(streams, func(s media.StreamDescriptor) string { return s.URL })
	subs = lo.UniqBy(subs, func(s media.SubtitleRef) string { return s.URL })
	return streams, subs
}

func descriptor(u, label, referer string) media.StreamDescriptor {
	q := media.ParseQuality(label)
	if q == media.QualityUnknown {
		q = media.ParseQuality(u)
	}
	return media.StreamDescriptor{
		URL:       u,
		Quality:   q,
		MediaType: media.DetectMediaType(u),
		Referer:   referer,
	}
}

func isMediaURL(u string) bool {
	if media.DetectMediaType(u) != media.Progressive {
		return true
	}
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".mp4")
}
