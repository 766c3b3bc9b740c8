package extract

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"embedres/internal/httputil"
	"embedres/internal/media"
)

// Remote delegates extraction to a decryption API that accepts an embed URL
// and answers with sources and subtitles.
type Remote struct {
	fetcher httputil.Fetcher
	apiURL  string
}

// NewRemote creates a Remote extractor for apiURL.
func NewRemote(fetcher httputil.Fetcher, apiURL string) (*Remote, error) {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if err := httputil.ValidateFetchURL(apiURL, true); err != nil {
		return nil, errors.Wrap(err, "remote extractor API")
	}
	return &Remote{fetcher: fetcher, apiURL: apiURL}, nil
}

func (r *Remote) Name() string { return "remote" }

// remoteResponse accepts both the {url, quality} and {file, label} source
// shapes, and subtitles under either "subtitles" or "tracks".
type remoteResponse struct {
	Sources []struct {
		URL     string `json:"url"`
		File    string `json:"file"`
		Quality string `json:"quality"`
		Label   string `json:"label"`
		IsM3U8  bool   `json:"isM3U8"`
		Type    string `json:"type"`
	} `json:"sources"`
	Subtitles []struct {
		URL      string `json:"url"`
		File     string `json:"file"`
		Language string `json:"lang"`
		Label    string `json:"label"`
		Kind     string `json:"kind"`
	} `json:"subtitles"`
	Tracks  []track `json:"tracks"`
	Headers struct {
		Referer string `json:"Referer"`
	} `json:"headers"`
}

func (r *Remote) Extract(ctx context.Context, ref media.TerminalReference, referer string) ([]media.StreamDescriptor, error) {
	q := url.Values{}
	q.Set("url", ref.URL)
	if referer != "" {
		q.Set("referer", referer)
	}

	page, err := r.fetcher.Fetch(ctx, httputil.Request{
		URL:    r.apiURL + "/?" + q.Encode(),
		Accept: httputil.AcceptJSON,
	})
	if err != nil {
		return nil, errors.Wrap(err, "decryption API request")
	}

	var resp remoteResponse
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return nil, errors.Wrapf(ErrNoStreamsFound, "parsing decryption response: %v", err)
	}

	var subs []media.SubtitleRef
	for _, s := range resp.Subtitles {
		u := firstNonEmpty(s.URL, s.File)
		if u == "" || strings.EqualFold(s.Kind, "thumbnails") {
			continue
		}
		subs = append(subs, media.SubtitleRef{
			Language: firstNonEmpty(s.Language, s.Label),
			Label:    s.Label,
			URL:      u,
		})
	}
	for _, t := range resp.Tracks {
		if t.File == "" || (t.Kind != "captions" && t.Kind != "subtitles") {
			continue
		}
		subs = append(subs, media.SubtitleRef{Language: t.Label, Label: t.Label, URL: t.File})
	}

	streamReferer := firstNonEmpty(resp.Headers.Referer, ref.URL)
	streams := make([]media.StreamDescriptor, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		u := firstNonEmpty(s.URL, s.File)
		if u == "" {
			continue
		}
		d := descriptor(u, firstNonEmpty(s.Quality, s.Label), streamReferer)
		if s.IsM3U8 || strings.EqualFold(s.Type, "hls") {
			d.MediaType = media.HLS
		}
		d.Subtitles = subs
		streams = append(streams, d)
	}
	return streams, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
