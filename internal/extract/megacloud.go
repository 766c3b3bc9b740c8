package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"embedres/internal/httputil"
	"embedres/internal/logging"
	"embedres/internal/media"
)

// DefaultMegaCloudKeysURL publishes the key encrypted sources are sealed with.
const DefaultMegaCloudKeysURL = "https://raw.githubusercontent.com/yogesh-hacker/MegacloudKeys/refs/heads/main/keys.json"

// MegaCloudHosts are the canonical host ids the handler registers for.
var MegaCloudHosts = []string{"megacloud.blog", "megacloud.tv", "megacloud.club"}

var embedPrefixRe = regexp.MustCompile(`^embed-\d+$`)

// MegaCloudOptions configures a MegaCloud extractor.
type MegaCloudOptions struct {
	Fetcher httputil.Fetcher
	KeysURL string
	Logger  *log.Logger
}

// MegaCloud extracts streams from MegaCloud/VidCloud embeds.
type MegaCloud struct {
	fetcher httputil.Fetcher
	keysURL string
	logger  *log.Logger
}

// NewMegaCloud creates a MegaCloud extractor.
func NewMegaCloud(opts MegaCloudOptions) *MegaCloud {
	if opts.KeysURL == "" {
		opts.KeysURL = DefaultMegaCloudKeysURL
	}
	return &MegaCloud{
		fetcher: opts.Fetcher,
		keysURL: opts.KeysURL,
		logger:  logging.OrDiscard(opts.Logger),
	}
}

func (m *MegaCloud) Name() string { return "megacloud" }

// sourcesResponse is the getSources payload. Sources is a JSON array, or a
// string holding the encrypted array when Encrypted is set.
type sourcesResponse struct {
	Sources   json.RawMessage `json:"sources"`
	Tracks    []track         `json:"tracks"`
	Encrypted bool            `json:"encrypted"`
}

type track struct {
	File    string `json:"file"`
	Label   string `json:"label"`
	Kind    string `json:"kind"`
	Default bool   `json:"default"`
}

type source struct {
	File  string `json:"file"`
	Type  string `json:"type"`
	Label string `json:"label"`
}

func (m *MegaCloud) Extract(ctx context.Context, ref media.TerminalReference, referer string) ([]media.StreamDescriptor, error) {
	domain, prefix, id, err := parseEmbedURL(ref.URL)
	if err != nil {
		return nil, errors.Wrap(ErrNoStreamsFound, err.Error())
	}
	base := fmt.Sprintf("https://%s/%s/v3/e-1/", domain, prefix)

	embedPage := ref.Body
	if embedPage == nil {
		page, err := m.fetcher.Fetch(ctx, httputil.Request{URL: base + id + "?z=", Referer: referer})
		if err != nil {
			return nil, errors.Wrap(err, "fetching embed page")
		}
		embedPage = page.Body
	}

	clientKey, err := extractClientKey(string(embedPage))
	if err != nil {
		return nil, errors.Wrap(ErrNoStreamsFound, err.Error())
	}

	apiURL := fmt.Sprintf("%sgetSources?id=%s&_k=%s", base, url.QueryEscape(id), url.QueryEscape(clientKey))
	page, err := m.fetcher.Fetch(ctx, httputil.Request{
		URL:     apiURL,
		Referer: ref.URL,
		Accept:  httputil.AcceptJSON,
		XHR:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetching sources")
	}

	var resp sourcesResponse
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return nil, errors.Wrapf(ErrNoStreamsFound, "parsing sources response: %v", err)
	}

	sources, err := m.sources(ctx, resp, clientKey)
	if err != nil {
		return nil, err
	}

	var subs []media.SubtitleRef
	for _, t := range resp.Tracks {
		if t.File == "" || (t.Kind != "captions" && t.Kind != "subtitles") {
			continue
		}
		subs = append(subs, media.SubtitleRef{Language: t.Label, Label: t.Label, URL: t.File})
	}

	origin := "https://" + domain + "/"
	streams := make([]media.StreamDescriptor, 0, len(sources))
	for _, s := range sources {
		if s.File == "" {
			continue
		}
		d := descriptor(s.File, s.Label, origin)
		if strings.EqualFold(s.Type, "hls") {
			d.MediaType = media.HLS
		}
		d.Subtitles = subs
		streams = append(streams, d)
	}
	m.logger.Debug("megacloud sources", "id", id, "streams", len(streams), "tracks", len(subs), "encrypted", resp.Encrypted)
	return streams, nil
}

func (m *MegaCloud) sources(ctx context.Context, resp sourcesResponse, clientKey string) ([]source, error) {
	var sources []source
	if !resp.Encrypted {
		if len(resp.Sources) == 0 || string(resp.Sources) == "null" {
			return nil, nil
		}
		if err := json.Unmarshal(resp.Sources, &sources); err != nil {
			return nil, errors.Wrapf(ErrNoStreamsFound, "parsing plaintext sources: %v", err)
		}
		return sources, nil
	}

	var sealed string
	if err := json.Unmarshal(resp.Sources, &sealed); err != nil {
		return nil, errors.Wrapf(ErrNoStreamsFound, "parsing encrypted sources: %v", err)
	}
	megaKey, err := m.publishedKey(ctx)
	if err != nil {
		return nil, err
	}
	plain := decryptSources(sealed, clientKey, megaKey)
	if plain == "" {
		return nil, errors.Wrap(ErrNoStreamsFound, "decryption returned empty result")
	}
	if err := json.Unmarshal([]byte(plain), &sources); err != nil {
		return nil, errors.Wrapf(ErrNoStreamsFound, "parsing decrypted sources: %v", err)
	}
	return sources, nil
}

// publishedKey fetches the current "mega" key. It is fetched per extraction
// so concurrent branches share no state.
func (m *MegaCloud) publishedKey(ctx context.Context) (string, error) {
	page, err := m.fetcher.Fetch(ctx, httputil.Request{URL: m.keysURL, Accept: httputil.AcceptJSON})
	if err != nil {
		return "", errors.Wrap(err, "fetching megacloud keys")
	}
	var keys map[string]string
	if err := json.Unmarshal(page.Body, &keys); err != nil {
		return "", errors.Wrap(err, "parsing megacloud keys")
	}
	key, ok := keys["mega"]
	if !ok || key == "" {
		return "", errors.New("mega key not found in keys response")
	}
	return key, nil
}

// parseEmbedURL splits https://host/embed-N/v3/e-1/{id}?z= into its parts.
// A path without an embed-N segment defaults to embed-2.
func parseEmbedURL(embedURL string) (domain, embedPrefix, sourceID string, err error) {
	u, err := url.Parse(embedURL)
	if err != nil {
		return "", "", "", errors.Wrap(err, "parsing embed URL")
	}
	if u.Host == "" {
		return "", "", "", errors.Errorf("embed URL %q has no host", embedURL)
	}
	domain = u.Host

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	embedPrefix = parts[0]
	if !embedPrefixRe.MatchString(embedPrefix) {
		embedPrefix = "embed-2"
	}
	sourceID = parts[len(parts)-1]
	if sourceID == "" || embedPrefixRe.MatchString(sourceID) {
		return "", "", "", errors.Errorf("could not extract source ID from %q", embedURL)
	}
	return domain, embedPrefix, sourceID, nil
}
