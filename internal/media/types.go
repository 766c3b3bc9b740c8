// Package media defines the shared types that flow through a resolution.
package media

import (
	"net/url"
	"strconv"
	"strings"
)

// ItemReference is the opaque input to a resolution: a page URL or a
// composite identifier such as "server|token".
type ItemReference string

// IsURL reports whether the reference is an absolute http(s) URL.
func (r ItemReference) IsURL() bool {
	u, err := url.Parse(string(r))
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// Composite splits a "server|token" reference.
func (r ItemReference) Composite() (server, token string, ok bool) {
	if r.IsURL() {
		return "", "", false
	}
	server, token, ok = strings.Cut(string(r), "|")
	server = strings.TrimSpace(server)
	token = strings.TrimSpace(token)
	if !ok || server == "" || token == "" {
		return "", "", false
	}
	return server, token, true
}

// LanguageTag names the audio/subtitle flavour of a candidate.
type LanguageTag string

const (
	LangUnknown LanguageTag = ""
	LangSub     LanguageTag = "sub"
	LangDub     LanguageTag = "dub"
	LangLatino  LanguageTag = "latino"
)

var languageAliases = map[string]LanguageTag{
	"sub":        LangSub,
	"subbed":     LangSub,
	"subtitled":  LangSub,
	"legendado":  LangSub,
	"dub":        LangDub,
	"dubbed":     LangDub,
	"dublado":    LangDub,
	"latino":     LangLatino,
	"lat":        LangLatino,
	"es-la":      LangLatino,
	"castellano": LanguageTag("castellano"),
}

// ParseLanguageTag normalizes a page label ("SUB", "Dublado") into a tag.
// Unknown labels are kept lowercased so they still group consistently.
func ParseLanguageTag(s string) LanguageTag {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LangUnknown
	}
	if tag, ok := languageAliases[s]; ok {
		return tag
	}
	return LanguageTag(s)
}

// Encoding selects the decode strategy for a candidate payload.
type Encoding int

const (
	PlainURL Encoding = iota
	Base64URL
	HexURL
	CipherJSON
	CustomSubstitution
)

func (e Encoding) String() string {
	switch e {
	case PlainURL:
		return "plain"
	case Base64URL:
		return "base64"
	case HexURL:
		return "hex"
	case CipherJSON:
		return "cipher"
	case CustomSubstitution:
		return "subst"
	default:
		return "unknown"
	}
}

// ParseEncoding maps a config/CLI name to an Encoding.
func ParseEncoding(s string) (Encoding, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "url":
		return PlainURL, true
	case "base64", "b64":
		return Base64URL, true
	case "hex":
		return HexURL, true
	case "cipher", "cipherjson":
		return CipherJSON, true
	case "subst", "substitution":
		return CustomSubstitution, true
	}
	return 0, false
}

// EncodingKind is the tagged variant carried by a candidate. Param holds the
// key id for CipherJSON and the site id for CustomSubstitution.
type EncodingKind struct {
	Encoding Encoding `json:"encoding"`
	Param    string   `json:"param,omitempty"`
}

func KindPlain() EncodingKind              { return EncodingKind{Encoding: PlainURL} }
func KindBase64() EncodingKind             { return EncodingKind{Encoding: Base64URL} }
func KindHex() EncodingKind                { return EncodingKind{Encoding: HexURL} }
func KindCipher(keyID string) EncodingKind { return EncodingKind{Encoding: CipherJSON, Param: keyID} }
func KindSubstitution(siteID string) EncodingKind {
	return EncodingKind{Encoding: CustomSubstitution, Param: siteID}
}

func (k EncodingKind) String() string {
	if k.Param == "" {
		return k.Encoding.String()
	}
	return k.Encoding.String() + ":" + k.Param
}

// ParseEncodingKind parses "base64", "cipher:<key>" or "subst:<site>".
func ParseEncodingKind(s string) (EncodingKind, bool) {
	name, param, _ := strings.Cut(s, ":")
	enc, ok := ParseEncoding(name)
	if !ok {
		return EncodingKind{}, false
	}
	if (enc == CipherJSON || enc == CustomSubstitution) && param == "" {
		return EncodingKind{}, false
	}
	return EncodingKind{Encoding: enc, Param: param}, true
}

// Candidate is one raw encoded lead discovered on a source page.
type Candidate struct {
	ServerLabel string       `json:"server"`
	Language    LanguageTag  `json:"language,omitempty"`
	RawPayload  string       `json:"-"`
	Encoding    EncodingKind `json:"encoding"`
	SiteID      string       `json:"site,omitempty"`
	Origin      string       `json:"origin,omitempty"` // page the candidate was found on
}

// ResolvedLink is the outcome of decode, canonicalize and follow.
type ResolvedLink struct {
	URL         string      `json:"url"`
	HostID      string      `json:"host"`
	Language    LanguageTag `json:"language,omitempty"`
	ServerLabel string      `json:"server"`
	Depth       int         `json:"depth"`
}

// Hop is one step of a redirect walk.
type Hop struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Via   string `json:"via"`
}

// TerminalReference is a URL that needs stream extraction, not more following.
// Body holds the last fetched page when the terminal URL was fetched.
type TerminalReference struct {
	URL     string `json:"url"`
	HostID  string `json:"host"`
	Referer string `json:"referer,omitempty"`
	Depth   int    `json:"depth"`
	Hops    []Hop  `json:"hops,omitempty"`
	Body    []byte `json:"-"`
}

// MediaType is the container/protocol of a stream.
type MediaType int

const (
	Progressive MediaType = iota
	HLS
	DASH
)

func (m MediaType) String() string {
	switch m {
	case HLS:
		return "hls"
	case DASH:
		return "dash"
	default:
		return "progressive"
	}
}

func (m MediaType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// DetectMediaType guesses the stream protocol from the URL path.
func DetectMediaType(rawURL string) MediaType {
	path := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		path = strings.ToLower(u.Path)
	}
	switch {
	case strings.HasSuffix(path, ".m3u8") || strings.Contains(path, ".m3u8"):
		return HLS
	case strings.HasSuffix(path, ".mpd"):
		return DASH
	default:
		return Progressive
	}
}

// Quality is the vertical resolution of a stream, 0 when unknown.
type Quality int

const QualityUnknown Quality = 0

func (q Quality) String() string {
	if q == QualityUnknown {
		return "unknown"
	}
	return strconv.Itoa(int(q)) + "p"
}

// ParseQuality reads a resolution out of a label or URL ("1080p", "720",
// "FullHD", "HD", "SD").
func ParseQuality(label string) Quality {
	lower := strings.ToLower(strings.TrimSpace(label))
	for _, q := range []int{2160, 1440, 1080, 720, 480, 360, 240} {
		if strings.Contains(lower, strconv.Itoa(q)) {
			return Quality(q)
		}
	}
	switch {
	case strings.Contains(lower, "4k"), strings.Contains(lower, "uhd"):
		return 2160
	case strings.Contains(lower, "fullhd"), strings.Contains(lower, "fhd"):
		return 1080
	case strings.Contains(lower, "hd"):
		return 720
	case strings.Contains(lower, "sd"):
		return 480
	}
	return QualityUnknown
}

// SubtitleRef is a subtitle track attached to a stream.
type SubtitleRef struct {
	Language string `json:"language"`
	Label    string `json:"label,omitempty"`
	URL      string `json:"url"`
}

// StreamDescriptor is a terminal playable stream.
type StreamDescriptor struct {
	URL         string        `json:"url"`
	Quality     Quality       `json:"quality"`
	MediaType   MediaType     `json:"type"`
	Language    LanguageTag   `json:"language,omitempty"`
	ServerLabel string        `json:"server,omitempty"`
	Referer     string        `json:"referer,omitempty"`
	Subtitles   []SubtitleRef `json:"subtitles,omitempty"`
}

// Stage names the branch step a failure happened in.
type Stage string

const (
	StageDecode       Stage = "decode"
	StageCanonicalize Stage = "canonicalize"
	StageFollow       Stage = "follow"
	StageDispatch     Stage = "dispatch"
	StageSchedule     Stage = "schedule"
)

// FailureReason is the typed cause recorded for a failed branch.
type FailureReason string

const (
	ReasonMalformed        FailureReason = "decode.malformed"
	ReasonAuthFailed       FailureReason = "decode.auth_failed"
	ReasonSchemaMismatch   FailureReason = "decode.schema_mismatch"
	ReasonFetchFailed      FailureReason = "follow.fetch_failed"
	ReasonTooManyHops      FailureReason = "follow.too_many_hops"
	ReasonNoReferenceFound FailureReason = "follow.no_reference_found"
	ReasonUnsupported      FailureReason = "dispatch.unsupported"
	ReasonNoStreamsFound   FailureReason = "dispatch.no_streams_found"
	ReasonTimeout          FailureReason = "orchestrator.timeout"
	ReasonCancelled        FailureReason = "orchestrator.cancelled"
	ReasonUnknown          FailureReason = "unknown"
)

// Failure records one branch that produced no streams because of an error.
type Failure struct {
	Candidate Candidate     `json:"candidate"`
	Stage     Stage         `json:"stage"`
	Reason    FailureReason `json:"reason"`
	Message   string        `json:"message"`
	Err       error         `json:"-"`
}

// ResolutionResult is the aggregate of one resolution. Its slices are never nil.
type ResolutionResult struct {
	Reference ItemReference      `json:"reference"`
	Streams   []StreamDescriptor `json:"streams"`
	Subtitles []SubtitleRef      `json:"subtitles"`
	Links     []ResolvedLink     `json:"links"`
	Failures  []Failure          `json:"failures"`
}

// NewResult returns an empty result for ref.
func NewResult(ref ItemReference) *ResolutionResult {
	return &ResolutionResult{
		Reference: ref,
		Streams:   []StreamDescriptor{},
		Subtitles: []SubtitleRef{},
		Links:     []ResolvedLink{},
		Failures:  []Failure{},
	}
}

// HostID returns the lowercased host of rawURL without port and "www.".
func HostID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
