// Package scan discovers raw candidates on a source page. Which decoder a
// candidate needs is read off the page structure (the attribute or script
// marker it came from), never guessed by trial decoding.
package scan

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"embedres/internal/logging"
	"embedres/internal/media"
)

// AttrRule maps an element attribute to the encoding of its value. ParamAttr
// names the sibling attribute carrying the encoding parameter (key id or
// site id); elements without it are skipped.
type AttrRule struct {
	Attr      string
	Encoding  media.Encoding
	ParamAttr string
}

// ScriptRule finds payloads in inline script text. Pattern must have a
// "payload" group and may have a "label" group.
type ScriptRule struct {
	Name    string
	Pattern *regexp.Regexp
	Kind    media.EncodingKind
	// SiteID overrides the scanner's site for candidates from this rule.
	SiteID string
}

// Server maps a composite reference's server name to an encoding.
type Server struct {
	Name     string
	Kind     media.EncodingKind
	Language media.LanguageTag
}

// DefaultAttrRules are checked in order.
var DefaultAttrRules = []AttrRule{
	{Attr: "data-embed", Encoding: media.PlainURL},
	{Attr: "data-link", Encoding: media.PlainURL},
	{Attr: "data-base64", Encoding: media.Base64URL},
	{Attr: "data-hex", Encoding: media.HexURL},
	{Attr: "data-cipher", Encoding: media.CipherJSON, ParamAttr: "data-key-id"},
	{Attr: "data-payload", Encoding: media.CustomSubstitution, ParamAttr: "data-site"},
}

// DefaultScriptRules are checked in order.
var DefaultScriptRules = []ScriptRule{
	{
		Name:    "allanime-source",
		Pattern: regexp.MustCompile(`"sourceUrl"\s*:\s*"(?P<payload>--[0-9a-fA-F]+)"[^{}]*?"sourceName"\s*:\s*"(?P<label>[^"]+)"`),
		Kind:    media.KindHex(),
		SiteID:  "allanime",
	},
	{
		Name:    "atob",
		Pattern: regexp.MustCompile(`atob\(\s*["'](?P<payload>[A-Za-z0-9+/]{8,}={0,2})["']\s*\)`),
		Kind:    media.KindBase64(),
	},
	{
		Name:    "embed-url",
		Pattern: regexp.MustCompile(`(?:embedUrl|embed_url|iframeSrc)["']?\s*[:=]\s*["'](?P<payload>https?:[^"']+)["']`),
		Kind:    media.KindPlain(),
	},
}

var (
	labelAttrs = []string{"data-server", "data-name", "title"}
	langAttrs  = []string{"data-type", "data-lang", "data-language"}
)

// Options configures an HTMLScanner. Nil rule slices use the defaults.
type Options struct {
	SiteID      string
	AttrRules   []AttrRule
	ScriptRules []ScriptRule
	Servers     []Server
	Logger      *log.Logger
}

// HTMLScanner extracts candidates with a fixed rule table. It is immutable
// after New and safe for concurrent use.
type HTMLScanner struct {
	siteID      string
	attrRules   []AttrRule
	scriptRules []ScriptRule
	servers     map[string]Server
	logger      *log.Logger
}

// New creates an HTMLScanner.
func New(opts Options) (*HTMLScanner, error) {
	s := &HTMLScanner{
		siteID:      strings.ToLower(opts.SiteID),
		attrRules:   opts.AttrRules,
		scriptRules: opts.ScriptRules,
		servers:     make(map[string]Server, len(opts.Servers)),
		logger:      logging.OrDiscard(opts.Logger),
	}
	if s.attrRules == nil {
		s.attrRules = DefaultAttrRules
	}
	if s.scriptRules == nil {
		s.scriptRules = DefaultScriptRules
	}
	for _, r := range s.scriptRules {
		if r.Pattern == nil || r.Pattern.SubexpIndex("payload") < 0 {
			return nil, errors.Errorf("script rule %q needs a payload group", r.Name)
		}
	}
	for _, srv := range opts.Servers {
		name := strings.ToLower(strings.TrimSpace(srv.Name))
		if name == "" {
			return nil, errors.New("server mapping needs a name")
		}
		if _, dup := s.servers[name]; dup {
			return nil, errors.Errorf("server %q mapped twice", srv.Name)
		}
		s.servers[name] = srv
	}
	return s, nil
}

// Composite turns a "server|token" reference into a candidate using the
// server table. ok is false when ref is not composite. An unknown server
// yields no candidates.
func (s *HTMLScanner) Composite(ref media.ItemReference) (candidates []media.Candidate, ok bool) {
	server, token, ok := ref.Composite()
	if !ok {
		return nil, false
	}
	srv, known := s.servers[strings.ToLower(server)]
	if !known {
		s.logger.Warn("unknown server in composite reference", "server", server)
		return []media.Candidate{}, true
	}
	return []media.Candidate{{
		ServerLabel: server,
		Language:    srv.Language,
		RawPayload:  token,
		Encoding:    srv.Kind,
		SiteID:      s.siteID,
	}}, true
}

// Scan returns the candidates on a fetched source page. A page with none is
// not an error.
func (s *HTMLScanner) Scan(body []byte, pageURL string) ([]media.Candidate, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []media.Candidate{}, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parsing source page")
	}

	var out []media.Candidate
	for _, rule := range s.attrRules {
		doc.Find("[" + rule.Attr + "]").Each(func(_ int, sel *goquery.Selection) {
			payload := strings.TrimSpace(sel.AttrOr(rule.Attr, ""))
			if payload == "" {
				return
			}
			kind := media.EncodingKind{Encoding: rule.Encoding}
			if rule.ParamAttr != "" {
				kind.Param = strings.TrimSpace(sel.AttrOr(rule.ParamAttr, ""))
				if kind.Param == "" {
					s.logger.Debug("skipping element without encoding parameter", "attr", rule.Attr, "param", rule.ParamAttr)
					return
				}
			}
			out = append(out, media.Candidate{
				ServerLabel: label(sel, len(out)),
				Language:    language(sel),
				RawPayload:  payload,
				Encoding:    kind,
				SiteID:      s.siteID,
				Origin:      pageURL,
			})
		})
	}

	doc.Find("iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(strings.ToLower(src), "about:") {
			return
		}
		out = append(out, media.Candidate{
			ServerLabel: label(sel, len(out)),
			Language:    language(sel),
			RawPayload:  src,
			Encoding:    media.KindPlain(),
			SiteID:      s.siteID,
			Origin:      pageURL,
		})
	})

	var scripts strings.Builder
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		scripts.WriteString(sel.Text())
		scripts.WriteByte('\n')
	})
	js := scripts.String()
	for _, rule := range s.scriptRules {
		payloadIdx := rule.Pattern.SubexpIndex("payload")
		labelIdx := rule.Pattern.SubexpIndex("label")
		site := s.siteID
		if rule.SiteID != "" {
			site = rule.SiteID
		}
		for _, m := range rule.Pattern.FindAllStringSubmatch(js, -1) {
			name := ""
			if labelIdx >= 0 {
				name = m[labelIdx]
			}
			if name == "" {
				name = fmt.Sprintf("%s %d", rule.Name, len(out)+1)
			}
			out = append(out, media.Candidate{
				ServerLabel: name,
				RawPayload:  m[payloadIdx],
				Encoding:    rule.Kind,
				SiteID:      site,
				Origin:      pageURL,
			})
		}
	}

	out = lo.UniqBy(out, func(c media.Candidate) string {
		return c.Encoding.String() + "\x00" + c.RawPayload
	})
	s.logger.Debug("scanned source page", "url", pageURL, "candidates", len(out))
	if out == nil {
		out = []media.Candidate{}
	}
	return out, nil
}

// label prefers explicit attributes over the element's text.
func label(sel *goquery.Selection, n int) string {
	for _, a := range labelAttrs {
		if v := strings.TrimSpace(sel.AttrOr(a, "")); v != "" {
			return v
		}
	}
	if text := strings.Join(strings.Fields(sel.Text()), " "); text != "" {
		return text
	}
	return fmt.Sprintf("server %d", n+1)
}

// language reads the element's language attributes, then its nearest
// ancestor's.
func language(sel *goquery.Selection) media.LanguageTag {
	for _, a := range langAttrs {
		if v, ok := sel.Attr(a); ok {
			if tag := media.ParseLanguageTag(v); tag != media.LangUnknown {
				return tag
			}
		}
	}
	parent := sel.Parent().Closest("[data-type], [data-lang], [data-language]")
	if parent.Length() == 0 {
		return media.LangUnknown
	}
	return language(parent)
}
