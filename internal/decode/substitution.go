package decode

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"embedres/internal/media"
)

// structural characters keep their identity through a remap so JSON shape
// survives obfuscation.
const structural = " {}[]:,\"\\"

// remapAlphabet is printable ASCII minus the structural characters.
var remapAlphabet = func() []byte {
	var a []byte
	for c := byte(32); c <= 126; c++ {
		if strings.IndexByte(structural, c) < 0 {
			a = append(a, c)
		}
	}
	return a
}()

var remapIndex = func() map[byte]int {
	m := make(map[byte]int, len(remapAlphabet))
	for i, c := range remapAlphabet {
		m[c] = i
	}
	return m
}()

// Remap rotates every non-structural printable character by shift positions
// within the remap alphabet. Remap(Remap(s, n), -n) == s.
func Remap(s string, shift int) string {
	n := len(remapAlphabet)
	shift %= n
	if shift < 0 {
		shift += n
	}
	b := []byte(s)
	for i, c := range b {
		if idx, ok := remapIndex[c]; ok {
			b[i] = remapAlphabet[(idx+shift)%n]
		}
	}
	return string(b)
}

// SubstitutionSite describes one site's CustomSubstitution scheme.
type SubstitutionSite struct {
	SiteID       string   `toml:"site"`
	Shift        int      `toml:"shift"`
	RequiredKeys []string `toml:"required_keys"`
	URLKey       string   `toml:"url_key"`
	LabelKey     string   `toml:"label_key"`
	LanguageKey  string   `toml:"language_key"`
}

// Substitution decodes base64, undoes the site's remap, repairs the JSON and
// maps each object to a link.
type Substitution struct {
	site     SubstitutionSite
	required []string
}

// NewSubstitution validates site and fills defaults: the URL key is "file"
// and is always required.
func NewSubstitution(site SubstitutionSite) (*Substitution, error) {
	if site.SiteID == "" {
		return nil, errors.New("substitution site id cannot be empty")
	}
	if site.URLKey == "" {
		site.URLKey = "file"
	}
	required := []string{site.URLKey}
	for _, k := range site.RequiredKeys {
		if k != site.URLKey && k != "" {
			required = append(required, k)
		}
	}
	return &Substitution{site: site, required: required}, nil
}

func (s *Substitution) Decode(c media.Candidate) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.RawPayload))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: base64: %v", s.site.SiteID, err)
	}

	text := Remap(string(raw), -s.site.Shift)
	repaired := Repair(text, s.required)

	var doc any
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: repaired JSON: %v", s.site.SiteID, err)
	}

	var objects []map[string]any
	switch t := doc.(type) {
	case map[string]any:
		objects = []map[string]any{t}
	case []any:
		for _, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, errors.Wrapf(ErrSchemaMismatch, "%s: list element is %T", s.site.SiteID, item)
			}
			objects = append(objects, obj)
		}
	default:
		return nil, errors.Wrapf(ErrSchemaMismatch, "%s: document is %T", s.site.SiteID, doc)
	}

	links := make([]Link, 0, len(objects))
	for i, obj := range objects {
		for _, k := range s.required {
			if v, ok := obj[k]; !ok || v == nil {
				return nil, errors.Wrapf(ErrSchemaMismatch, "%s: entry %d lacks %q", s.site.SiteID, i, k)
			}
		}
		rawURL, ok := obj[s.site.URLKey].(string)
		if !ok {
			return nil, errors.Wrapf(ErrSchemaMismatch, "%s: entry %d %q is not a string", s.site.SiteID, i, s.site.URLKey)
		}
		u, err := absoluteLink(rawURL, c.Origin)
		if err != nil {
			return nil, errors.Wrapf(ErrSchemaMismatch, "%s: entry %d: %v", s.site.SiteID, i, err)
		}
		l := Link{URL: u}
		if s.site.LabelKey != "" {
			l.Label, _ = obj[s.site.LabelKey].(string)
		}
		if s.site.LanguageKey != "" {
			if lang, ok := obj[s.site.LanguageKey].(string); ok {
				l.Language = media.ParseLanguageTag(lang)
			}
		}
		links = append(links, l)
	}
	if len(links) == 0 {
		return nil, errors.Wrapf(ErrSchemaMismatch, "%s: no entries", s.site.SiteID)
	}
	return &Payload{Links: links}, nil
}
