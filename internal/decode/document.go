package decode

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"embedres/internal/httputil"
	"embedres/internal/media"
)

var (
	urlKeys   = []string{"url", "file", "link", "src"}
	labelKeys = []string{"label", "name", "server", "quality"}
	langKeys  = []string{"lang", "language", "audio"}
	listKeys  = []string{"sources", "links", "streams"}
)

// parseLinkText interprets decoded plaintext: a bare URL or a JSON link
// document. Relative URLs are resolved against base.
func parseLinkText(text, base string) (*Payload, error) {
	text = strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))
	if text == "" {
		return nil, errors.Wrap(ErrMalformed, "empty payload")
	}
	switch text[0] {
	case '{', '[', '"':
		var doc any
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "link document: %v", err)
		}
		return linksFromDocument(doc, base)
	}

	link, err := absoluteLink(text, base)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return &Payload{Links: []Link{{URL: link}}}, nil
}

func absoluteLink(raw, base string) (string, error) {
	u, err := httputil.ResolveReference(base, raw)
	if err != nil {
		return "", err
	}
	if err := httputil.ValidateFetchURL(u, true); err != nil {
		return "", err
	}
	return u, nil
}

// linksFromDocument accepts a JSON string, an object carrying a URL key, an
// object with a sources/links/streams list, an array of any of those, or an
// object keyed by language ({"sub": [...], "dub": [...]}).
func linksFromDocument(doc any, base string) (*Payload, error) {
	var links []Link
	if err := collectLinks(doc, base, media.LangUnknown, &links); err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, errors.Wrap(ErrSchemaMismatch, "link document has no links")
	}
	return &Payload{Links: links}, nil
}

func collectLinks(v any, base string, lang media.LanguageTag, out *[]Link) error {
	switch t := v.(type) {
	case string:
		u, err := absoluteLink(t, base)
		if err != nil {
			return errors.Wrap(ErrSchemaMismatch, err.Error())
		}
		*out = append(*out, Link{URL: u, Language: lang})
		return nil

	case []any:
		for _, item := range t {
			if err := collectLinks(item, base, lang, out); err != nil {
				return err
			}
		}
		return nil

	case map[string]any:
		if raw, ok := firstString(t, urlKeys); ok {
			u, err := absoluteLink(raw, base)
			if err != nil {
				return errors.Wrap(ErrSchemaMismatch, err.Error())
			}
			l := Link{URL: u, Language: lang}
			l.Label, _ = firstString(t, labelKeys)
			if s, ok := firstString(t, langKeys); ok {
				l.Language = media.ParseLanguageTag(s)
			}
			*out = append(*out, l)
			return nil
		}
		for _, k := range listKeys {
			if list, ok := t[k]; ok {
				return collectLinks(list, base, lang, out)
			}
		}
		if len(t) == 0 {
			return errors.Wrap(ErrSchemaMismatch, "empty object")
		}
		// Language-keyed sets; sorted for a stable order.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := collectLinks(t[k], base, media.ParseLanguageTag(k), out); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Wrapf(ErrSchemaMismatch, "unexpected %T in link document", v)
}

func firstString(m map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
