// Package subtitle merges and selects the subtitle tracks attached to
// resolved streams.
package subtitle

import (
	"strings"

	"github.com/samber/lo"

	"embedres/internal/media"
)

// Merge collects every stream's subtitles plus extra, in first-seen order,
// dropping tracks whose URL was already seen. The result is never nil.
func Merge(streams []media.StreamDescriptor, extra ...media.SubtitleRef) []media.SubtitleRef {
	all := make([]media.SubtitleRef, 0, len(extra))
	for _, s := range streams {
		all = append(all, s.Subtitles...)
	}
	all = append(all, extra...)
	all = lo.Filter(all, func(s media.SubtitleRef, _ int) bool { return strings.TrimSpace(s.URL) != "" })
	return lo.UniqBy(all, func(s media.SubtitleRef) string { return key(s.URL) })
}

func key(u string) string {
	u = strings.TrimSpace(u)
	if i := strings.Index(u, "#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(u)
}

// Filter returns subtitles matching the preferred language (case-insensitive).
func Filter(subtitles []media.SubtitleRef, language string) []media.SubtitleRef {
	if language == "" {
		return subtitles
	}

	lang := strings.ToLower(language)
	return lo.Filter(subtitles, func(sub media.SubtitleRef, _ int) bool {
		return strings.Contains(strings.ToLower(sub.Language), lang) ||
			strings.Contains(strings.ToLower(sub.Label), lang)
	})
}

// BestMatch returns the best matching subtitle for the given language:
// an exact language match first, then a non-SDH label match, then any match.
func BestMatch(subtitles []media.SubtitleRef, language string) *media.SubtitleRef {
	filtered := Filter(subtitles, language)
	if len(filtered) == 0 {
		return nil
	}

	lang := strings.ToLower(language)
	sdh := func(s media.SubtitleRef) bool {
		return strings.Contains(strings.ToLower(s.Label), "sdh")
	}

	if sub, ok := lo.Find(filtered, func(s media.SubtitleRef) bool {
		return strings.EqualFold(s.Language, lang) && !sdh(s)
	}); ok {
		return &sub
	}
	if sub, ok := lo.Find(filtered, func(s media.SubtitleRef) bool {
		return strings.Contains(strings.ToLower(s.Label), lang) && !sdh(s)
	}); ok {
		return &sub
	}
	return &filtered[0]
}

// Restrict keeps only subtitles matching language on every stream and
// returns the updated copies.
func Restrict(streams []media.StreamDescriptor, language string) []media.StreamDescriptor {
	return lo.Map(streams, func(s media.StreamDescriptor, _ int) media.StreamDescriptor {
		s.Subtitles = Filter(s.Subtitles, language)
		return s
	})
}
