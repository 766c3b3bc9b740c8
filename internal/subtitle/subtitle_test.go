package subtitle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"embedres/internal/media"
)

func TestFilter(t *testing.T) {
	subs := []media.SubtitleRef{
		{Language: "English", Label: "English"},
		{Language: "English", Label: "English - SDH"},
		{Language: "Spanish", Label: "Spanish"},
		{Language: "French", Label: "French"},
	}

	tests := []struct {
		lang     string
		expected int
	}{
		{"english", 2},
		{"spanish", 1},
		{"french", 1},
		{"german", 0},
		{"", 4},
	}

	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			got := Filter(subs, tt.lang)
			if len(got) != tt.expected {
				t.Errorf("Filter(%q) returned %d subs, want %d", tt.lang, len(got), tt.expected)
			}
		})
	}
}

func TestBestMatch(t *testing.T) {
	subs := []media.SubtitleRef{
		{Language: "English", Label: "English - SDH", URL: "https://example.com/sdh.vtt"},
		{Language: "English", Label: "English", URL: "https://example.com/en.vtt"},
		{Language: "Spanish", Label: "Spanish", URL: "https://example.com/es.vtt"},
		{Language: "pt", Label: "Portuguese (Brazil)", URL: "https://example.com/pt.vtt"},
	}

	best := BestMatch(subs, "english")
	if best == nil {
		t.Fatal("BestMatch returned nil for english")
	}
	if best.Label != "English" {
		t.Errorf("BestMatch preferred %q, want 'English' (non-SDH)", best.Label)
	}

	best = BestMatch(subs, "spanish")
	if best == nil || best.Language != "Spanish" {
		t.Fatalf("BestMatch(spanish) = %+v", best)
	}

	best = BestMatch(subs, "portuguese")
	if best == nil || best.URL != "https://example.com/pt.vtt" {
		t.Fatalf("BestMatch(portuguese) = %+v", best)
	}

	if best := BestMatch(subs, "japanese"); best != nil {
		t.Error("BestMatch should return nil for unmatched language")
	}
}

func TestMerge(t *testing.T) {
	en := media.SubtitleRef{Language: "English", URL: "https://cdn.example/en.vtt"}
	es := media.SubtitleRef{Language: "Spanish", URL: "https://cdn.example/es.vtt"}
	streams := []media.StreamDescriptor{
		{URL: "https://a.example/1.m3u8", Subtitles: []media.SubtitleRef{en, es}},
		{URL: "https://b.example/2.m3u8", Subtitles: []media.SubtitleRef{{Language: "en", URL: "https://CDN.example/en.vtt#t=0"}}},
		{URL: "https://c.example/3.m3u8"},
	}

	got := Merge(streams, media.SubtitleRef{URL: " "}, media.SubtitleRef{Language: "French", URL: "https://cdn.example/fr.vtt"})
	assert.Equal(t, []media.SubtitleRef{en, es, {Language: "French", URL: "https://cdn.example/fr.vtt"}}, got)

	assert.NotNil(t, Merge(nil))
	assert.Empty(t, Merge(nil))
}

func TestRestrict(t *testing.T) {
	streams := []media.StreamDescriptor{{
		URL: "https://a.example/1.m3u8",
		Subtitles: []media.SubtitleRef{
			{Language: "English", URL: "https://cdn.example/en.vtt"},
			{Language: "Spanish", URL: "https://cdn.example/es.vtt"},
		},
	}}

	got := Restrict(streams, "spanish")
	assert.Len(t, got[0].Subtitles, 1)
	assert.Len(t, streams[0].Subtitles, 2)
}
