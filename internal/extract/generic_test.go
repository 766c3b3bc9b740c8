package extract

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedres/internal/media"
)

func TestGenericDirectManifest(t *testing.T) {
	g := NewGeneric(nil)
	streams, err := g.Extract(context.Background(), media.TerminalReference{
		URL:     "https://cdn.example/v/master.m3u8?t=1",
		Referer: "https://player.example/e/1",
	}, "")
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, media.HLS, streams[0].MediaType)
	assert.Equal(t, "https://player.example/e/1", streams[0].Referer)
}

func TestGenericScansTags(t *testing.T) {
	page := `<html><body>
		<video>
			<source src="/media/720.mp4" label="720p" type="video/mp4">
			<source src="https://cdn.example/media/1080.mp4" size="1080">
			<source src="/media/720.mp4" label="720p">
			<track src="/subs/en.vtt" kind="captions" srclang="en" label="English">
			<track src="/subs/chapters.vtt" kind="chapters">
		</video>
	</body></html>`
	f := &fakeFetcher{pages: map[string]string{"https://host.example/e/5": page}}
	g := NewGeneric(f)

	streams, err := g.Extract(context.Background(), media.TerminalReference{URL: "https://host.example/e/5"}, "https://site.example/")
	require.NoError(t, err)
	require.Len(t, streams, 2)

	assert.Equal(t, "https://host.example/media/720.mp4", streams[0].URL)
	assert.Equal(t, media.Quality(720), streams[0].Quality)
	assert.Equal(t, media.Progressive, streams[0].MediaType)
	assert.Equal(t, media.Quality(1080), streams[1].Quality)
	assert.Equal(t, []media.SubtitleRef{{Language: "en", Label: "English", URL: "https://host.example/subs/en.vtt"}}, streams[0].Subtitles)
	assert.Equal(t, "https://site.example/", f.calls[0].Referer)
}

func TestGenericScansScriptsAndBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		typ  media.MediaType
	}{
		{"assignment", `<script>var sources = [{file:'https:\/\/cdn.example\/a.m3u8'}]</script>`, "https://cdn.example/a.m3u8", media.HLS},
		{"quoted", `<script>load("//cdn.example/b/manifest.mpd")</script>`, "https://cdn.example/b/manifest.mpd", media.DASH},
		{"raw body", `{"stream": https://cdn.example/c.m3u8 }`, "https://cdn.example/c.m3u8", media.HLS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streams, err := NewGeneric(nil).Extract(context.Background(), media.TerminalReference{
				URL:  "https://host.example/p",
				Body: []byte(tt.body),
			}, "")
			require.NoError(t, err)
			require.NotEmpty(t, streams)
			assert.Equal(t, tt.want, streams[0].URL)
			assert.Equal(t, tt.typ, streams[0].MediaType)
		})
	}
}

func TestGenericNothingFound(t *testing.T) {
	_, err := NewGeneric(nil).Extract(context.Background(), media.TerminalReference{
		URL:  "https://host.example/p",
		Body: []byte(`<p>offline</p>`),
	}, "")
	assert.True(t, errors.Is(err, ErrNoStreamsFound), "got %v", err)
}
