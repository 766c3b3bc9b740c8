package decode

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedres/internal/media"
)

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := Default(opts)
	require.NoError(t, err)
	return r
}

func TestDecodeBase64Example(t *testing.T) {
	r := newRegistry(t, Options{})
	p, err := r.Decode(media.Candidate{
		ServerLabel: "A",
		Encoding:    media.KindBase64(),
		RawPayload:  "aHR0cHM6Ly9leGFtcGxlLmNvbS92aWRlbw==",
	})
	require.NoError(t, err)
	require.Len(t, p.Links, 1)
	assert.Equal(t, "https://example.com/video", p.Links[0].URL)
}

func TestDecodeBase64Malformed(t *testing.T) {
	r := newRegistry(t, Options{})
	tests := []struct {
		name    string
		payload string
	}{
		{"bad padding", "aHR0cHM6Ly9leGFtcGxlLmNvbS92aWRlbw="},
		{"bad alphabet", "aHR0cHM6Ly9l*GFtcGxl"},
		{"not a url", base64.StdEncoding.EncodeToString([]byte("hello world"))},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Decode(media.Candidate{Encoding: media.KindBase64(), RawPayload: tt.payload})
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestDecodePlainRelative(t *testing.T) {
	r := newRegistry(t, Options{})
	p, err := r.Decode(media.Candidate{
		Encoding:   media.KindPlain(),
		RawPayload: "/embed/42",
		Origin:     "https://site.example/watch/1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://site.example/embed/42", p.Links[0].URL)
}

func TestDecodeHex(t *testing.T) {
	r := newRegistry(t, Options{})

	p, err := r.Decode(media.Candidate{
		Encoding:   media.KindHex(),
		RawPayload: hex.EncodeToString([]byte("https://example.com/video")),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/video", p.Links[0].URL)

	_, err = r.Decode(media.Candidate{Encoding: media.KindHex(), RawPayload: "abc"})
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeAllAnimeHex(t *testing.T) {
	r := newRegistry(t, Options{})

	p, err := r.Decode(media.Candidate{
		SiteID:     "allanime",
		Encoding:   media.KindHex(),
		RawPayload: "--175948514e",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://allanime.day/apiv", p.Links[0].URL)

	clock := xorHex("/apivtwo/clock?id=abc", 0x38)
	p, err = r.Decode(media.Candidate{SiteID: "allanime", Encoding: media.KindHex(), RawPayload: "--" + clock})
	require.NoError(t, err)
	assert.Equal(t, "https://allanime.day/apivtwo/clock.json?id=abc", p.Links[0].URL)
}

func xorHex(s string, key byte) string {
	b := []byte(s)
	for i := range b {
		b[i] ^= key
	}
	return hex.EncodeToString(b)
}

func TestDecodeLinkDocuments(t *testing.T) {
	r := newRegistry(t, Options{})
	tests := []struct {
		name     string
		doc      string
		wantURLs []string
		wantLang []media.LanguageTag
	}{
		{
			name:     "object with file",
			doc:      `{"file":"https://cdn.example/a.m3u8","label":"HD"}`,
			wantURLs: []string{"https://cdn.example/a.m3u8"},
			wantLang: []media.LanguageTag{media.LangUnknown},
		},
		{
			name:     "sources list",
			doc:      `{"sources":[{"url":"https://a.example/1"},{"url":"https://a.example/2","lang":"dub"}]}`,
			wantURLs: []string{"https://a.example/1", "https://a.example/2"},
			wantLang: []media.LanguageTag{media.LangUnknown, media.LangDub},
		},
		{
			name:     "language keyed sets",
			doc:      `{"sub":["https://a.example/s"],"dub":[{"file":"https://a.example/d"}]}`,
			wantURLs: []string{"https://a.example/d", "https://a.example/s"},
			wantLang: []media.LanguageTag{media.LangDub, media.LangSub},
		},
		{
			name:     "json string",
			doc:      `"https://a.example/x"`,
			wantURLs: []string{"https://a.example/x"},
			wantLang: []media.LanguageTag{media.LangUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Decode(media.Candidate{
				Encoding:   media.KindBase64(),
				RawPayload: base64.StdEncoding.EncodeToString([]byte(tt.doc)),
			})
			require.NoError(t, err)
			var urls []string
			var langs []media.LanguageTag
			for _, l := range p.Links {
				urls = append(urls, l.URL)
				langs = append(langs, l.Language)
			}
			assert.Equal(t, tt.wantURLs, urls)
			assert.Equal(t, tt.wantLang, langs)
		})
	}
}

func TestDecodeLinkDocumentSchemaMismatch(t *testing.T) {
	r := newRegistry(t, Options{})
	for _, doc := range []string{`{}`, `[]`, `{"file":"not a url"}`, `[1,2]`} {
		_, err := r.Decode(media.Candidate{
			Encoding:   media.KindBase64(),
			RawPayload: base64.StdEncoding.EncodeToString([]byte(doc)),
		})
		assert.True(t, errors.Is(err, ErrSchemaMismatch), "%s: got %v", doc, err)
	}
}

func newKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	keys := NewKeyRing()
	require.NoError(t, keys.Add("k-gcm", Secret{Passphrase: "alpha"}))
	require.NoError(t, keys.Add("k-chacha", Secret{Passphrase: "beta", Cipher: ChaCha20Poly1305}))
	require.NoError(t, keys.Add("k-xchacha", Secret{Passphrase: "gamma", Cipher: XChaCha20Poly1305}))
	return keys
}

func TestCipherJSONDecrypts(t *testing.T) {
	keys := newKeyRing(t)
	r := newRegistry(t, Options{Keys: keys})
	cs := &CipherStrategy{Keys: keys}

	for _, id := range []string{"k-gcm", "k-chacha", "k-xchacha"} {
		t.Run(id, func(t *testing.T) {
			payload, err := cs.Seal(id, []byte(`{"file":"https://cdn.example/master.m3u8"}`))
			require.NoError(t, err)

			p, err := r.Decode(media.Candidate{Encoding: media.KindCipher(id), RawPayload: payload})
			require.NoError(t, err)
			assert.Equal(t, "https://cdn.example/master.m3u8", p.Links[0].URL)
		})
	}
}

func tamper(t *testing.T, payload string, edit func(*envelope)) string {
	t.Helper()
	outer, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(outer, &env))
	edit(&env)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func TestCipherJSONTamperedTagIsAuthFailed(t *testing.T) {
	keys := newKeyRing(t)
	r := newRegistry(t, Options{Keys: keys})
	cs := &CipherStrategy{Keys: keys}

	payload, err := cs.Seal("k-gcm", []byte("https://cdn.example/master.m3u8"))
	require.NoError(t, err)

	tampered := tamper(t, payload, func(env *envelope) {
		tag, _ := base64.StdEncoding.DecodeString(env.Tag)
		tag[0] ^= 0xff
		env.Tag = base64.StdEncoding.EncodeToString(tag)
	})
	p, err := r.Decode(media.Candidate{Encoding: media.KindCipher("k-gcm"), RawPayload: tampered})
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrAuthFailed), "got %v", err)

	// The tag may arrive as "mac".
	asMac := tamper(t, payload, func(env *envelope) {
		env.Mac, env.Tag = env.Tag, ""
	})
	_, err = r.Decode(media.Candidate{Encoding: media.KindCipher("k-gcm"), RawPayload: asMac})
	assert.NoError(t, err)

	// Wrong key for the right payload must not decrypt.
	_, err = r.Decode(media.Candidate{Encoding: media.KindCipher("k-chacha"), RawPayload: payload})
	assert.Error(t, err)
}

func TestCipherJSONBadTagClassification(t *testing.T) {
	keys := newKeyRing(t)
	r := newRegistry(t, Options{Keys: keys})
	cs := &CipherStrategy{Keys: keys}

	payload, err := cs.Seal("k-gcm", []byte("https://cdn.example/master.m3u8"))
	require.NoError(t, err)

	tests := []struct {
		name string
		tag  string
		want error
	}{
		{"not base64", "!!notbase64", ErrAuthFailed},
		{"truncated", base64.StdEncoding.EncodeToString([]byte("short")), ErrAuthFailed},
		{"missing", "", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edited := tamper(t, payload, func(env *envelope) {
				env.Tag, env.Mac = tt.tag, ""
			})
			_, err := r.Decode(media.Candidate{Encoding: media.KindCipher("k-gcm"), RawPayload: edited})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestCipherJSONTamperedValueIsAuthFailed(t *testing.T) {
	keys := newKeyRing(t)
	cs := &CipherStrategy{Keys: keys}
	payload, err := cs.Seal("k-chacha", []byte("https://cdn.example/master.m3u8"))
	require.NoError(t, err)

	tampered := tamper(t, payload, func(env *envelope) {
		v, _ := base64.StdEncoding.DecodeString(env.Value)
		v[len(v)-1] ^= 0x01
		env.Value = base64.StdEncoding.EncodeToString(v)
	})
	_, err = cs.Open("k-chacha", tampered)
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func TestCipherJSONUnknownKey(t *testing.T) {
	r := newRegistry(t, Options{})
	_, err := r.Decode(media.Candidate{Encoding: media.KindCipher("nope"), RawPayload: base64.StdEncoding.EncodeToString([]byte(`{"iv":"AAAAAAAAAAAAAAAA","value":"","tag":"AAAAAAAAAAAAAAAAAAAAAA=="}`))})
	assert.True(t, errors.Is(err, ErrUnknownKey))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestKeyRingRejectsBadSecrets(t *testing.T) {
	keys := NewKeyRing()
	assert.Error(t, keys.Add("", Secret{Passphrase: "x"}))
	assert.Error(t, keys.Add("a", Secret{}))
	assert.Error(t, keys.Add("a", Secret{Passphrase: "x", Cipher: "rot13"}))
	assert.NoError(t, keys.Add("a", Secret{Passphrase: "x", Cipher: "AES-256-GCM"}))
	assert.Equal(t, 1, keys.Len())
}

func TestRemapInverse(t *testing.T) {
	s := `{"file":"https://cdn.example/a.m3u8","label":"HD 720"}`
	enc := Remap(s, 11)
	assert.NotEqual(t, s, enc)
	assert.Equal(t, s, Remap(enc, -11))

	// Structural characters survive.
	for _, c := range `{}:,"` {
		assert.Contains(t, enc, string(c))
	}
}

func TestSubstitutionDecodesDamagedJSON(t *testing.T) {
	site := SubstitutionSite{SiteID: "shift7", Shift: 7, RequiredKeys: []string{"file", "label"}, LabelKey: "label", LanguageKey: "lang"}
	r := newRegistry(t, Options{Sites: []SubstitutionSite{site}})

	damaged := `{file:'https://cdn.example/a.m3u8',,label:"HD",lang:"dub" file:"https://cdn.example/b.m3u8",label:"SD"`
	payload := base64.StdEncoding.EncodeToString([]byte(Remap(damaged, 7)))

	p, err := r.Decode(media.Candidate{Encoding: media.KindSubstitution("shift7"), RawPayload: payload})
	require.NoError(t, err)
	require.Len(t, p.Links, 2)
	assert.Equal(t, Link{URL: "https://cdn.example/a.m3u8", Label: "HD", Language: media.LangDub}, p.Links[0])
	assert.Equal(t, Link{URL: "https://cdn.example/b.m3u8", Label: "SD"}, p.Links[1])
}

func TestSubstitutionMissingRequiredKey(t *testing.T) {
	site := SubstitutionSite{SiteID: "s", Shift: 3, RequiredKeys: []string{"label"}}
	r := newRegistry(t, Options{Sites: []SubstitutionSite{site}})

	payload := base64.StdEncoding.EncodeToString([]byte(Remap(`{file:"https://cdn.example/a.m3u8"}`, 3)))
	_, err := r.Decode(media.Candidate{Encoding: media.KindSubstitution("s"), RawPayload: payload})
	assert.True(t, errors.Is(err, ErrSchemaMismatch), "got %v", err)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	def := StrategyFunc(func(media.Candidate) (*Payload, error) {
		return &Payload{Links: []Link{{URL: "https://default.example"}}}, nil
	})
	site := StrategyFunc(func(media.Candidate) (*Payload, error) {
		return &Payload{Links: []Link{{URL: "https://site.example"}}}, nil
	})
	require.NoError(t, r.Register("", media.PlainURL, def))
	require.NoError(t, r.Register("SiteA", media.PlainURL, site))
	assert.Error(t, r.Register("sitea", media.PlainURL, site))

	p, err := r.Decode(media.Candidate{SiteID: "sitea", Encoding: media.KindPlain()})
	require.NoError(t, err)
	assert.Equal(t, "https://site.example", p.Links[0].URL)

	p, err = r.Decode(media.Candidate{SiteID: "other", Encoding: media.KindPlain()})
	require.NoError(t, err)
	assert.Equal(t, "https://default.example", p.Links[0].URL)

	_, err = r.Decode(media.Candidate{Encoding: media.KindHex()})
	assert.True(t, errors.Is(err, ErrNoStrategy))
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.Len(t, r.Keys(), 2)
}
