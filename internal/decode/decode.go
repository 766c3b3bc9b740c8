// Package decode turns obfuscated candidate payloads into link lists.
//
// Strategies are looked up in a Registry keyed by (site id, encoding). A
// site-specific entry wins over the default entry for the same encoding, so
// onboarding a site is a registration, not a branch in control flow.
// Decoders never touch the network.
package decode

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"embedres/internal/media"
)

var (
	// ErrMalformed means the payload could not be decoded at all.
	ErrMalformed = errors.New("malformed payload")
	// ErrAuthFailed means AEAD tag verification failed.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrSchemaMismatch means the payload decoded but lacks required fields.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrNoStrategy means no strategy is registered for the candidate.
	ErrNoStrategy = fmt.Errorf("%w: no decode strategy", ErrMalformed)
)

// Link is one decoded lead.
type Link struct {
	URL      string            `json:"url"`
	Label    string            `json:"label,omitempty"`
	Language media.LanguageTag `json:"language,omitempty"`
}

// Payload is the structured result of decoding a candidate.
type Payload struct {
	Links []Link `json:"links"`
}

// Strategy decodes one family of payloads.
type Strategy interface {
	Decode(c media.Candidate) (*Payload, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(c media.Candidate) (*Payload, error)

func (f StrategyFunc) Decode(c media.Candidate) (*Payload, error) { return f(c) }

// Key identifies a registry entry. An empty SiteID is the default for the
// encoding.
type Key struct {
	SiteID   string
	Encoding media.Encoding
}

func (k Key) String() string {
	if k.SiteID == "" {
		return k.Encoding.String()
	}
	return k.SiteID + "/" + k.Encoding.String()
}

// Registry maps keys to strategies. Register everything before the first
// Decode; lookups are safe for concurrent use afterwards.
type Registry struct {
	strategies map[Key]Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[Key]Strategy)}
}

// Register adds s under (siteID, enc). Duplicate keys are rejected.
func (r *Registry) Register(siteID string, enc media.Encoding, s Strategy) error {
	k := Key{SiteID: strings.ToLower(siteID), Encoding: enc}
	if _, dup := r.strategies[k]; dup {
		return errors.Errorf("decode strategy %s already registered", k)
	}
	r.strategies[k] = s
	return nil
}

// Lookup returns the site-specific strategy if present, else the default.
func (r *Registry) Lookup(siteID string, enc media.Encoding) (Strategy, bool) {
	if s, ok := r.strategies[Key{SiteID: strings.ToLower(siteID), Encoding: enc}]; ok {
		return s, true
	}
	s, ok := r.strategies[Key{Encoding: enc}]
	return s, ok
}

// Keys lists registered keys.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.strategies))
	for k := range r.strategies {
		keys = append(keys, k)
	}
	return keys
}

// Decode selects a strategy from the candidate's encoding and runs it.
// CustomSubstitution candidates are keyed by the encoding's site parameter.
func (r *Registry) Decode(c media.Candidate) (*Payload, error) {
	site := c.SiteID
	if c.Encoding.Encoding == media.CustomSubstitution {
		site = c.Encoding.Param
	}
	s, ok := r.Lookup(site, c.Encoding.Encoding)
	if !ok {
		return nil, errors.Wrapf(ErrNoStrategy, "%s", Key{SiteID: site, Encoding: c.Encoding.Encoding})
	}
	p, err := s.Decode(c)
	if err != nil {
		return nil, err
	}
	if p == nil || len(p.Links) == 0 {
		return nil, errors.Wrap(ErrSchemaMismatch, "payload carries no links")
	}
	return p, nil
}

// Options configures the default registry.
type Options struct {
	Keys  *KeyRing
	Sites []SubstitutionSite
	Hex   []XORHexSite
}

// Default builds a registry with the built-in strategies, the allanime hex
// variant and the given substitution sites.
func Default(opts Options) (*Registry, error) {
	r := NewRegistry()
	keys := opts.Keys
	if keys == nil {
		keys = NewKeyRing()
	}

	entries := []struct {
		site string
		enc  media.Encoding
		s    Strategy
	}{
		{"", media.PlainURL, StrategyFunc(decodePlain)},
		{"", media.Base64URL, StrategyFunc(decodeBase64)},
		{"", media.HexURL, StrategyFunc(decodeHex)},
		{"", media.CipherJSON, &CipherStrategy{Keys: keys}},
	}
	for _, e := range entries {
		if err := r.Register(e.site, e.enc, e.s); err != nil {
			return nil, err
		}
	}

	hexSites := append([]XORHexSite{AllAnime()}, opts.Hex...)
	for _, h := range hexSites {
		if err := r.Register(h.SiteID, media.HexURL, h); err != nil {
			return nil, err
		}
	}

	for _, site := range opts.Sites {
		st, err := NewSubstitution(site)
		if err != nil {
			return nil, err
		}
		if err := r.Register(site.SiteID, media.CustomSubstitution, st); err != nil {
			return nil, err
		}
	}
	return r, nil
}
