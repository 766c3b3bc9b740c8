// Package alias canonicalizes mirror and alias hosts to the host a terminal
// extractor recognizes.
//
// The rule table is data: an embedded default TOML table extended by the
// user's config and an optional rules file. A Resolver is built once at
// startup and is read-only afterwards, so it can be shared by every branch.
package alias

import (
	_ "embed"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

//go:embed defaults.toml
var defaultTable []byte

// Rule rewrites a URL starting with Prefix to start with Replacement.
type Rule struct {
	Prefix      string `toml:"prefix"`
	Replacement string `toml:"replacement"`
}

type table struct {
	Alias []Rule `toml:"alias"`
}

// Resolver applies an ordered rule list, first match wins.
type Resolver struct {
	rules []Rule
}

// New validates rules and builds a Resolver. A rule whose replacement could be
// matched again by any rule is rejected, which keeps Canonicalize idempotent.
func New(rules []Rule) (*Resolver, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		p := normalize(strings.TrimSpace(r.Prefix))
		rep := normalize(strings.TrimSpace(r.Replacement))
		if p == "" || rep == "" {
			return nil, errors.Errorf("alias rule %d: prefix and replacement are required", i)
		}
		if p == rep {
			return nil, errors.Errorf("alias rule %d: prefix equals replacement %q", i, p)
		}
		out = append(out, Rule{Prefix: p, Replacement: rep})
	}

	for i, a := range out {
		for j, b := range out {
			if matches(a.Replacement, b.Prefix) || strings.HasPrefix(b.Prefix, a.Replacement) {
				return nil, errors.Errorf("alias rule %d replacement %q is matched by rule %d prefix %q", i, a.Replacement, j, b.Prefix)
			}
		}
	}
	return &Resolver{rules: out}, nil
}

// Defaults returns the embedded default rules.
func Defaults() ([]Rule, error) {
	return parse(defaultTable, "embedded defaults")
}

// LoadFile reads rules from a TOML file with [[alias]] tables.
func LoadFile(path string) ([]Rule, error) {
	var t table
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, errors.Wrapf(err, "loading alias file %s", path)
	}
	return t.Alias, nil
}

func parse(data []byte, name string) ([]Rule, error) {
	var t table
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrapf(err, "parsing alias table %s", name)
	}
	return t.Alias, nil
}

// Load builds a Resolver from inline rules, then the optional file, then the
// embedded defaults. Earlier rules win.
func Load(inline []Rule, path string) (*Resolver, error) {
	rules := append([]Rule{}, inline...)
	if path != "" {
		fileRules, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	defaults, err := Defaults()
	if err != nil {
		return nil, err
	}
	rules = append(rules, defaults...)
	return New(rules)
}

// Canonicalize rewrites rawURL with the first matching rule. Scheme and host
// are compared case-insensitively. A URL that matches no rule is returned
// exactly as given.
func (r *Resolver) Canonicalize(rawURL string) string {
	s := normalize(strings.TrimSpace(rawURL))
	for _, rule := range r.rules {
		if matches(s, rule.Prefix) {
			return rule.Replacement + s[len(rule.Prefix):]
		}
	}
	return rawURL
}

// Rules returns a copy of the rule list in match order.
func (r *Resolver) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// matches reports whether s starts with prefix at a URL boundary, so
// "https://vidsrc.to" does not match "https://vidsrc.top".
func matches(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) || strings.HasSuffix(prefix, "/") || strings.HasSuffix(prefix, ".") {
		return true
	}
	return strings.IndexByte("/?#:", s[len(prefix)]) >= 0
}

// normalize lowercases the scheme and host of an absolute URL. Userinfo,
// path, query and fragment keep their case.
func normalize(s string) string {
	i := strings.Index(s, "://")
	if i <= 0 {
		return s
	}
	rest := s[i+3:]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	authority := rest[:end]
	at := strings.LastIndexByte(authority, '@')
	return strings.ToLower(s[:i+3]) + authority[:at+1] + strings.ToLower(authority[at+1:]) + rest[end:]
}
