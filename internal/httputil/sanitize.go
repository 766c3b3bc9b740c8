package httputil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is wrapped by every URL validation failure.
var ErrInvalidURL = errors.New("invalid URL")

// ValidateURL checks that a URL is well-formed and uses HTTPS.
func ValidateURL(rawURL string) error {
	return ValidateFetchURL(rawURL, false)
}

// ValidateFetchURL checks that a URL is well-formed, has a host and uses
// HTTPS, or HTTP when allowHTTP is set.
func ValidateFetchURL(rawURL string, allowHTTP bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed: %v", ErrInvalidURL, err)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && allowHTTP:
	default:
		return fmt.Errorf("%w: only HTTPS URLs are allowed, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL has no host", ErrInvalidURL)
	}
	return nil
}

// NormalizeURL trims whitespace and unescapes the forms pages commonly embed
// ("\/" and "&amp;"). Protocol-relative URLs get an https scheme.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, `\/`, "/")
	s = strings.ReplaceAll(s, "&amp;", "&")
	if strings.HasPrefix(s, "//") {
		s = "https:" + s
	}
	return s
}

// ResolveReference resolves ref against base, returning an absolute URL.
func ResolveReference(base, ref string) (string, error) {
	ref = NormalizeURL(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidURL)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	if base == "" {
		return "", fmt.Errorf("%w: relative reference %q without base", ErrInvalidURL, ref)
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: base: %v", ErrInvalidURL, err)
	}
	return b.ResolveReference(r).String(), nil
}

// SameURL compares two URLs ignoring a trailing slash and fragment.
func SameURL(a, b string) bool {
	return canonicalForm(a) == canonicalForm(b)
}

func canonicalForm(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
