package httputil

import (
	"errors"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid HTTPS", "https://example.com/path", false},
		{"HTTP rejected", "http://example.com/path", true},
		{"javascript scheme rejected", "javascript:alert(1)", true},
		{"data scheme rejected", "data:text/html,<h1>Hi</h1>", true},
		{"FTP rejected", "ftp://example.com/file", true},
		{"empty string", "", true},
		{"no host", "https://", true},
		{"valid with port", "https://example.com:8080/path", false},
		{"valid with query", "https://example.com/path?q=test&a=b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidURL) {
				t.Errorf("ValidateURL(%q) error %v does not wrap ErrInvalidURL", tt.url, err)
			}
		})
	}
}

func TestValidateFetchURLAllowHTTP(t *testing.T) {
	if err := ValidateFetchURL("http://127.0.0.1:8080/x", true); err != nil {
		t.Errorf("http with allowHTTP: %v", err)
	}
	if err := ValidateFetchURL("ftp://127.0.0.1/x", true); err == nil {
		t.Error("ftp should be rejected even with allowHTTP")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  https://example.com/a  ", "https://example.com/a"},
		{`https:\/\/example.com\/a`, "https://example.com/a"},
		{"//cdn.example/x.m3u8", "https://cdn.example/x.m3u8"},
		{"https://e.com/?a=1&amp;b=2", "https://e.com/?a=1&b=2"},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveReference(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		ref     string
		want    string
		wantErr bool
	}{
		{"absolute", "https://a.com/p", "https://b.com/q", "https://b.com/q", false},
		{"relative path", "https://a.com/embed/1", "/player?id=2", "https://a.com/player?id=2", false},
		{"sibling", "https://a.com/embed/1", "2", "https://a.com/embed/2", false},
		{"protocol relative", "https://a.com/", "//b.com/x", "https://b.com/x", false},
		{"relative without base", "", "/x", "", true},
		{"empty", "https://a.com", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveReference(tt.base, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveReference() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveReference() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSameURL(t *testing.T) {
	if !SameURL("https://A.com/x/", "https://a.com/x#frag") {
		t.Error("expected URLs to compare equal")
	}
	if SameURL("https://a.com/x", "https://a.com/y") {
		t.Error("expected URLs to differ")
	}
}
