package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so the same article always maps to the same
// store key. It lowercases the scheme and host, removes default ports, sorts
// query parameters, and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// ResolveURL resolves href against base and returns a normalized absolute
// URL. It fails when the result is not an absolute http(s) URL.
func ResolveURL(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty href")
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	normalized, err := NormalizeURL(ref.String())
	if err != nil {
		return "", err
	}
	if !IsAbsoluteURL(normalized) {
		return "", fmt.Errorf("url %q is not absolute", normalized)
	}
	return normalized, nil
}

// IsAbsoluteURL reports whether raw is a well-formed absolute http(s) URL.
func IsAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// Hostname extracts a lowercase host label for metrics and rate limiting.
// It returns "unknown" if the URL is invalid.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
