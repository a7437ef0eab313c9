package core

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a URL so equivalent spellings dedupe to one key:
// lowercased scheme and host, default ports stripped, fragment dropped, query
// parameters sorted. Only absolute http(s) URLs are accepted.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q has unsupported scheme %q", raw, u.Scheme)
	}

	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host

	u.Fragment = ""
	// Encode sorts keys, giving a stable parameter order.
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// DomainOf returns the lowercased hostname of a URL, without port.
func DomainOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return strings.ToLower(host), nil
}

// NormalizeContent canonicalizes payload bytes before hashing so formatting
// noise does not defeat deduplication: CRLF collapses to LF and surrounding
// whitespace is trimmed.
func NormalizeContent(data []byte) []byte {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.TrimSpace(normalized)
}
