package parse

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeURL returns the key used to de-duplicate the crawl frontier.
// Scheme and host are lowercased, default ports dropped, an empty path becomes
// "/" and a trailing slash is trimmed. The fragment is dropped, but the query is
// kept with its parameters sorted, since listing pages often differ only by query.
// u is not modified.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.User = nil
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)

	if host, port, err := net.SplitHostPort(n.Host); err == nil {
		if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
			n.Host = host
		}
	}

	switch {
	case n.Path == "" && n.Host != "":
		n.Path = "/"
	case len(n.Path) > 1 && strings.HasSuffix(n.Path, "/"):
		n.Path = strings.TrimRight(n.Path, "/")
		if n.Path == "" {
			n.Path = "/"
		}
	}
	n.RawPath = ""

	n.Fragment = ""
	n.RawFragment = ""
	if n.RawQuery != "" {
		if values, err := url.ParseQuery(n.RawQuery); err == nil {
			n.RawQuery = values.Encode()
		}
	}
	n.ForceQuery = false

	return n.String()
}

// ParseAndNormalize parses urlStr with url.ParseRequestURI, which requires an
// absolute URL or path, and returns its normalized key alongside the parsed URL
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed), parsed, nil
}
