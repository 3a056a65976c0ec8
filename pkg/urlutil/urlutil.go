package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Canonicalize maps equivalent spellings of a URL to one form:
//   - scheme and host are lowercased
//   - default ports (:80 for http, :443 for https) are dropped
//   - trailing slashes are stripped from non-root paths
//   - the fragment is removed
//   - query parameters are kept, sorted by key
//
// It is pure and idempotent.
func Canonicalize(source url.URL) url.URL {
	canonical := source

	canonical.Scheme = strings.ToLower(canonical.Scheme)
	canonical.Host = strings.ToLower(canonical.Host)

	if host, port := canonical.Hostname(), canonical.Port(); port != "" {
		if (canonical.Scheme == "http" && port == "80") ||
			(canonical.Scheme == "https" && port == "443") {
			canonical.Host = host
		}
	}

	for len(canonical.Path) > 1 && strings.HasSuffix(canonical.Path, "/") {
		canonical.Path = strings.TrimSuffix(canonical.Path, "/")
	}
	canonical.RawPath = ""

	canonical.Fragment = ""
	canonical.RawFragment = ""

	if canonical.RawQuery != "" {
		// Encode sorts by key
		canonical.RawQuery = canonical.Query().Encode()
	}
	canonical.ForceQuery = false

	return canonical
}

// ItemKey parses raw and returns its canonical string, used to recognise
// the same resource discovered twice. Only absolute URLs are accepted.
func ItemKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("not an absolute url: %q", raw)
	}
	c := Canonicalize(*u)
	return c.String(), nil
}

// Resolve resolves ref against base, as a browser would for a link.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
