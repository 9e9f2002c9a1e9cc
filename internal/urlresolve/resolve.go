// Package urlresolve turns the raw src and href values found on lot pages into absolute URLs.
package urlresolve

import (
	"net/url"
	"strings"
)

// Resolve returns the absolute form of raw against base.
// Protocol-relative values get https, relative values are joined onto base, and absolute values pass through.
// A query string without any '=' is treated as a cache-buster and dropped; any other query is carried over
// as written so that signed CDN parameters survive.
// It reports false when raw is empty or no absolute URL can be formed.
func Resolve(raw, base string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return "", false
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	path, query, hasQuery := strings.Cut(raw, "?")
	ref, err := url.Parse(path)
	if err != nil {
		return "", false
	}
	if !ref.IsAbs() {
		b, err := url.Parse(strings.TrimSpace(base))
		if err != nil || !b.IsAbs() {
			return "", false
		}
		ref = b.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	ref.RawQuery = ""
	ref.ForceQuery = false
	out := ref.String()
	if hasQuery && strings.Contains(query, "=") {
		out += "?" + query
	}
	return out, true
}
