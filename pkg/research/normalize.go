package research

import (
	"net/url"
	"strings"

	"github.com/crewhq/crewd/pkg/fault"
)

// trackingParams are stripped during normalization so the same page under
// different campaign links caches once.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"ref":          true,
}

// NormalizeURL canonicalises a page URL: lowercase scheme and host,
// default ports and fragments dropped, tracking params removed, remaining
// query sorted, trailing slash trimmed off non-root paths.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fault.Wrap(fault.BadRequest, err, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fault.New(fault.BadRequest, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fault.New(fault.BadRequest, "url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if trackingParams[strings.ToLower(param)] {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode() // Encode sorts keys.

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// Domain returns the host part of an already-parsed URL string.
func Domain(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Host
}
