// Package classify decides whether a URL or response is a terminal
// artifact, the point at which a resolution stops chasing hops.
package classify

import (
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/resolvarr/resolvarr/internal/hostrules"
)

// Classifier answers the single question the resolution loop keeps
// asking: is this a direct media URL, or another gateway page?
type Classifier struct {
	rules *hostrules.Manager
}

// New creates a Classifier backed by the given rules manager.
func New(rules *hostrules.Manager) *Classifier {
	return &Classifier{rules: rules}
}

// IsDirect reports whether the URL alone looks like a terminal artifact:
// a direct-file extension, a direct-download path segment, or a host on
// the CDN allowlist.
func (c *Classifier) IsDirect(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	r := c.rules.Current()

	if r.HasDirectExtension(rawURL) {
		return true
	}
	if r.HasDirectPath(rawURL) {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return r.IsDirectHost(u.Hostname())
}

// IsDirectResponse extends IsDirect with response header evidence:
// an attachment disposition or a binary/streaming content type marks the
// response as terminal regardless of the URL's own shape.
func (c *Classifier) IsDirectResponse(rawURL string, header http.Header) bool {
	if c.IsDirect(rawURL) {
		return true
	}
	if header == nil {
		return false
	}

	if cd := header.Get("Content-Disposition"); cd != "" {
		if disposition, _, err := mime.ParseMediaType(cd); err == nil && disposition == "attachment" {
			return true
		}
		// Some CDNs emit malformed dispositions; the keyword is enough.
		if strings.Contains(strings.ToLower(cd), "attachment") {
			return true
		}
	}

	ct := header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	switch {
	case mediaType == "application/octet-stream",
		mediaType == "application/x-mpegurl",
		mediaType == "application/vnd.apple.mpegurl",
		strings.HasPrefix(mediaType, "video/"):
		return true
	}
	return false
}

// Predicate returns the classifier's URL check as a free function, for
// callers that accept a pluggable direct-URL predicate.
func (c *Classifier) Predicate() func(string) bool {
	return c.IsDirect
}
