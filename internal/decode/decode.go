// Package decode reverses the obfuscation schemes gateway pages wrap
// around their next-hop URLs. Each strategy implements types.DecodeHook
// and is registered per site; a strategy whose marker is absent reports
// NotApplicable so the engine can fall through to plain extraction.
package decode

import (
	"context"
	"encoding/base64"
	"strings"
	"time"
)

// PageFetcher retrieves an auxiliary page during a decode. It exists so
// strategies that need a second fetch (the blog redirect) do not depend
// on the resolver package.
type PageFetcher func(ctx context.Context, pageURL, referer string) (string, error)

// fromBase64 decodes s, tolerating the padded/raw and standard/URL
// alphabet variants that different gateway generators emit.
func fromBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, true
		}
	}
	return nil, false
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}

// sleepWithContext sleeps for the specified duration or until context is
// canceled. Returns true if the sleep completed normally.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
