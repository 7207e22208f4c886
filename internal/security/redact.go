package security

import (
	"net/url"
	"strings"
)

// RedactURL strips secrets from a URL before it reaches a log line.
// Gateway links routinely carry one-shot download tokens in the query
// string; leaking them through logs defeats their expiry.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}

	return parsed.String()
}

// Query parameter names that likely carry secrets.
var sensitiveParamPatterns = []string{
	"token",
	"key",
	"auth",
	"secret",
	"password",
	"passwd",
	"credential",
	"session",
	"sid",
	"sign",
	"expires",
	"bearer",
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values, len(params))

	for name, values := range params {
		lower := strings.ToLower(name)
		hit := false
		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(lower, pattern) {
				hit = true
				break
			}
		}
		if hit {
			redacted[name] = []string{"[REDACTED]"}
		} else {
			redacted[name] = values
		}
	}

	return redacted
}
