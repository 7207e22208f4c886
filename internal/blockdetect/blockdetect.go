// Package blockdetect recognizes gateway block pages. Media gateways
// answer over-eager clients with interstitial HTML rather than clean
// status codes, so the retry layer inspects bodies to pick a delay.
package blockdetect

import (
	"regexp"
	"strings"
	"time"
)

// maxBodyLenForRegex limits the body size matched against the patterns.
const maxBodyLenForRegex = 100 * 1024

// Category is the broad class of a detected block.
type Category string

const (
	CategoryRateLimit    Category = "rate_limit"
	CategoryAccessDenied Category = "access_denied"
	CategoryCaptcha      Category = "captcha"
	CategoryGeoBlocked   Category = "geo_blocked"
)

type pattern struct {
	re        *regexp.Regexp
	code      string
	category  Category
	baseDelay time.Duration
}

// Info describes a detected block page.
type Info struct {
	Detected       bool
	Code           string
	Category       Category
	SuggestedDelay time.Duration
	Retryable      bool
}

// Patterns ordered by specificity. [^<]{0,N} instead of .{0,N} keeps
// matching across inline tags without regex backtracking blowups.
var patterns = []pattern{
	{
		re:        regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1015`),
		code:      "CF_1015",
		category:  CategoryRateLimit,
		baseDelay: 60 * time.Second,
	},
	{
		re:        regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}10(06|07|08|10|12|20)`),
		code:      "CF_DENIED",
		category:  CategoryAccessDenied,
		baseDelay: 30 * time.Second,
	},
	{
		re:       regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1009`),
		code:     "CF_1009",
		category: CategoryGeoBlocked,
		// No retry will help.
	},
	{
		re:        regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`),
		code:      "TOO_MANY_REQUESTS",
		category:  CategoryRateLimit,
		baseDelay: 10 * time.Second,
	},
	{
		re:        regexp.MustCompile(`(?i)rate\s{0,3}limit`),
		code:      "RATE_LIMITED",
		category:  CategoryRateLimit,
		baseDelay: 10 * time.Second,
	},
	{
		re:        regexp.MustCompile(`(?i)access\s{1,5}denied`),
		code:      "ACCESS_DENIED",
		category:  CategoryAccessDenied,
		baseDelay: 5 * time.Second,
	},
	{
		re:        regexp.MustCompile(`(?i)you\s{1,5}(have\s{1,5}been\s{1,5})?blocked`),
		code:      "BLOCKED",
		category:  CategoryAccessDenied,
		baseDelay: 15 * time.Second,
	},
	{
		re:       regexp.MustCompile(`(?i)(captcha|hcaptcha|recaptcha|challenge)`),
		code:     "CAPTCHA_REQUIRED",
		category: CategoryCaptcha,
		// Needs a browser, not a delay.
	},
}

// Detect analyzes a status code and body for block-page indicators.
// Body patterns override the coarse status detection because they name
// the specific block.
func Detect(statusCode int, body string) Info {
	info := Info{}

	if len(body) > maxBodyLenForRegex {
		body = body[:maxBodyLenForRegex]
	}

	switch statusCode {
	case 429:
		info = Info{Detected: true, Code: "HTTP_429", Category: CategoryRateLimit, SuggestedDelay: 60 * time.Second, Retryable: true}
	case 503:
		info = Info{Detected: true, Code: "HTTP_503", Category: CategoryRateLimit, SuggestedDelay: 30 * time.Second, Retryable: true}
	}

	for _, p := range patterns {
		if p.re.MatchString(body) {
			info = Info{
				Detected:       true,
				Code:           p.code,
				Category:       p.category,
				SuggestedDelay: p.baseDelay,
				Retryable:      p.baseDelay > 0,
			}
			break
		}
	}

	if statusCode == 403 && !info.Detected {
		if strings.Contains(strings.ToLower(body), "cloudflare") {
			info = Info{Detected: true, Code: "CF_403", Category: CategoryAccessDenied, SuggestedDelay: 30 * time.Second, Retryable: true}
		}
	}

	return info
}

// ClampDelay bounds a suggested delay to [minDelay, maxDelay].
func ClampDelay(delay, minDelay, maxDelay time.Duration) time.Duration {
	if delay < minDelay {
		return minDelay
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
