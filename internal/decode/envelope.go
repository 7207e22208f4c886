package decode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resolvarr/resolvarr/internal/types"
)

// tokenPatterns are the JS setter shapes gateway pages use to smuggle
// the encoded payload into the client. A page may emit its token across
// several statements, so all matches of a pattern are concatenated in
// document order before decoding.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ck\('_wp_http_?\d*'\s*,\s*'([^']+)'`),
	regexp.MustCompile(`setCookie\(\s*['"][^'"]*['"]\s*,\s*['"]([^'"]+)['"]`),
	regexp.MustCompile(`document\.cookie\s*=\s*['"][^'"=]+=([^'";]+)`),
	regexp.MustCompile(`s\('o'\s*,\s*'([^']+)'`),
}

var reurlRe = regexp.MustCompile(`var\s+reurl\s*=\s*["']([^"']+)["']`)

// envelope is the JSON object hiding under the token. The two shapes in
// the wild share one struct: {o,l} carries the target directly, while
// {data,wp_http1,total_time} points at a second "blog" page that reveals
// it after a mandated wait.
type envelope struct {
	O         string `json:"o"`
	L         string `json:"l"`
	Data      string `json:"data"`
	WpHTTP1   string `json:"wp_http1"`
	TotalTime int    `json:"total_time"`
}

// Envelope decodes the chained base64/ROT13 token envelope.
type Envelope struct {
	fetch   PageFetcher
	waitCap time.Duration
	sleep   func(ctx context.Context, d time.Duration) bool
}

// NewEnvelope creates the envelope strategy. fetch may be nil when the
// caller knows the target site never uses the blog shape; waitCap bounds
// the site-supplied verification delay.
func NewEnvelope(fetch PageFetcher, waitCap time.Duration) *Envelope {
	if waitCap <= 0 {
		waitCap = 30 * time.Second
	}
	return &Envelope{
		fetch:   fetch,
		waitCap: waitCap,
		sleep:   sleepWithContext,
	}
}

func (e *Envelope) Name() string { return "token-envelope" }

// Decode implements types.DecodeHook.
func (e *Envelope) Decode(ctx context.Context, pageHTML, pageURL string) types.DecodeResult {
	token := extractToken(pageHTML)
	if token == "" {
		return types.DecodeResult{Outcome: types.DecodeNotApplicable}
	}

	env, ok := unwrapToken(token)
	if !ok {
		return types.DecodeResult{
			Outcome: types.DecodeMalformed,
			Err:     fmt.Errorf("%w: token did not yield JSON at any known depth", types.ErrDecodeFailed),
		}
	}

	if next := env.directTarget(); next != "" {
		return types.DecodeResult{Outcome: types.DecodeApplicable, NextURL: next}
	}

	if env.Data != "" && env.WpHTTP1 != "" {
		return e.followBlog(ctx, env, pageURL)
	}

	return types.DecodeResult{
		Outcome: types.DecodeMalformed,
		Err:     fmt.Errorf("%w: envelope carried no usable target", types.ErrDecodeFailed),
	}
}

// extractToken returns the concatenation of all matches of the first
// token pattern that matches at all.
func extractToken(pageHTML string) string {
	for _, re := range tokenPatterns {
		matches := re.FindAllStringSubmatch(pageHTML, -1)
		if len(matches) == 0 {
			continue
		}
		var b strings.Builder
		for _, m := range matches {
			b.WriteString(m[1])
		}
		return b.String()
	}
	return ""
}

// unwrapToken tries the known decode depths in order and keeps the first
// interpretation that parses as JSON. Sites differ in how many layers
// they stack; a new depth means a new entry here, not a guesser.
func unwrapToken(token string) (*envelope, bool) {
	chains := [][]func(string) (string, bool){
		{b64Step, b64Step},
		{b64Step, rot13Step, b64Step},
	}
	for _, chain := range chains {
		s := token
		ok := true
		for _, step := range chain {
			if s, ok = step(s); !ok {
				break
			}
		}
		if !ok {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(s), &env); err == nil {
			return &env, true
		}
	}
	return nil, false
}

func b64Step(s string) (string, bool) {
	out, ok := fromBase64(s)
	return string(out), ok
}

func rot13Step(s string) (string, bool) { return rot13(s), true }

// directTarget resolves the {o,l} shape: o is preferred, and may itself
// be one more base64 layer deep.
func (env *envelope) directTarget() string {
	if env.O != "" {
		if strings.HasPrefix(env.O, "http") {
			return env.O
		}
		if raw, ok := fromBase64(env.O); ok && strings.HasPrefix(string(raw), "http") {
			return string(raw)
		}
	}
	if strings.HasPrefix(env.L, "http") {
		return env.L
	}
	return ""
}

// followBlog handles the {data,wp_http1,total_time} shape: build the
// blog URL, sit out the verification delay, then pull the reurl
// assignment off the blog page.
func (e *Envelope) followBlog(ctx context.Context, env *envelope, pageURL string) types.DecodeResult {
	if e.fetch == nil {
		return types.DecodeResult{
			Outcome: types.DecodeMalformed,
			Err:     fmt.Errorf("%w: blog envelope but no page fetcher configured", types.ErrDecodeFailed),
		}
	}

	blogURL := env.WpHTTP1 + "?re=" + base64.StdEncoding.EncodeToString([]byte(env.Data))

	wait := time.Duration(env.TotalTime+3) * time.Second
	if wait > e.waitCap {
		wait = e.waitCap
	}
	log.Debug().
		Str("blog_url", blogURL).
		Dur("wait", wait).
		Msg("Envelope points at blog page, honoring verification delay")

	if wait > 0 && !e.sleep(ctx, wait) {
		return types.DecodeResult{Outcome: types.DecodeMalformed, Err: ctx.Err()}
	}

	body, err := e.fetch(ctx, blogURL, pageURL)
	if err != nil {
		return types.DecodeResult{
			Outcome: types.DecodeMalformed,
			Err:     fmt.Errorf("%w: blog fetch: %s", types.ErrDecodeFailed, err),
		}
	}

	m := reurlRe.FindStringSubmatch(body)
	if m == nil {
		return types.DecodeResult{
			Outcome: types.DecodeMalformed,
			Err:     errors.Join(types.ErrDecodeFailed, errors.New("blog page carried no reurl assignment")),
		}
	}
	return types.DecodeResult{Outcome: types.DecodeApplicable, NextURL: m[1]}
}
