// Package fetch performs the individual HTTP hops of a resolution.
//
// Each hop is a single request: server-side redirects are NOT followed
// automatically, because every hop must first pass through the engine's
// cookie accounting, visited-set, and classification before the next URL
// is fetched. The caller decides what to do with a 3xx Location.
package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"

	"github.com/resolvarr/resolvarr/internal/blockdetect"
	"github.com/resolvarr/resolvarr/internal/cookiejar"
	"github.com/resolvarr/resolvarr/internal/types"
	"github.com/resolvarr/resolvarr/pkg/version"
)

// maxBodyBytes caps how much of a hop response is read into memory.
// Gateway pages are small; anything bigger is not a page we can parse.
const maxBodyBytes = 4 * 1024 * 1024

// maxBackoff caps retry delays regardless of what the block page or
// exponential schedule suggests.
const maxBackoff = 30 * time.Second

// Options configures a hop client.
type Options struct {
	Timeout       time.Duration // per-hop budget
	RetryAttempts int           // additional attempts on anti-bot statuses
	RetryBackoff  time.Duration // base backoff, doubled per attempt
	UserAgent     string
}

// Request describes one hop.
type Request struct {
	Method  string // GET when empty
	URL     string
	Referer string
	Form    url.Values // POST body (x-www-form-urlencoded) when non-nil
}

// Response is the outcome of one hop. Body is empty for responses whose
// content type is not textual: by then the classifier has everything it
// needs from the headers.
type Response struct {
	URL        string // the URL that was fetched
	StatusCode int
	Header     http.Header
	Body       string
	Location   string // resolved redirect target for 3xx responses
}

// IsRedirect reports whether the hop answered with a usable redirect.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Location != ""
}

// Client issues hop requests with accumulated cookie state.
type Client struct {
	http *http.Client
	opts Options
}

// New creates a hop client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = version.UserAgent
	}
	return &Client{
		opts: opts,
		http: &http.Client{
			// Redirects are hops; the resolver owns them.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do performs one hop, attaching the jar's cookies and the referer, and
// folding the response's Set-Cookie values back into the jar. Anti-bot
// status codes are retried with exponential backoff up to the configured
// attempt budget.
func (c *Client) Do(ctx context.Context, jar *cookiejar.Jar, req Request) (*Response, error) {
	attempts := c.opts.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, jar, req)
		if err == nil && !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = types.NewStatusError(req.URL, errors.New(http.StatusText(resp.StatusCode)))
		}

		if attempt >= attempts {
			if err == nil {
				// The page body of a 403 sometimes still carries the
				// next hop, so hand it back as a soft result.
				return resp, nil
			}
			return nil, lastErr
		}

		delay := backoffDelay(c.opts.RetryBackoff, attempt)
		blockCode := ""
		if resp != nil {
			if block := blockdetect.Detect(resp.StatusCode, string(resp.Body)); block.Detected {
				blockCode = block.Code
				if !block.Retryable {
					// A geo block or captcha page will not clear on its
					// own; the body goes back as a soft result.
					return resp, nil
				}
				delay = blockdetect.ClampDelay(block.SuggestedDelay, delay, maxBackoff)
			}
			if ra := retryAfter(resp.Header); ra > 0 && ra < time.Minute {
				delay = ra
			}
		}
		log.Debug().
			Str("url", req.URL).
			Int("attempt", attempt+1).
			Str("block", blockCode).
			Dur("delay", delay).
			Msg("Hop retry after anti-bot status")

		if !sleepWithContext(ctx, delay) {
			return nil, types.NewHopTimeoutError(req.URL, ctx.Err())
		}
	}
}

func (c *Client) doOnce(ctx context.Context, jar *cookiejar.Jar, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	hopCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if method == http.MethodPost && req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(hopCtx, method, req.URL, body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	if cookie := jar.Header(); cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}
	if method == http.MethodPost && req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if hopCtx.Err() != nil {
			return nil, types.NewHopTimeoutError(req.URL, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	jar.Set(resp.Header.Values("Set-Cookie"))

	out := &Response{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		if base, err := url.Parse(req.URL); err == nil {
			if ref, err := url.Parse(loc); err == nil {
				out.Location = base.ResolveReference(ref).String()
			}
		}
	}

	if isTextual(resp.Header.Get("Content-Type")) {
		reader, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
		if err != nil {
			// Charset sniffing failed; fall back to the raw bytes.
			reader = io.LimitReader(resp.Body, maxBodyBytes)
		}
		raw, err := io.ReadAll(reader)
		if err != nil && len(raw) == 0 {
			return nil, err
		}
		out.Body = string(raw)
	}

	return out, nil
}

// isTextual reports whether a response body is worth reading. Direct
// media responses are classified from their headers alone.
func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		// Gateways occasionally omit the header on HTML pages.
		return true
	}
	switch {
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "html"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "xml"):
		return true
	}
	return false
}

// isRetryableStatus identifies anti-bot gating worth a bounded retry.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// retryAfter parses a Retry-After header (seconds form only).
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
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
