// Package headless drives a real browser through gateway pages the
// static resolver could not crack. The browser executes the page's own
// JS, so obfuscated payloads resolve themselves; this resolver just
// clicks the right controls and watches where the media bytes come from.
package headless

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/resolvarr/resolvarr/internal/browser"
	"github.com/resolvarr/resolvarr/internal/classify"
	"github.com/resolvarr/resolvarr/internal/config"
	"github.com/resolvarr/resolvarr/internal/extract"
	"github.com/resolvarr/resolvarr/internal/hostrules"
	"github.com/resolvarr/resolvarr/internal/humanize"
	"github.com/resolvarr/resolvarr/internal/types"
)

// smallPageBytes is the threshold under which a dead-end page is assumed
// to render its content client-side.
const smallPageBytes = 2048

// Resolver is the browser-backed escalation path. It satisfies the same
// interface as the static resolver so callers never need to know which
// one produced the result.
type Resolver struct {
	pool       *browser.Pool
	classifier *classify.Classifier
	extractor  *extract.Extractor
	rules      *hostrules.Manager

	navTimeout  time.Duration
	settleWait  time.Duration
	clickRounds int
	userAgent   string
}

// New wires the headless resolver against a warmed browser pool.
func New(pool *browser.Pool, classifier *classify.Classifier, extractor *extract.Extractor, rules *hostrules.Manager, cfg *config.Config, userAgent string) *Resolver {
	navTimeout := cfg.HeadlessNavTimeout
	if navTimeout <= 0 {
		navTimeout = 60 * time.Second
	}
	settleWait := cfg.HeadlessSettleWait
	if settleWait <= 0 {
		settleWait = 3 * time.Second
	}
	clickRounds := cfg.HeadlessClickRounds
	if clickRounds <= 0 {
		clickRounds = 3
	}
	return &Resolver{
		pool:        pool,
		classifier:  classifier,
		extractor:   extractor,
		rules:       rules,
		navTimeout:  navTimeout,
		settleWait:  settleWait,
		clickRounds: clickRounds,
		userAgent:   userAgent,
	}
}

// ShouldEscalate reports whether a failed static resolution is worth the
// cost of a browser: pages that are tiny or carry client-side-rendering
// markers only reveal their links to real JS execution.
func (r *Resolver) ShouldEscalate(pageHTML string) bool {
	if len(pageHTML) < smallPageBytes {
		return true
	}
	return r.rules.Current().HasRenderMarker(pageHTML)
}

// sniffer accumulates candidate URLs observed from any source during the
// browser session. Event listeners run on their own goroutines, so all
// access goes through the mutex.
type sniffer struct {
	mu    sync.Mutex
	seen  map[string]bool
	urls  []string
	chain []string
}

func newSniffer() *sniffer {
	return &sniffer{seen: make(map[string]bool)}
}

func (s *sniffer) add(url string) {
	if url == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen[url] {
		s.seen[url] = true
		s.urls = append(s.urls, url)
	}
}

func (s *sniffer) addHop(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.chain); n == 0 || s.chain[n-1] != url {
		s.chain = append(s.chain, url)
	}
}

func (s *sniffer) snapshot() (urls, chain []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...), append([]string(nil), s.chain...)
}

// Resolve implements types.Resolver. Any browser-automation failure is a
// hard error; there is no further fallback behind this path.
func (r *Resolver) Resolve(ctx context.Context, req *types.ResolutionRequest) (*types.ResolutionResult, error) {
	browserInstance, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, types.NewPoolAcquireError("failed to acquire browser", err)
	}
	defer r.pool.Release(browserInstance)

	navCtx, cancel := context.WithTimeout(ctx, r.navTimeout)
	defer cancel()

	page, err := browser.NewStealthPage(browserInstance)
	if err != nil {
		return nil, types.NewHeadlessError(req.StartURL, err)
	}
	defer page.Close()

	if r.userAgent != "" {
		if err := browser.SetUserAgent(page, r.userAgent); err != nil {
			log.Warn().Err(err).Msg("Failed to set user agent")
		}
	}
	if err := browser.SetViewport(page, 1920, 1080); err != nil {
		log.Warn().Err(err).Msg("Failed to set viewport")
	}

	snf := newSniffer()

	// Abort ad/analytics traffic outright. It costs time, spawns
	// popups, and never carries the link we want.
	router := page.HijackRequests()
	rules := r.rules.Current()
	router.MustAdd("*", func(h *rod.Hijack) {
		if rules.IsBlockedHost(hijackHost(h)) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	defer func() { _ = router.Stop() }()

	sniffCleanup := r.setupNetworkSniffer(navCtx, page, snf)
	defer sniffCleanup()

	popupCleanup := r.trackPopups(navCtx, browserInstance, snf)
	defer popupCleanup()

	pageCtx := page.Context(navCtx)
	if err := pageCtx.Navigate(req.StartURL); err != nil {
		return nil, types.NewHeadlessError(req.StartURL, err)
	}
	if err := pageCtx.WaitLoad(); err != nil {
		log.Debug().Err(err).Msg("WaitLoad failed, continuing anyway")
	}
	snf.addHop(req.StartURL)

	r.clickThrough(navCtx, pageCtx, snf)

	// Let late XHRs and redirects land before the final scan.
	humanize.SleepWithContext(navCtx, r.settleWait)

	finalHTML, err := pageCtx.HTML()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read final page HTML")
		finalHTML = ""
	}
	finalURL := pageURL(pageCtx)
	if finalURL != "" {
		snf.addHop(finalURL)
	}

	// Merge: network-sniffed media responses first, then anything the
	// final DOM still offers.
	candidates, chain := snf.snapshot()
	if finalHTML != "" {
		for _, c := range r.extractor.Extract(finalHTML, finalURL) {
			if r.isDirect(req, c.URL) {
				candidates = appendUnique(candidates, c.URL)
			}
		}
	}

	if len(chain) == 0 {
		chain = []string{req.StartURL}
	}

	for _, u := range candidates {
		if r.isDirect(req, u) {
			log.Info().
				Str("start_url", req.StartURL).
				Str("final_url", u).
				Msg("Headless resolution found direct URL")
			return &types.ResolutionResult{
				FinalURL:     u,
				VisitedChain: chain,
				TerminatedBy: types.TerminatedDirect,
			}, nil
		}
	}

	last := chain[len(chain)-1]
	return &types.ResolutionResult{
		FinalURL:     last,
		VisitedChain: chain,
		TerminatedBy: types.TerminatedNoCandidates,
	}, nil
}

// setupNetworkSniffer watches every response the page triggers. Media
// responses reveal the direct URL even when the DOM never shows it.
func (r *Resolver) setupNetworkSniffer(ctx context.Context, page *rod.Page, snf *sniffer) func() {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		log.Debug().Err(err).Msg("Failed to enable Network domain for sniffing")
		return func() {}
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("Recovered from panic in network sniffer")
			}
		}()

		pageWithCtx.EachEvent(func(e *proto.NetworkResponseReceived) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if e.Response == nil {
				return false
			}

			if e.Type == proto.NetworkResourceTypeDocument {
				snf.addHop(e.Response.URL)
			}

			if r.looksLikeMedia(e.Response.URL, e.Response.MIMEType) {
				log.Debug().
					Str("url", e.Response.URL).
					Str("mime", e.Response.MIMEType).
					Msg("Sniffed media response")
				snf.add(e.Response.URL)
			}
			return false
		})()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for network sniffer to stop")
			}
		})
	}
}

// trackPopups watches for windows the page opens. Gateways frequently
// put the real link behind window.open; the popup's own anchors are
// scanned before it is closed.
func (r *Resolver) trackPopups(ctx context.Context, browserInstance *rod.Browser, snf *sniffer) func() {
	listenerCtx, cancel := context.WithCancel(ctx)
	browserWithCtx := browserInstance.Context(listenerCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("Recovered from panic in popup tracker")
			}
		}()

		browserWithCtx.EachEvent(func(e *proto.TargetTargetCreated) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return false
			}
			if e.TargetInfo.URL == "" || e.TargetInfo.URL == "about:blank" {
				return false
			}

			log.Debug().Str("url", e.TargetInfo.URL).Msg("Popup opened")
			snf.add(e.TargetInfo.URL)

			popup, err := browserInstance.PageFromTarget(e.TargetInfo.TargetID)
			if err != nil {
				return false
			}
			r.scanAnchors(popup.Context(listenerCtx), snf)
			_ = popup.Close()
			return false
		})()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for popup tracker to stop")
			}
		})
	}
}

// clickThrough presses the verification/continue controls a human would,
// in bounded rounds with humanized pacing. Each round clicks at most one
// control and waits for the page to react.
func (r *Resolver) clickThrough(ctx context.Context, page *rod.Page, snf *sniffer) {
	rules := r.rules.Current()

	for round := 0; round < r.clickRounds; round++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		clicked := false
		elements, err := page.Elements("a, button, input[type=submit], [onclick]")
		if err != nil {
			log.Debug().Err(err).Int("round", round).Msg("Element scan failed")
			return
		}

		for _, el := range elements {
			text, err := el.Text()
			if err != nil {
				_ = el.Release()
				continue
			}
			label := strings.TrimSpace(text)
			if label == "" {
				if v, err := el.Attribute("value"); err == nil && v != nil {
					label = *v
				}
			}
			if label == "" || !rules.MatchesActionWord(label) {
				_ = el.Release()
				continue
			}

			humanize.SleepWithContext(ctx, humanize.PreClickDelay())
			clickErr := el.Click(proto.InputMouseButtonLeft, 1)
			_ = el.Release()
			if clickErr != nil {
				log.Debug().Err(clickErr).Str("label", label).Msg("Click failed")
				continue
			}

			log.Debug().Str("label", label).Int("round", round).Msg("Clicked continue control")
			clicked = true
			break
		}

		// Release whatever remains unreleased after the loop exits early.
		for _, el := range elements {
			_ = el.Release()
		}

		if !clicked {
			return
		}

		humanize.SleepWithContext(ctx, humanize.PostClickDelay())
		if err := page.WaitLoad(); err != nil {
			log.Debug().Err(err).Msg("WaitLoad after click failed")
		}
		if u := pageURL(page); u != "" {
			snf.addHop(u)
		}
	}
}

// scanAnchors collects direct-looking hrefs from a popup page.
func (r *Resolver) scanAnchors(page *rod.Page, snf *sniffer) {
	anchors, err := page.Elements("a[href]")
	if err != nil {
		return
	}
	for _, a := range anchors {
		href, err := a.Attribute("href")
		if err == nil && href != nil && r.classifier.IsDirect(*href) {
			snf.add(*href)
		}
		_ = a.Release()
	}
}

// looksLikeMedia classifies a sniffed network response.
func (r *Resolver) looksLikeMedia(url, mimeType string) bool {
	if r.classifier.IsDirect(url) {
		return true
	}
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "video/"),
		mt == "application/octet-stream",
		mt == "application/x-mpegurl",
		mt == "application/vnd.apple.mpegurl":
		return true
	}
	return false
}

func (r *Resolver) isDirect(req *types.ResolutionRequest, url string) bool {
	if req.DirectPredicate != nil {
		return req.DirectPredicate(url)
	}
	return r.classifier.IsDirect(url)
}

func pageURL(page *rod.Page) string {
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func hijackHost(h *rod.Hijack) string {
	if h.Request == nil {
		return ""
	}
	return h.Request.URL().Hostname()
}

func appendUnique(urls []string, u string) []string {
	for _, existing := range urls {
		if existing == u {
			return urls
		}
	}
	return append(urls, u)
}
