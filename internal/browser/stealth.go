package browser

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// NewStealthPage creates a page with anti-detection patches injected
// before any navigation. Gateway hosts probe navigator.webdriver, the
// plugins array, and WebGL strings; the stealth payload papers over all
// of them.
func NewStealthPage(browser *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// BlockResources stops the page from fetching images, stylesheets, and
// fonts. Gateway pages are ad-heavy; skipping decoration cuts both load
// time and memory.
//
// The returned cleanup function must be called when the page is done
// with, on every exit path, or the event listener goroutines leak. It is
// safe to call more than once.
func BlockResources(ctx context.Context, page *rod.Page) (cleanup func(), err error) {
	err = proto.FetchEnable{
		Patterns: blockPatterns(),
	}.Call(page)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enable resource blocking")
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var cleanupOnce sync.Once
	cleanupFunc := func() {
		cleanupOnce.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for resource blocking listeners to stop")
			}
		})
	}

	// Auto-cleanup when the page target goes away.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanupFunc()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			// The request may already be gone; nothing to do about it.
			_ = proto.FetchFailRequest{
				RequestID:   e.RequestID,
				ErrorReason: proto.NetworkErrorReasonBlockedByClient,
			}.Call(page)
			return false
		})()
	}()

	return cleanupFunc, nil
}

func blockPatterns() []*proto.FetchRequestPattern {
	var patterns []*proto.FetchRequestPattern
	for _, p := range []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.bmp"} {
		patterns = append(patterns, &proto.FetchRequestPattern{
			URLPattern:   p,
			ResourceType: proto.NetworkResourceTypeImage,
		})
	}
	patterns = append(patterns, &proto.FetchRequestPattern{
		URLPattern:   "*.css",
		ResourceType: proto.NetworkResourceTypeStylesheet,
	})
	for _, p := range []string{"*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot"} {
		patterns = append(patterns, &proto.FetchRequestPattern{
			URLPattern:   p,
			ResourceType: proto.NetworkResourceTypeFont,
		})
	}
	return patterns
}

// SetUserAgent overrides the page's user agent.
func SetUserAgent(page *rod.Page, userAgent string) error {
	return proto.NetworkSetUserAgentOverride{
		UserAgent: userAgent,
	}.Call(page)
}

// SetViewport sets the page viewport size.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}
