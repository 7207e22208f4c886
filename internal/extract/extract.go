// Package extract pulls candidate next-hop URLs out of gateway pages.
//
// Gateway pages hide the onward link in many places: plain anchors,
// iframes, onclick handlers, meta-refresh tags, and most often in
// assignments buried in inline JavaScript. The extractor runs a DOM pass
// (goquery) and a raw-text regex pass and merges the results into one
// ranked, deduplicated candidate list.
package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/resolvarr/resolvarr/internal/hostrules"
	"github.com/resolvarr/resolvarr/internal/types"
)

// Inline-script patterns. Many gateways assign the real target only
// inside JavaScript, so the raw HTML is scanned too, not just the DOM.
var (
	scriptVarRe = regexp.MustCompile(`(?i)\b(?:file|source|url|link|downloadUrl|redirectUrl)\s*[:=]\s*["']((?:https?:)?//[^"']+|/[^"']+)["']`)
	windowLocRe = regexp.MustCompile(`(?i)window\.location(?:\.href|\.replace)?\s*[=(]\s*["']([^"']+)["']`)
	openCallRe  = regexp.MustCompile(`(?i)\bopen\(\s*["']([^"']+)["']`)

	// onclick handler patterns
	onclickOpenRe = regexp.MustCompile(`(?i)window\.open\(\s*["']([^"']+)["']`)
	onclickHrefRe = regexp.MustCompile(`(?i)location(?:\.href)?\s*=\s*["']([^"']+)["']`)

	metaRefreshURLRe = regexp.MustCompile(`(?i)url\s*=\s*([^;'"\s]+)`)
)

// Extractor produces ranked candidate lists from HTML documents.
type Extractor struct {
	rules *hostrules.Manager
}

// New creates an Extractor backed by the given rules manager.
func New(rules *hostrules.Manager) *Extractor {
	return &Extractor{rules: rules}
}

// Extract parses the page and returns deduplicated candidates, priority
// first, then discovery order. It never fails: unparseable HTML degrades
// to the regex-only pass, and no matches yields an empty slice.
func (e *Extractor) Extract(pageHTML, pageURL string) []types.Candidate {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	var found []types.Candidate
	seen := make(map[string]int) // URL -> index into found

	add := func(raw, sourceText string) {
		abs, ok := e.normalize(base, raw)
		if !ok {
			return
		}
		priority := e.isPriority(abs, sourceText)
		if idx, dup := seen[abs]; dup {
			// A later duplicate can still upgrade the priority hint.
			if priority && !found[idx].Priority {
				found[idx].Priority = true
			}
			return
		}
		seen[abs] = len(found)
		found = append(found, types.Candidate{
			URL:        abs,
			SourceText: strings.TrimSpace(sourceText),
			Priority:   priority,
		})
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err == nil {
		e.extractDOM(doc, add)
	}
	e.extractScripts(pageHTML, add)

	return rank(found)
}

// extractDOM walks anchors, embeds, onclick handlers and meta-refresh tags.
func (e *Extractor) extractDOM(doc *goquery.Document, add func(raw, sourceText string)) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href, s.Text())
	})

	doc.Find("iframe[src], source[src], video[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, s.AttrOr("title", ""))
	})

	// data-href carries the real target on some click-gated buttons.
	doc.Find("[data-href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("data-href")
		add(href, s.Text())
	})

	doc.Find("[onclick]").Each(func(_ int, s *goquery.Selection) {
		onclick, _ := s.Attr("onclick")
		for _, re := range []*regexp.Regexp{onclickOpenRe, onclickHrefRe} {
			if m := re.FindStringSubmatch(onclick); m != nil {
				add(m[1], s.Text())
			}
		}
	})

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
			return
		}
		content := s.AttrOr("content", "")
		if m := metaRefreshURLRe.FindStringSubmatch(content); m != nil {
			add(strings.Trim(m[1], `'"`), "meta refresh")
		}
	})
}

// extractScripts scans the raw HTML for URL assignments inside inline
// JavaScript.
func (e *Extractor) extractScripts(pageHTML string, add func(raw, sourceText string)) {
	text := normalizeEscapes(pageHTML)

	for _, m := range scriptVarRe.FindAllStringSubmatch(text, -1) {
		add(m[1], "script var")
	}
	for _, m := range windowLocRe.FindAllStringSubmatch(text, -1) {
		add(m[1], "window.location")
	}
	for _, m := range openCallRe.FindAllStringSubmatch(text, -1) {
		add(m[1], "open()")
	}
}

// normalizeEscapes undoes the JS/JSON escaping commonly seen in embed
// pages so the URL regexes can match.
func normalizeEscapes(s string) string {
	s = strings.ReplaceAll(s, `\/`, "/")
	s = strings.ReplaceAll(s, `\u0026`, "&")
	s = strings.ReplaceAll(s, `\u002F`, "/")
	s = strings.ReplaceAll(s, `\u003A`, ":")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// normalize resolves raw against the page URL and filters out anything
// that cannot be a next hop.
func (e *Extractor) normalize(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	lower := strings.ToLower(raw)
	for _, scheme := range []string{"javascript:", "mailto:", "data:", "about:", "tel:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	if strings.HasPrefix(raw, "//") && base != nil {
		raw = base.Scheme + ":" + raw
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	if ref.Host == "" {
		return "", false
	}
	ref.Fragment = ""
	return ref.String(), true
}

// isPriority marks candidates whose surrounding text or URL shape
// strongly suggests the intended "continue" action.
func (e *Extractor) isPriority(absURL, sourceText string) bool {
	r := e.rules.Current()
	if r.MatchesActionWord(sourceText) {
		return true
	}
	if r.HasDirectExtension(absURL) || r.HasDirectPath(absURL) {
		return true
	}
	if u, err := url.Parse(absURL); err == nil {
		host := u.Hostname()
		if r.IsDirectHost(host) || r.IsIntermediateHost(host) {
			return true
		}
	}
	return false
}

// rank returns priority candidates first, preserving discovery order
// within each class.
func rank(candidates []types.Candidate) []types.Candidate {
	if len(candidates) < 2 {
		return candidates
	}
	ranked := make([]types.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority {
			ranked = append(ranked, c)
		}
	}
	for _, c := range candidates {
		if !c.Priority {
			ranked = append(ranked, c)
		}
	}
	return ranked
}
