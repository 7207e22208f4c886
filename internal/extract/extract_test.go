package extract

import (
	"strings"
	"testing"

	"github.com/resolvarr/resolvarr/internal/hostrules"
	"github.com/resolvarr/resolvarr/internal/types"
)

func newExtractor() *Extractor {
	return New(hostrules.EmbeddedManager())
}

func TestInstantDownloadAnchorIsFirst(t *testing.T) {
	html := `<html><body>
		<a href="/terms">Terms of Service</a>
		<a href="/privacy">Privacy</a>
		<a href="https://cdn.example/file.mkv">Instant Download</a>
	</body></html>`

	got := newExtractor().Extract(html, "https://gateway.example/page")
	if len(got) == 0 {
		t.Fatal("no candidates extracted")
	}
	if got[0].URL != "https://cdn.example/file.mkv" {
		t.Errorf("first candidate = %q, want the instant download link", got[0].URL)
	}
	if !got[0].Priority {
		t.Error("expected instant download link to be a priority candidate")
	}
}

func TestRelativeResolutionAgainstPageURL(t *testing.T) {
	// The refresh target resolves against the page's own URL, not
	// whatever URL the resolution started from.
	html := `<meta http-equiv="refresh" content="5;url=/next">`

	got := newExtractor().Extract(html, "https://hop2.example/landing/page.html")
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
	if got[0].URL != "https://hop2.example/next" {
		t.Errorf("candidate = %q, want https://hop2.example/next", got[0].URL)
	}
}

func TestOnclickHandlers(t *testing.T) {
	html := `<html><body>
		<button onclick="window.open('https://mirror.example/go?id=5')">Download Now</button>
		<div onclick="location.href='/direct/path.mp4'">play</div>
	</body></html>`

	got := newExtractor().Extract(html, "https://gateway.example/")
	urls := urlSet(got)
	if !urls["https://mirror.example/go?id=5"] {
		t.Errorf("missing window.open target, got %v", urls)
	}
	if !urls["https://gateway.example/direct/path.mp4"] {
		t.Errorf("missing resolved location.href target, got %v", urls)
	}
}

func TestInlineScriptAssignments(t *testing.T) {
	html := `<html><head><script>
		var downloadUrl = "https:\/\/cdn.example\/stream.m3u8?x=1&y=2";
		window.location.href = '/wait/step2';
	</script></head></html>`

	got := newExtractor().Extract(html, "https://gateway.example/start")
	urls := urlSet(got)
	if !urls["https://cdn.example/stream.m3u8?x=1&y=2"] {
		t.Errorf("missing unescaped script var URL, got %v", urls)
	}
	if !urls["https://gateway.example/wait/step2"] {
		t.Errorf("missing window.location target, got %v", urls)
	}
}

func TestIframeAndSourceTags(t *testing.T) {
	html := `<html><body>
		<iframe src="https://embed.example/player/99"></iframe>
		<video src="/media/clip.webm"></video>
	</body></html>`

	got := newExtractor().Extract(html, "https://gateway.example/")
	urls := urlSet(got)
	if !urls["https://embed.example/player/99"] {
		t.Error("missing iframe src")
	}
	if !urls["https://gateway.example/media/clip.webm"] {
		t.Error("missing video src")
	}
}

func TestDropsUselessURLs(t *testing.T) {
	html := `<html><body>
		<a href="javascript:void(0)">Download</a>
		<a href="#section">Continue</a>
		<a href="mailto:admin@example.com">contact</a>
	</body></html>`

	got := newExtractor().Extract(html, "https://gateway.example/")
	if len(got) != 0 {
		t.Errorf("candidates = %v, want none", got)
	}
}

func TestDeduplicationAndPriorityUpgrade(t *testing.T) {
	// Same target seen as a plain script var first, then as an anchor
	// with action text: one candidate, priority set.
	html := `<html><head><script>var url = "https://hub.example/landing";</script></head>
	<body><a href="https://hub.example/landing">Continue</a></body></html>`

	got := newExtractor().Extract(html, "https://gateway.example/")
	count := 0
	for _, c := range got {
		if c.URL == "https://hub.example/landing" {
			count++
			if !c.Priority {
				t.Error("expected deduplicated candidate to keep the priority hint")
			}
		}
	}
	if count != 1 {
		t.Errorf("duplicate URL appeared %d times, want 1", count)
	}
}

func TestEmptyAndGarbageHTML(t *testing.T) {
	e := newExtractor()
	if got := e.Extract("", "https://gateway.example/"); len(got) != 0 {
		t.Errorf("Extract(empty) = %v, want none", got)
	}
	if got := e.Extract("<<<<not html>>>>", "https://gateway.example/"); len(got) != 0 {
		t.Errorf("Extract(garbage) = %v, want none", got)
	}
}

func TestProtocolRelativeURL(t *testing.T) {
	html := `<a href="//cdn.example/file.zip">Get Link</a>`
	got := newExtractor().Extract(html, "https://gateway.example/")
	if len(got) == 0 || !strings.HasPrefix(got[0].URL, "https://cdn.example/") {
		t.Errorf("candidates = %v, want protocol-relative URL resolved to https", got)
	}
}

func urlSet(candidates []types.Candidate) map[string]bool {
	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		set[c.URL] = true
	}
	return set
}
