package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/resolvarr/resolvarr/internal/classify"
	"github.com/resolvarr/resolvarr/internal/decode"
	"github.com/resolvarr/resolvarr/internal/extract"
	"github.com/resolvarr/resolvarr/internal/fetch"
	"github.com/resolvarr/resolvarr/internal/formsubmit"
	"github.com/resolvarr/resolvarr/internal/hostrules"
	"github.com/resolvarr/resolvarr/internal/types"
)

// countingMux records how many times each path was fetched.
type countingMux struct {
	mu     sync.Mutex
	counts map[string]int
	mux    *http.ServeMux
}

func newCountingMux() *countingMux {
	return &countingMux{counts: make(map[string]int), mux: http.NewServeMux()}
}

func (c *countingMux) handle(path string, h http.HandlerFunc) {
	c.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.counts[path]++
		c.mu.Unlock()
		h(w, r)
	})
}

func (c *countingMux) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[path]
}

func newStatic(maxHops int) *Static {
	rules := hostrules.EmbeddedManager()
	client := fetch.New(fetch.Options{Timeout: 5 * time.Second, RetryBackoff: time.Millisecond})
	return NewStatic(client, classify.New(rules), extract.New(rules), formsubmit.New(client, rules), maxHops)
}

func TestResolveDirectByAttachment(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	cm.handle("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/gate">Continue to download</a>`))
	})
	cm.handle("/gate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="movie.mkv"`)
		w.Write([]byte{0, 1, 2})
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/start",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedDirect {
		t.Fatalf("terminatedBy = %v", res.TerminatedBy)
	}
	if want := srv.URL + "/gate"; res.FinalURL != want {
		t.Errorf("FinalURL = %q, want %q", res.FinalURL, want)
	}
	if len(res.VisitedChain) != 2 {
		t.Errorf("chain = %v", res.VisitedChain)
	}
}

func TestResolveHopLimitReturnsLastFetched(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	// A -> B -> C -> D, D direct, but the budget ends at C.
	cm.handle("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/b">Continue</a>`))
	})
	cm.handle("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/c">Continue</a>`))
	})
	cm.handle("/c", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/d">Continue</a>`))
	})
	cm.handle("/d", func(w http.ResponseWriter, r *http.Request) {
		t.Error("D must never be fetched within a 3-hop budget")
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/a",
		MaxHops:  3,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedHopLimit {
		t.Fatalf("terminatedBy = %v", res.TerminatedBy)
	}
	if want := srv.URL + "/c"; res.FinalURL != want {
		t.Errorf("FinalURL = %q, want %q", res.FinalURL, want)
	}
	wantChain := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}
	if len(res.VisitedChain) != 3 {
		t.Fatalf("chain = %v", res.VisitedChain)
	}
	for i, u := range wantChain {
		if res.VisitedChain[i] != u {
			t.Errorf("chain[%d] = %q, want %q", i, res.VisitedChain[i], u)
		}
	}
}

func TestResolveNeverFetchesTwice(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	// B links back to A and to B itself; the visited set must end the
	// resolution instead of looping.
	cm.handle("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/b">Continue</a>`))
	})
	cm.handle("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/a">Download here</a> <a href="/b">Download mirror</a>`))
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/a",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedNoCandidates {
		t.Fatalf("terminatedBy = %v", res.TerminatedBy)
	}
	if cm.count("/a") != 1 || cm.count("/b") != 1 {
		t.Errorf("fetch counts a=%d b=%d, want 1 each", cm.count("/a"), cm.count("/b"))
	}
}

func TestResolveFollowsServerRedirectThenMetaRefresh(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	cm.handle("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing/page", http.StatusFound)
	})
	cm.handle("/landing/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<meta http-equiv="refresh" content="5;url=/next">`))
	})
	cm.handle("/next", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/x-matroska")
		w.Write([]byte{0})
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/start",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedDirect {
		t.Fatalf("terminatedBy = %v, chain = %v", res.TerminatedBy, res.VisitedChain)
	}
	if want := srv.URL + "/next"; res.FinalURL != want {
		t.Errorf("FinalURL = %q, want %q", res.FinalURL, want)
	}
}

func TestResolveCookiesCarryAcrossHops(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	cm.handle("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "tok=abc; Path=/")
		w.Write([]byte(`<a href="/b">Continue</a>`))
	})
	cm.handle("/b", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "tok=abc" {
			t.Errorf("hop B cookie = %q", r.Header.Get("Cookie"))
		}
		if got := r.Referer(); got != srv.URL+"/a" {
			t.Errorf("hop B referer = %q", got)
		}
		w.Header().Set("Content-Disposition", "attachment")
		w.Write([]byte{0})
	})

	if _, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/a",
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestResolveDecodeHookDrivesNextHop(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	cm.handle("/gate", func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string]string{
			"o": base64.StdEncoding.EncodeToString([]byte(srv.URL + "/hidden")),
		})
		inner := base64.StdEncoding.EncodeToString(payload)
		token := base64.StdEncoding.EncodeToString([]byte(inner))
		w.Write([]byte(`<script>ck('_wp_http_1','` + token + `', 30);</script>`))
	})
	cm.handle("/hidden", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment")
		w.Write([]byte{0})
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL:    srv.URL + "/gate",
		DecodeHooks: []types.DecodeHook{decode.NewEnvelope(nil, time.Second)},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedDirect {
		t.Fatalf("terminatedBy = %v", res.TerminatedBy)
	}
	if want := srv.URL + "/hidden"; res.FinalURL != want {
		t.Errorf("FinalURL = %q, want %q", res.FinalURL, want)
	}
}

func TestResolveFormSubmissionHop(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	cm.handle("/gate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<form action="/unlock" method="post">
			<input type="hidden" name="token" value="h1dden">
			<button>Generate Download Link</button>
		</form>`))
	})
	cm.handle("/unlock", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostFormValue("token") != "h1dden" {
			t.Errorf("token = %q", r.PostFormValue("token"))
		}
		w.Header().Set("Content-Disposition", `attachment; filename="f.zip"`)
		w.Write([]byte{0})
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/gate",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedDirect {
		t.Fatalf("terminatedBy = %v, chain = %v", res.TerminatedBy, res.VisitedChain)
	}
	if want := srv.URL + "/unlock"; res.FinalURL != want {
		t.Errorf("FinalURL = %q, want %q", res.FinalURL, want)
	}
}

func TestResolveFormHopRespectsBudget(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	cm.handle("/gate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<form action="/unlock" method="post">
			<input type="hidden" name="token" value="h1dden">
			<button>Generate Download Link</button>
		</form>`))
	})
	cm.handle("/unlock", func(w http.ResponseWriter, r *http.Request) {
		t.Error("the form action must never be fetched with the budget spent")
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/gate",
		MaxHops:  1,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedHopLimit {
		t.Fatalf("terminatedBy = %v, chain = %v", res.TerminatedBy, res.VisitedChain)
	}
	if got := cm.count("/gate") + cm.count("/unlock"); got != 1 {
		t.Errorf("total fetches = %d, want exactly 1 with a 1-hop budget", got)
	}
	if want := srv.URL + "/gate"; res.FinalURL != want {
		t.Errorf("FinalURL = %q, want %q", res.FinalURL, want)
	}
}

func TestResolveCustomPredicate(t *testing.T) {
	cm := newCountingMux()
	srv := httptest.NewServer(cm.mux)
	defer srv.Close()

	cm.handle("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/special-target">Continue</a>`))
	})
	cm.handle("/special-target", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>plain page</html>"))
	})

	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: srv.URL + "/a",
		DirectPredicate: func(rawURL string) bool {
			return rawURL == srv.URL+"/special-target"
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.TerminatedBy != types.TerminatedDirect {
		t.Fatalf("terminatedBy = %v", res.TerminatedBy)
	}
}

func TestResolveTransportErrorIsTerminal(t *testing.T) {
	res, err := newStatic(8).Resolve(context.Background(), &types.ResolutionRequest{
		StartURL: "http://127.0.0.1:1/nope",
	})
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if res == nil || res.TerminatedBy != types.TerminatedError {
		t.Fatalf("result = %+v", res)
	}
}
