package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/resolvarr/resolvarr/internal/classify"
	"github.com/resolvarr/resolvarr/internal/config"
	"github.com/resolvarr/resolvarr/internal/hostrules"
	"github.com/resolvarr/resolvarr/internal/sites"
	"github.com/resolvarr/resolvarr/internal/stats"
	"github.com/resolvarr/resolvarr/internal/types"
)

// fakeResolver returns canned results keyed by start URL.
type fakeResolver struct {
	results map[string]*types.ResolutionResult
	err     error
	calls   int
}

func (f *fakeResolver) Resolve(ctx context.Context, req *types.ResolutionRequest) (*types.ResolutionResult, error) {
	f.calls++
	if f.err != nil {
		return &types.ResolutionResult{TerminatedBy: types.TerminatedError}, f.err
	}
	if res, ok := f.results[req.StartURL]; ok {
		return res, nil
	}
	return &types.ResolutionResult{
		FinalURL:     req.StartURL,
		VisitedChain: []string{req.StartURL},
		TerminatedBy: types.TerminatedNoCandidates,
	}, nil
}

// fakeHeadless wraps fakeResolver with an escalation switch.
type fakeHeadless struct {
	fakeResolver
	escalate bool
}

func (f *fakeHeadless) ShouldEscalate(pageHTML string) bool { return f.escalate }

func testConfig() *config.Config {
	return &config.Config{
		DefaultTimeout:      30 * time.Second,
		MaxTimeout:          60 * time.Second,
		BatchWorkers:        2,
		AllowPrivateTargets: true,
	}
}

func testRegistry() *sites.Registry {
	return sites.NewRegistry(classify.New(hostrules.EmbeddedManager()), nil, nil, 30*time.Second)
}

func newTestHandler(static types.Resolver, headless EscalationResolver) *Handler {
	return New(testConfig(), static, headless, testRegistry(), stats.NewManager(), nil, nil)
}

func postAPI(t *testing.T, h *Handler, req types.Request) (*httptest.ResponseRecorder, *types.Response) {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r := httptest.NewRequest("POST", "/v1", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleAPI(w, r)

	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body %q)", err, w.Body.String())
	}
	return w, &resp
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != types.StatusOK || resp.Message != "Resolvarr is ready" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestResolveDirect(t *testing.T) {
	static := &fakeResolver{results: map[string]*types.ResolutionResult{
		"http://gw.test/a": {
			FinalURL:     "http://cdn.test/a.mkv",
			VisitedChain: []string{"http://gw.test/a", "http://cdn.test/a.mkv"},
			TerminatedBy: types.TerminatedDirect,
		},
	}}
	h := newTestHandler(static, nil)

	_, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://gw.test/a"})

	if resp.Status != types.StatusOK {
		t.Fatalf("status = %q (%s)", resp.Status, resp.Message)
	}
	if resp.Result == nil {
		t.Fatal("missing result")
	}
	if resp.Result.FinalURL != "http://cdn.test/a.mkv" || !resp.Result.Direct {
		t.Errorf("result = %+v", resp.Result)
	}
	if resp.Result.ResolvedBy != "static" {
		t.Errorf("resolvedBy = %q", resp.Result.ResolvedBy)
	}
	if resp.Result.Hops != 2 {
		t.Errorf("hops = %d, want 2", resp.Result.Hops)
	}
}

func TestResolveSoftResult(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)

	w, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://gw.test/dead-end"})

	// Dead ends are ok responses with the termination reported, not 500s.
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d", w.Code)
	}
	if resp.Status != types.StatusOK {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Result == nil || resp.Result.TerminatedBy != string(types.TerminatedNoCandidates) {
		t.Errorf("result = %+v", resp.Result)
	}
	if resp.Message != "No direct link found" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestResolveEscalatesToHeadless(t *testing.T) {
	static := &fakeResolver{} // always no_candidates
	headless := &fakeHeadless{
		escalate: true,
		fakeResolver: fakeResolver{results: map[string]*types.ResolutionResult{
			"http://gw.test/js": {
				FinalURL:     "http://cdn.test/js.mp4",
				VisitedChain: []string{"http://gw.test/js", "http://cdn.test/js.mp4"},
				TerminatedBy: types.TerminatedDirect,
			},
		}},
	}
	h := newTestHandler(static, headless)

	_, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://gw.test/js"})

	if resp.Result == nil || !resp.Result.Direct {
		t.Fatalf("result = %+v", resp.Result)
	}
	if resp.Result.ResolvedBy != "headless" {
		t.Errorf("resolvedBy = %q, want headless", resp.Result.ResolvedBy)
	}
	if static.calls != 1 || headless.calls != 1 {
		t.Errorf("calls: static %d headless %d", static.calls, headless.calls)
	}
}

func TestResolveNoEscalationWhenNotWarranted(t *testing.T) {
	static := &fakeResolver{}
	headless := &fakeHeadless{escalate: false}
	h := newTestHandler(static, headless)

	postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://gw.test/plain"})

	if headless.calls != 0 {
		t.Errorf("headless ran %d times despite ShouldEscalate=false", headless.calls)
	}
}

func TestResolveStaticNeverEscalates(t *testing.T) {
	static := &fakeResolver{}
	headless := &fakeHeadless{escalate: true}
	h := newTestHandler(static, headless)

	postAPI(t, h, types.Request{Cmd: types.CmdResolveStatic, URL: "http://gw.test/x"})

	if headless.calls != 0 {
		t.Errorf("headless ran %d times for a static-only command", headless.calls)
	}
}

func TestResolveHeadlessCommand(t *testing.T) {
	static := &fakeResolver{}
	headless := &fakeHeadless{fakeResolver: fakeResolver{results: map[string]*types.ResolutionResult{
		"http://gw.test/h": {
			FinalURL:     "http://cdn.test/h.mkv",
			VisitedChain: []string{"http://gw.test/h"},
			TerminatedBy: types.TerminatedDirect,
		},
	}}}
	h := newTestHandler(static, headless)

	_, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolveHeadless, URL: "http://gw.test/h"})

	if static.calls != 0 {
		t.Error("static path ran for a headless-only command")
	}
	if resp.Result == nil || resp.Result.ResolvedBy != "headless" {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestResolveHeadlessDisabled(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)

	_, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolveHeadless, URL: "http://gw.test/h"})

	if resp.Status != types.StatusError {
		t.Errorf("status = %q, want error", resp.Status)
	}
}

func TestResolveHeadlessFailureIsTerminal(t *testing.T) {
	static := &fakeResolver{}
	headless := &fakeHeadless{escalate: true}
	headless.err = errors.New("target crashed the page")
	h := newTestHandler(static, headless)

	_, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://gw.test/boom"})

	if resp.Status != types.StatusError {
		t.Errorf("status = %q, want error after headless failure", resp.Status)
	}
}

func TestBatch(t *testing.T) {
	static := &fakeResolver{results: map[string]*types.ResolutionResult{
		"http://gw.test/1": {
			FinalURL:     "http://cdn.test/1.mkv",
			VisitedChain: []string{"http://gw.test/1", "http://cdn.test/1.mkv"},
			TerminatedBy: types.TerminatedDirect,
		},
	}}
	h := newTestHandler(static, nil)

	_, resp := postAPI(t, h, types.Request{
		Cmd:  types.CmdBatch,
		URLs: []string{"http://gw.test/1", "http://gw.test/2"},
	})

	if resp.Status != types.StatusOK {
		t.Fatalf("status = %q (%s)", resp.Status, resp.Message)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("len(results) = %d", len(resp.Results))
	}
	// Order matches the request.
	if !resp.Results[0].Direct || resp.Results[0].FinalURL != "http://cdn.test/1.mkv" {
		t.Errorf("results[0] = %+v", resp.Results[0])
	}
	if resp.Results[1].TerminatedBy != string(types.TerminatedNoCandidates) {
		t.Errorf("results[1] = %+v", resp.Results[1])
	}
}

func TestBatchEntryFailureDoesNotSinkBatch(t *testing.T) {
	static := &fakeResolver{err: errors.New("network down")}
	h := newTestHandler(static, nil)

	_, resp := postAPI(t, h, types.Request{
		Cmd:  types.CmdBatch,
		URLs: []string{"http://gw.test/1"},
	})

	if resp.Status != types.StatusOK {
		t.Fatalf("status = %q", resp.Status)
	}
	if len(resp.Results) != 1 || resp.Results[0].TerminatedBy != string(types.TerminatedError) {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)
	_, resp := postAPI(t, h, types.Request{Cmd: "sessions.create", URL: "http://gw.test/a"})
	if resp.Status != types.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestUnknownSite(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)
	_, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://gw.test/a", Site: "nope"})
	if resp.Status != types.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestInvalidJSON(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)

	r := httptest.NewRequest("POST", "/v1", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.HandleAPI(w, r)

	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != types.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestSSRFBlocked(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)
	h.config.AllowPrivateTargets = false

	_, resp := postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://169.254.169.254/latest/meta-data/"})
	if resp.Status != types.StatusError {
		t.Errorf("status = %q, want error for metadata target", resp.Status)
	}
}

func TestStatsEndpoint(t *testing.T) {
	static := &fakeResolver{results: map[string]*types.ResolutionResult{
		"http://gw.test/a": {
			FinalURL:     "http://cdn.test/a.mkv",
			VisitedChain: []string{"http://gw.test/a"},
			TerminatedBy: types.TerminatedDirect,
		},
	}}
	h := newTestHandler(static, nil)
	postAPI(t, h, types.Request{Cmd: types.CmdResolve, URL: "http://gw.test/a", Site: "hubcloud"})

	w := httptest.NewRecorder()
	h.HandleStats(w, httptest.NewRequest("GET", "/stats", nil))

	var payload struct {
		Totals stats.SiteStatsJSON            `json:"totals"`
		Sites  map[string]stats.SiteStatsJSON `json:"sites"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Totals.Resolutions != 1 || payload.Sites["hubcloud"].Direct != 1 {
		t.Errorf("stats = %+v", payload)
	}
}

func TestHistoryDisabled(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)

	w := httptest.NewRecorder()
	h.HandleHistory(w, httptest.NewRequest("GET", "/history", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when history disabled", w.Code)
	}
}

func TestDashboard(t *testing.T) {
	h := newTestHandler(&fakeResolver{}, nil)

	w := httptest.NewRecorder()
	h.HandleDashboard(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("Resolvarr")) {
		t.Error("dashboard missing title")
	}
}
