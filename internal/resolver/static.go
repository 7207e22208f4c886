// Package resolver implements the hop loop that chases a gateway URL
// down to a direct media URL.
package resolver

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/resolvarr/resolvarr/internal/classify"
	"github.com/resolvarr/resolvarr/internal/cookiejar"
	"github.com/resolvarr/resolvarr/internal/extract"
	"github.com/resolvarr/resolvarr/internal/fetch"
	"github.com/resolvarr/resolvarr/internal/formsubmit"
	"github.com/resolvarr/resolvarr/internal/metrics"
	"github.com/resolvarr/resolvarr/internal/types"
)

// Static is the HTTP-only resolution path: fetch, classify, decode,
// submit forms, extract candidates, hop again. All mutable state lives
// on the stack of one Resolve call, so a single Static instance serves
// concurrent resolutions.
type Static struct {
	client     *fetch.Client
	classifier *classify.Classifier
	extractor  *extract.Extractor
	forms      *formsubmit.Submitter
	maxHops    int
}

// NewStatic wires the static resolver. maxHops is the default fetch
// budget for requests that do not set their own.
func NewStatic(client *fetch.Client, classifier *classify.Classifier, extractor *extract.Extractor, forms *formsubmit.Submitter, maxHops int) *Static {
	if maxHops <= 0 {
		maxHops = 8
	}
	return &Static{
		client:     client,
		classifier: classifier,
		extractor:  extractor,
		forms:      forms,
		maxHops:    maxHops,
	}
}

// Resolve implements types.Resolver. Dead ends and exhausted hop budgets
// come back as soft results (TerminatedBy set, error nil); the error is
// non-nil only for the terminal Error outcome, alongside a result that
// still carries the chain walked so far.
func (s *Static) Resolve(ctx context.Context, req *types.ResolutionRequest) (*types.ResolutionResult, error) {
	maxHops := req.MaxHops
	if maxHops <= 0 {
		maxHops = s.maxHops
	}

	jar := cookiejar.New()
	visited := make(map[string]bool)
	var chain []string

	current := req.StartURL
	referer := req.Referer
	lastFetched := req.StartURL
	lastBody := ""
	fetches := 0

	finish := func(term types.Termination, final string) *types.ResolutionResult {
		return &types.ResolutionResult{
			FinalURL:     final,
			VisitedChain: chain,
			TerminatedBy: term,
			LastPageHTML: lastBody,
		}
	}

	for {
		if fetches >= maxHops {
			log.Debug().
				Str("start_url", req.StartURL).
				Int("hops", fetches).
				Msg("Hop budget exhausted, returning last fetched URL")
			return finish(types.TerminatedHopLimit, lastFetched), nil
		}
		if visited[current] {
			return finish(types.TerminatedNoCandidates, lastFetched), nil
		}
		visited[current] = true

		resp, err := s.client.Do(ctx, jar, fetch.Request{URL: current, Referer: referer})
		if err != nil {
			return finish(types.TerminatedError, lastFetched), err
		}
		fetches++
		chain = append(chain, current)
		lastFetched = current
		lastBody = resp.Body

		if s.isDirect(req, current, resp) {
			return finish(types.TerminatedDirect, current), nil
		}

		if resp.IsRedirect() {
			referer = current
			current = resp.Location
			continue
		}

		pageURL := current
		body := resp.Body

		next := s.runDecoders(ctx, req, body, pageURL)
		if next == pageURL && next != "" {
			// A decoder pointing back at the page it decoded would
			// loop forever.
			return finish(types.TerminatedNoCandidates, lastFetched), nil
		}

		if next == "" {
			// A form hop is a fetch like any other. With the budget
			// spent, no continuation of any kind can be followed.
			if fetches >= maxHops {
				return finish(types.TerminatedHopLimit, lastFetched), nil
			}
			formResp, _ := s.forms.Submit(ctx, jar, body, pageURL)
			if formResp != nil && !visited[formResp.URL] {
				visited[formResp.URL] = true
				fetches++
				chain = append(chain, formResp.URL)
				lastFetched = formResp.URL
				if s.isDirect(req, formResp.URL, formResp) {
					return finish(types.TerminatedDirect, formResp.URL), nil
				}
				pageURL = formResp.URL
				body = formResp.Body
				lastBody = formResp.Body
			}
		}

		if next == "" {
			for _, c := range s.extractor.Extract(body, pageURL) {
				if !visited[c.URL] {
					next = c.URL
					break
				}
			}
		}

		if next == "" {
			return finish(types.TerminatedNoCandidates, lastFetched), nil
		}

		referer = pageURL
		current = next
	}
}

// isDirect classifies a fetched response. A request-supplied predicate
// replaces the URL-shape rules but header evidence (attachment, media
// content type) always counts.
func (s *Static) isDirect(req *types.ResolutionRequest, url string, resp *fetch.Response) bool {
	if req.DirectPredicate != nil {
		if req.DirectPredicate(url) {
			return true
		}
		return s.classifier.IsDirectResponse("", resp.Header)
	}
	return s.classifier.IsDirectResponse(url, resp.Header)
}

func (s *Static) runDecoders(ctx context.Context, req *types.ResolutionRequest, body, pageURL string) string {
	for _, hook := range req.DecodeHooks {
		res := hook.Decode(ctx, body, pageURL)
		metrics.RecordDecodeHook(hook.Name(), res.Outcome.String())
		switch res.Outcome {
		case types.DecodeApplicable:
			log.Debug().
				Str("decoder", hook.Name()).
				Str("page_url", pageURL).
				Msg("Decoder produced next hop")
			return res.NextURL
		case types.DecodeMalformed:
			log.Debug().
				Err(res.Err).
				Str("decoder", hook.Name()).
				Str("page_url", pageURL).
				Msg("Decoder marker present but payload malformed")
		}
	}
	return ""
}
