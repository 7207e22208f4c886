package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/resolvarr/resolvarr/internal/history"
	"github.com/resolvarr/resolvarr/internal/metrics"
	"github.com/resolvarr/resolvarr/internal/security"
	"github.com/resolvarr/resolvarr/internal/stats"
	"github.com/resolvarr/resolvarr/internal/types"
	"github.com/resolvarr/resolvarr/pkg/version"
)

var errInvalidNumber = errors.New("invalid number")

// resolveMode selects which resolution path a command runs.
type resolveMode int

const (
	modeAuto resolveMode = iota // static with headless escalation
	modeStatic
	modeHeadless
)

// routeCommand routes API commands to their handlers.
func (h *Handler) routeCommand(w http.ResponseWriter, r *http.Request, req *types.Request, startTime time.Time) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout(req))
	defer cancel()

	var err error
	switch req.Cmd {
	case types.CmdResolve:
		err = h.handleResolve(ctx, w, req, modeAuto, startTime)
	case types.CmdResolveStatic:
		err = h.handleResolve(ctx, w, req, modeStatic, startTime)
	case types.CmdResolveHeadless:
		err = h.handleResolve(ctx, w, req, modeHeadless, startTime)
	case types.CmdBatch:
		err = h.handleBatch(ctx, w, req, startTime)
	default:
		// Unreachable after Validate, kept for safety.
		h.writeError(w, fmt.Sprintf("Unknown command: %q", req.Cmd), startTime)
		return
	}

	status := types.StatusOK
	if err != nil {
		status = types.StatusError
	}
	metrics.RecordRequest(req.Cmd, status, time.Since(startTime))
}

// requestTimeout clamps the client-requested timeout to the server limit.
func (h *Handler) requestTimeout(req *types.Request) time.Duration {
	timeout := h.config.DefaultTimeout
	if req.MaxTimeout > 0 {
		timeout = time.Duration(req.MaxTimeout) * time.Millisecond
		if timeout > h.config.MaxTimeout {
			timeout = h.config.MaxTimeout
		}
	}
	return timeout
}

func (h *Handler) handleResolve(ctx context.Context, w http.ResponseWriter, req *types.Request, mode resolveMode, startTime time.Time) error {
	result, err := h.resolveOne(ctx, req.URL, req, mode)
	if err != nil {
		log.Error().Err(err).Str("url", security.RedactURL(req.URL)).Msg("Resolution failed")
		h.writeError(w, err.Error(), startTime)
		return err
	}

	h.writeResult(w, result, nil, startTime)
	return nil
}

// handleBatch resolves each URL concurrently with a bounded worker
// count. Per-URL failures become error-terminated entries so one bad
// link does not sink the batch.
func (h *Handler) handleBatch(ctx context.Context, w http.ResponseWriter, req *types.Request, startTime time.Time) error {
	results := make([]*types.LinkResult, len(req.URLs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.BatchWorkers)

	for i, u := range req.URLs {
		i, u := i, u
		g.Go(func() error {
			result, err := h.resolveOne(gctx, u, req, modeAuto)
			if err != nil {
				log.Warn().Err(err).Str("url", security.RedactURL(u)).Msg("Batch entry failed")
				result = &types.LinkResult{
					StartURL:     u,
					FinalURL:     u,
					TerminatedBy: string(types.TerminatedError),
				}
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	h.writeResult(w, nil, results, startTime)
	return nil
}

// resolveOne runs a single resolution through the selected path and
// records its outcome.
func (h *Handler) resolveOne(ctx context.Context, startURL string, req *types.Request, mode resolveMode) (*types.LinkResult, error) {
	resReq := &types.ResolutionRequest{
		StartURL: startURL,
		Referer:  req.Referer,
		Site:     req.Site,
		MaxHops:  req.MaxHops,
	}
	if err := h.registry.Apply(resReq); err != nil {
		return nil, err
	}

	if mode == modeHeadless && h.headless == nil {
		return nil, types.ErrHeadlessDisabled
	}

	start := time.Now()
	resolvedBy := "static"
	escalated := false

	var result *types.ResolutionResult
	var err error

	switch mode {
	case modeHeadless:
		resolvedBy = "headless"
		result, err = h.headless.Resolve(ctx, resReq)
	default:
		result, err = h.static.Resolve(ctx, resReq)
		if err == nil && mode == modeAuto && !result.Direct() &&
			h.headless != nil && h.headless.ShouldEscalate(result.LastPageHTML) {
			// The browser path is the last resort; its failure is final.
			escalated = true
			resolvedBy = "headless"
			metrics.RecordEscalation()
			log.Info().
				Str("url", security.RedactURL(startURL)).
				Str("static_termination", string(result.TerminatedBy)).
				Msg("Escalating to headless resolution")
			result, err = h.headless.Resolve(ctx, resReq)
		}
	}
	if err != nil {
		h.record(ctx, startURL, req.Site, &types.ResolutionResult{TerminatedBy: types.TerminatedError}, resolvedBy, escalated, time.Since(start))
		return nil, err
	}

	duration := time.Since(start)
	h.record(ctx, startURL, req.Site, result, resolvedBy, escalated, duration)

	return types.NewLinkResult(startURL, result, resolvedBy, duration.Milliseconds()), nil
}

// record feeds one finished resolution into metrics, stats and history.
func (h *Handler) record(ctx context.Context, startURL, site string, result *types.ResolutionResult, resolvedBy string, escalated bool, duration time.Duration) {
	termination := string(result.TerminatedBy)
	metrics.RecordResolution(site, termination, len(result.VisitedChain))
	h.stats.Record(stats.Outcome{
		Site:        site,
		Termination: termination,
		Hops:        len(result.VisitedChain),
		Latency:     duration,
		Escalated:   escalated,
	})

	if h.history != nil {
		err := h.history.Record(ctx, history.Entry{
			StartURL:    startURL,
			FinalURL:    result.FinalURL,
			Site:        site,
			Termination: termination,
			Hops:        len(result.VisitedChain),
			Headless:    resolvedBy == "headless",
			DurationMs:  duration.Milliseconds(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to record history entry")
		}
	}
}

// writeResult writes a successful command response. A resolution that
// never reached a direct URL is still an ok response; the terminatedBy
// field tells the caller what happened.
func (h *Handler) writeResult(w http.ResponseWriter, result *types.LinkResult, results []*types.LinkResult, startTime time.Time) {
	message := "Resolution finished"
	if result != nil && result.Direct {
		message = "Direct link resolved"
	} else if result != nil {
		message = "No direct link found"
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Result:    result,
		Results:   results,
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}
