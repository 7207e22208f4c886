// Package handlers provides HTTP request handlers for the Resolvarr API.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resolvarr/resolvarr/internal/assets"
	"github.com/resolvarr/resolvarr/internal/browser"
	"github.com/resolvarr/resolvarr/internal/config"
	"github.com/resolvarr/resolvarr/internal/history"
	"github.com/resolvarr/resolvarr/internal/security"
	"github.com/resolvarr/resolvarr/internal/sites"
	"github.com/resolvarr/resolvarr/internal/stats"
	"github.com/resolvarr/resolvarr/internal/types"
	"github.com/resolvarr/resolvarr/pkg/version"
)

// EscalationResolver is the headless path: a Resolver that can also
// judge whether a static dead end is worth a browser.
type EscalationResolver interface {
	types.Resolver
	ShouldEscalate(pageHTML string) bool
}

// Handler handles all Resolvarr API requests.
type Handler struct {
	config   *config.Config
	static   types.Resolver
	headless EscalationResolver // nil when headless is disabled
	registry *sites.Registry
	stats    *stats.Manager
	history  *history.Store // nil when history is disabled
	pool     *browser.Pool  // nil when headless is disabled
	started  time.Time
}

// New creates a new Handler. headless, hist and pool may be nil when the
// corresponding feature is disabled.
func New(cfg *config.Config, static types.Resolver, headless EscalationResolver, registry *sites.Registry, statsManager *stats.Manager, hist *history.Store, pool *browser.Pool) *Handler {
	return &Handler{
		config:   cfg,
		static:   static,
		headless: headless,
		registry: registry,
		stats:    statsManager,
		history:  hist,
		pool:     pool,
		started:  time.Now(),
	}
}

// HandleAPI handles the main API endpoint.
func (h *Handler) HandleAPI(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	// Bound the body so a hostile client cannot exhaust memory.
	const maxBodySize = 1 << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, "Failed to read request", startTime)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, "Invalid JSON request", startTime)
		return
	}

	if err := req.Validate(); err != nil {
		h.writeError(w, err.Error(), startTime)
		return
	}
	if err := h.validateTargets(&req); err != nil {
		h.writeError(w, "Invalid URL: "+err.Error(), startTime)
		return
	}

	log.Info().
		Str("cmd", req.Cmd).
		Str("url", security.RedactURL(req.URL)).
		Str("site", req.Site).
		Msg("Request received")

	h.routeCommand(w, r, &req, startTime)
}

// validateTargets screens every target URL against the SSRF rules.
func (h *Handler) validateTargets(req *types.Request) error {
	allowPrivate := h.config.AllowPrivateTargets
	if req.Cmd == types.CmdBatch {
		for _, u := range req.URLs {
			if err := security.ValidateTargetURL(u, allowPrivate); err != nil {
				return err
			}
		}
		return nil
	}
	return security.ValidateTargetURL(req.URL, allowPrivate)
}

// HandleHealth handles the /health endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "Resolvarr is ready",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HandleStats returns per-site resolution statistics as JSON.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Totals stats.SiteStatsJSON            `json:"totals"`
		Sites  map[string]stats.SiteStatsJSON `json:"sites"`
	}{
		Totals: h.stats.Totals(),
		Sites:  h.stats.AllStats(),
	}
	h.writeJSONResponse(w, http.StatusOK, payload)
}

// HandleHistory returns recent resolutions. Supports ?site= and ?limit=.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeErrorWithStatus(w, http.StatusNotFound, "History is disabled", time.Now())
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}

	entries, err := h.history.Recent(r.Context(), r.URL.Query().Get("site"), limit)
	if err != nil {
		log.Error().Err(err).Msg("History query failed")
		h.writeErrorWithStatus(w, http.StatusInternalServerError, "History query failed", time.Now())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	h.writeJSONResponse(w, http.StatusOK, entries)
}

// HandleDashboard renders the HTML dashboard.
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	totals := h.stats.Totals()
	data := assets.DashboardData{
		Version:     version.Version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Resolutions: totals.Resolutions,
		DirectCount: totals.Direct,
	}
	if h.pool != nil {
		data.PoolSize = h.pool.Size()
		data.PoolAvailable = h.pool.Available()
	}
	for site, s := range h.stats.AllStats() {
		data.Sites = append(data.Sites, assets.SiteRow{
			Name:        site,
			Resolutions: s.Resolutions,
			Direct:      s.Direct,
			AvgHops:     s.AvgHops,
			Escalations: s.Escalations,
		})
	}

	page, err := assets.RenderDashboard(data)
	if err != nil {
		log.Error().Err(err).Msg("Dashboard render failed")
		h.writeErrorWithStatus(w, http.StatusInternalServerError, "Dashboard render failed", time.Now())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(page))
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", time.Now())
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errInvalidNumber
		}
		n = n*10 + int(c-'0')
		if n > 1<<20 {
			return 0, errInvalidNumber
		}
	}
	if n == 0 {
		return 0, errInvalidNumber
	}
	return n, nil
}

// writeError writes an error response. For client compatibility the HTTP
// status stays 200 with the error carried in the JSON body; use
// writeErrorWithStatus where a real status code is wanted.
func (h *Handler) writeError(w http.ResponseWriter, message string, startTime time.Time) {
	h.writeErrorWithStatus(w, http.StatusOK, message, startTime)
}

func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse buffers JSON before writing so encoding errors are
// caught before headers go out.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}
