package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxCmdLength      = 64
	MaxURLLength      = 8192
	MaxSiteNameLength = 64
	MaxTimeoutMs      = 600000 // 10 minutes in milliseconds
	MaxHopsLimit      = 32
	MaxBatchURLs      = 16
	MaxRefererLength  = 8192
)

// Request represents an incoming API request.
type Request struct {
	Cmd        string   `json:"cmd"`
	URL        string   `json:"url,omitempty"`
	URLs       []string `json:"urls,omitempty"` // link.batch only
	Referer    string   `json:"referer,omitempty"`
	Site       string   `json:"site,omitempty"`       // site profile name, empty = generic
	MaxHops    int      `json:"maxHops,omitempty"`    // 0 = server default
	MaxTimeout int      `json:"maxTimeout,omitempty"` // milliseconds, 0 = server default
}

// Validate validates the request and returns an error if invalid.
func (r *Request) Validate() error {
	if r.Cmd == "" {
		return fmt.Errorf("cmd is required")
	}
	if len(r.Cmd) > MaxCmdLength {
		return fmt.Errorf("cmd exceeds maximum length of %d", MaxCmdLength)
	}

	switch r.Cmd {
	case CmdResolve, CmdResolveStatic, CmdResolveHeadless, CmdBatch:
		// Valid command
	default:
		// Use %q format for security (prevents log injection)
		return fmt.Errorf("Unknown command: %q", r.Cmd)
	}

	if r.Cmd == CmdBatch {
		if len(r.URLs) == 0 {
			return fmt.Errorf("urls is required for %s", CmdBatch)
		}
		if len(r.URLs) > MaxBatchURLs {
			return fmt.Errorf("too many urls (maximum %d)", MaxBatchURLs)
		}
		for i, u := range r.URLs {
			if err := validateTargetURL(u); err != nil {
				return fmt.Errorf("urls[%d]: %w", i, err)
			}
		}
	} else {
		if r.URL == "" {
			return ErrURLRequired
		}
		if err := validateTargetURL(r.URL); err != nil {
			return err
		}
	}

	if len(r.Referer) > MaxRefererLength {
		return fmt.Errorf("referer exceeds maximum length of %d", MaxRefererLength)
	}
	if len(r.Site) > MaxSiteNameLength {
		return fmt.Errorf("site exceeds maximum length of %d", MaxSiteNameLength)
	}
	if r.MaxHops < 0 {
		return fmt.Errorf("maxHops cannot be negative")
	}
	if r.MaxHops > MaxHopsLimit {
		return fmt.Errorf("maxHops exceeds maximum of %d", MaxHopsLimit)
	}
	if r.MaxTimeout < 0 {
		return fmt.Errorf("maxTimeout cannot be negative")
	}
	if r.MaxTimeout > MaxTimeoutMs {
		return fmt.Errorf("maxTimeout exceeds maximum of %d ms", MaxTimeoutMs)
	}

	return nil
}

func validateTargetURL(rawURL string) error {
	if len(rawURL) > MaxURLLength {
		return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
	}
	return nil
}

// Response represents an API response.
type Response struct {
	Status    string        `json:"status"`
	Message   string        `json:"message"`
	StartTime int64         `json:"startTimestamp"`
	EndTime   int64         `json:"endTimestamp"`
	Version   string        `json:"version"`
	Result    *LinkResult   `json:"result,omitempty"`
	Results   []*LinkResult `json:"results,omitempty"` // link.batch only
}

// LinkResult is the wire form of a ResolutionResult.
type LinkResult struct {
	StartURL     string   `json:"startUrl"`
	FinalURL     string   `json:"finalUrl"`
	VisitedChain []string `json:"visitedChain"`
	TerminatedBy string   `json:"terminatedBy"`
	Direct       bool     `json:"direct"`
	Hops         int      `json:"hops"`
	DurationMs   int64    `json:"durationMs"`
	ResolvedBy   string   `json:"resolvedBy,omitempty"` // "static" or "headless"
}

// NewLinkResult converts an engine result into its wire form.
func NewLinkResult(startURL string, res *ResolutionResult, resolvedBy string, durationMs int64) *LinkResult {
	return &LinkResult{
		StartURL:     startURL,
		FinalURL:     res.FinalURL,
		VisitedChain: res.VisitedChain,
		TerminatedBy: string(res.TerminatedBy),
		Direct:       res.Direct(),
		Hops:         len(res.VisitedChain),
		DurationMs:   durationMs,
		ResolvedBy:   resolvedBy,
	}
}

// Commands supported by the API.
const (
	CmdResolve         = "link.resolve"
	CmdResolveStatic   = "link.resolve.static"
	CmdResolveHeadless = "link.resolve.headless"
	CmdBatch           = "link.batch"
)

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
