package types

import "context"

// Termination identifies why a resolution stopped.
type Termination string

// Termination values.
const (
	TerminatedDirect       Termination = "direct"
	TerminatedHopLimit     Termination = "hop_limit"
	TerminatedNoCandidates Termination = "no_candidates"
	TerminatedError        Termination = "error"
)

// Candidate is a possible next hop extracted from a gateway page.
// Priority candidates (action-word anchor text or direct-file URL shape)
// are tried before the rest.
type Candidate struct {
	URL        string
	SourceText string
	Priority   bool
}

// ResolutionRequest describes one resolution. The request is immutable;
// all mutable state (cookies, visited set) is created per call and
// discarded when the resolution returns.
type ResolutionRequest struct {
	StartURL string
	Referer  string
	Site     string // site profile name, empty = generic

	// MaxHops bounds total fetches. Zero means the configured default.
	MaxHops int

	// DirectPredicate overrides the default URL classifier when non-nil.
	DirectPredicate DirectPredicate

	// DecodeHooks are tried in order on every hop before candidate
	// extraction. Usually supplied by the site profile.
	DecodeHooks []DecodeHook
}

// ResolutionResult is the outcome of one resolution. FinalURL is a best
// effort value: on HopLimit it is the last fetched URL, so callers must
// independently classify it before presenting it as a direct link.
type ResolutionResult struct {
	FinalURL     string
	VisitedChain []string
	TerminatedBy Termination

	// LastPageHTML is the body of the last fetched page. The escalation
	// layer inspects it for render markers; it never goes on the wire.
	LastPageHTML string
}

// Direct reports whether the resolution reached a terminal artifact.
func (r *ResolutionResult) Direct() bool {
	return r.TerminatedBy == TerminatedDirect
}

// Resolver resolves a gateway URL down to a direct media URL. The static
// and headless implementations satisfy the same interface so callers do
// not need to know which path ran.
type Resolver interface {
	Resolve(ctx context.Context, req *ResolutionRequest) (*ResolutionResult, error)
}

// DirectPredicate reports whether a URL is a terminal artifact.
type DirectPredicate func(rawURL string) bool

// DecodeOutcome tags the result of one decode strategy. NotApplicable
// means the page does not carry the strategy's marker; Malformed means
// the marker was present but the payload did not parse. Both fall
// through to the next strategy rather than failing the resolution.
type DecodeOutcome int

// DecodeOutcome values.
const (
	DecodeNotApplicable DecodeOutcome = iota
	DecodeApplicable
	DecodeMalformed
)

func (o DecodeOutcome) String() string {
	switch o {
	case DecodeApplicable:
		return "applied"
	case DecodeMalformed:
		return "malformed"
	default:
		return "not_applicable"
	}
}

// DecodeResult carries the outcome of a decode attempt. NextURL is set
// only when Outcome is DecodeApplicable.
type DecodeResult struct {
	Outcome DecodeOutcome
	NextURL string
	Err     error // diagnostic for Malformed, never fatal
}

// DecodeHook reverses one obfuscation scheme seen on gateway pages.
// Implementations live in internal/decode and are registered per site.
type DecodeHook interface {
	Name() string
	Decode(ctx context.Context, pageHTML, pageURL string) DecodeResult
}
