// Package hostrules provides the configurable pattern lists the engine
// matches pages and URLs against: action words, direct-file shapes, CDN
// allowlists, and the headless ad blocklist.
package hostrules

import (
	"embed"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed hostrules.yaml
var defaultRulesFS embed.FS

// Rules contains all pattern lists used by the resolution engine.
type Rules struct {
	ActionWords        []string `yaml:"action_words"`
	DirectExtensions   []string `yaml:"direct_extensions"`
	DirectPathSegments []string `yaml:"direct_path_segments"`
	DirectHosts        []string `yaml:"direct_hosts"`
	IntermediateHosts  []string `yaml:"intermediate_hosts"`
	AdBlocklist        []string `yaml:"ad_blocklist"`
	RenderMarkers      []string `yaml:"render_markers"`

	actionRe *regexp.Regexp
	extRe    *regexp.Regexp
}

var (
	instance *Rules
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Rules instance loaded from the embedded
// hostrules.yaml file.
func Get() *Rules {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load host rules, using defaults")
			instance = defaultRules()
			instance.compile()
		}
	})
	return instance
}

// load reads rules from the embedded YAML file.
func load() (*Rules, error) {
	data, err := defaultRulesFS.ReadFile("hostrules.yaml")
	if err != nil {
		return nil, err
	}

	r, err := parseAndValidate(data)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("action_words", len(r.ActionWords)).
		Int("direct_extensions", len(r.DirectExtensions)).
		Int("direct_hosts", len(r.DirectHosts)).
		Int("ad_blocklist", len(r.AdBlocklist)).
		Msg("Host rules loaded")

	return r, nil
}

// parseAndValidate parses YAML data, validates it, and compiles the
// derived regexes.
func parseAndValidate(data []byte) (*Rules, error) {
	r, err := parsePartial(data)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.compile()
	return r, nil
}

// parsePartial parses YAML data without validating or compiling. Override
// files may define only the lists they change, so validation happens on
// the merged result, not here.
func parsePartial(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &r, nil
}

// Validate checks that the Rules carry the minimum the engine needs.
func (r *Rules) Validate() error {
	if len(r.ActionWords) == 0 {
		return fmt.Errorf("host rules must define at least one action word")
	}
	if len(r.DirectExtensions) == 0 {
		return fmt.Errorf("host rules must define at least one direct extension")
	}
	return nil
}

// compile builds the regexes derived from the word lists. Words are
// quoted so a hostile override file cannot inject regex syntax.
func (r *Rules) compile() {
	words := make([]string, 0, len(r.ActionWords))
	for _, w := range r.ActionWords {
		w = strings.TrimSpace(w)
		if w != "" {
			words = append(words, regexp.QuoteMeta(w))
		}
	}
	r.actionRe = regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)`)

	exts := make([]string, 0, len(r.DirectExtensions))
	for _, e := range r.DirectExtensions {
		e = strings.TrimSpace(strings.TrimPrefix(e, "."))
		if e != "" {
			exts = append(exts, regexp.QuoteMeta(e))
		}
	}
	r.extRe = regexp.MustCompile(`(?i)\.(?:` + strings.Join(exts, "|") + `)(?:$|[?#])`)
}

// MatchesActionWord reports whether visible text contains one of the
// configured continue/download action words.
func (r *Rules) MatchesActionWord(text string) bool {
	if text == "" {
		return false
	}
	return r.actionRe.MatchString(text)
}

// HasDirectExtension reports whether the URL path ends in a direct-file
// extension.
func (r *Rules) HasDirectExtension(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Fall back to matching the raw string.
		return r.extRe.MatchString(rawURL)
	}
	return r.extRe.MatchString(u.Path)
}

// HasDirectPath reports whether the URL path contains a known direct
// download segment like /d/ or /dl/.
func (r *Rules) HasDirectPath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	for _, seg := range r.DirectPathSegments {
		if strings.Contains(p, strings.ToLower(seg)) {
			return true
		}
	}
	return false
}

// IsDirectHost reports whether the host matches the direct-CDN allowlist.
// Matching is suffix-or-substring based: "workers.dev" matches any
// subdomain, "fastcdn" matches hosts embedding the token.
func (r *Rules) IsDirectHost(host string) bool {
	return matchHost(host, r.DirectHosts)
}

// IsIntermediateHost reports whether the host is a known gateway.
func (r *Rules) IsIntermediateHost(host string) bool {
	return matchHost(host, r.IntermediateHosts)
}

// IsBlockedHost reports whether the host matches the ad/analytics
// blocklist used by the headless resolver.
func (r *Rules) IsBlockedHost(host string) bool {
	return matchHost(host, r.AdBlocklist)
}

// HasRenderMarker reports whether the page body contains a marker that
// suggests client-side rendering.
func (r *Rules) HasRenderMarker(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range r.RenderMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func matchHost(host string, patterns []string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) || strings.Contains(host, p) {
			return true
		}
	}
	return false
}

// defaultRules returns hardcoded fallback patterns used when the
// embedded file cannot be parsed.
func defaultRules() *Rules {
	return &Rules{
		ActionWords: []string{
			"continue", "download", "instant", "direct",
			"generate", "get link", "verify", "proceed", "stream",
		},
		DirectExtensions: []string{
			"mkv", "mp4", "avi", "mov", "webm", "m4v", "zip", "rar", "7z", "srt",
		},
		DirectPathSegments: []string{"/d/", "/download/", "/dl/"},
		DirectHosts:        []string{"pixeldrain.com", "workers.dev", "r2.dev"},
		IntermediateHosts:  []string{"hubcloud", "vcloud", "hubdrive"},
		AdBlocklist: []string{
			"doubleclick.net", "googlesyndication.com", "google-analytics.com",
		},
		RenderMarkers: []string{"please enable javascript", "loading..."},
	}
}
