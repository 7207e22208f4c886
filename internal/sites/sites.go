// Package sites maps site names to the resolution strategies their
// gateways require: which decode hooks apply, what referer to present,
// and any extra hosts to treat as terminal.
package sites

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/resolvarr/resolvarr/internal/classify"
	"github.com/resolvarr/resolvarr/internal/decode"
	"github.com/resolvarr/resolvarr/internal/types"
)

// Profile is one site's strategy bundle.
type Profile struct {
	Name    string
	Referer string

	// Hooks are tried in order on every hop.
	Hooks []types.DecodeHook

	// ExtraDirectHosts extends the classifier's allowlist for this site
	// only. Matching is by host suffix.
	ExtraDirectHosts []string
}

// GenericProfile is used when a request names no site.
const GenericProfile = "generic"

// Registry holds the known site profiles.
type Registry struct {
	classifier *classify.Classifier
	profiles   map[string]*Profile
}

// NewRegistry builds the profile set. decryptor may be nil when no
// decryption service is configured; AES-gated sites then fall through
// to plain extraction.
func NewRegistry(classifier *classify.Classifier, decryptor *decode.Decryptor, fetch decode.PageFetcher, waitCap time.Duration) *Registry {
	envelope := decode.NewEnvelope(fetch, waitCap)

	r := &Registry{
		classifier: classifier,
		profiles:   make(map[string]*Profile),
	}

	r.register(&Profile{
		Name:  "hubcloud",
		Hooks: []types.DecodeHook{envelope},
		ExtraDirectHosts: []string{
			"hubcdn.fans",
			"hubcloudcdn.com",
		},
	})

	r.register(&Profile{
		Name:    "vcloud",
		Referer: "https://vcloud.lol/",
		Hooks:   []types.DecodeHook{envelope},
	})

	techlairHooks := []types.DecodeHook{envelope}
	if decryptor != nil {
		techlairHooks = append([]types.DecodeHook{decode.NewAES(decryptor, "techlair")}, techlairHooks...)
	}
	r.register(&Profile{
		Name:  "techlair",
		Hooks: techlairHooks,
	})

	r.register(&Profile{
		Name:  GenericProfile,
		Hooks: []types.DecodeHook{envelope},
	})

	return r
}

func (r *Registry) register(p *Profile) {
	r.profiles[p.Name] = p
}

// Get returns the named profile. An empty name means generic; an
// unknown name is an error so the caller can reject the request.
func (r *Registry) Get(name string) (*Profile, error) {
	if name == "" {
		name = GenericProfile
	}
	p, ok := r.profiles[strings.ToLower(name)]
	if !ok {
		return nil, types.ErrSiteUnknown
	}
	return p, nil
}

// Names lists the registered profile names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply fills a resolution request's strategy fields from its site
// profile. Fields the caller already set are left alone.
func (r *Registry) Apply(req *types.ResolutionRequest) error {
	p, err := r.Get(req.Site)
	if err != nil {
		return err
	}

	if req.DecodeHooks == nil {
		req.DecodeHooks = p.Hooks
	}
	if req.Referer == "" {
		req.Referer = p.Referer
	}
	if req.DirectPredicate == nil && len(p.ExtraDirectHosts) > 0 {
		extra := p.ExtraDirectHosts
		classifier := r.classifier
		req.DirectPredicate = func(rawURL string) bool {
			if classifier.IsDirect(rawURL) {
				return true
			}
			u, err := url.Parse(rawURL)
			if err != nil {
				return false
			}
			host := strings.ToLower(u.Hostname())
			for _, h := range extra {
				if host == h || strings.HasSuffix(host, "."+h) {
					return true
				}
			}
			return false
		}
	}
	return nil
}
