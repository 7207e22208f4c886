// Package stats tracks per-site resolution statistics for the dashboard
// and the /stats endpoint.
package stats

import (
	"sync"
	"time"
)

// maxSites bounds the tracked-site map. Site names come from client
// input, so an unbounded map would be a memory leak.
const maxSites = 1000

// counterMax guards against int64 overflow on long-lived processes.
const counterMax = int64(float64(^uint64(0)>>1) * 0.9)

// SiteStats accumulates outcomes for one site profile.
type SiteStats struct {
	mu sync.RWMutex

	Resolutions  int64 `json:"resolutions"`
	Direct       int64 `json:"direct"`
	HopLimit     int64 `json:"hopLimit"`
	NoCandidates int64 `json:"noCandidates"`
	Errors       int64 `json:"errors"`
	Escalations  int64 `json:"escalations"`

	totalHops      int64
	totalLatencyMs int64

	LastResolution time.Time `json:"lastResolution,omitempty"`
	lastAccess     time.Time
}

// SiteStatsJSON is the serializable snapshot of SiteStats.
type SiteStatsJSON struct {
	Resolutions  int64 `json:"resolutions"`
	Direct       int64 `json:"direct"`
	HopLimit     int64 `json:"hopLimit"`
	NoCandidates int64 `json:"noCandidates"`
	Errors       int64 `json:"errors"`
	Escalations  int64 `json:"escalations"`

	AvgHops      float64 `json:"avgHops"`
	AvgLatencyMs int64   `json:"avgLatencyMs"`
	SuccessRate  float64 `json:"successRate"`

	LastResolution time.Time `json:"lastResolution,omitempty"`
}

func (s *SiteStats) toJSON() SiteStatsJSON {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := SiteStatsJSON{
		Resolutions:    s.Resolutions,
		Direct:         s.Direct,
		HopLimit:       s.HopLimit,
		NoCandidates:   s.NoCandidates,
		Errors:         s.Errors,
		Escalations:    s.Escalations,
		LastResolution: s.LastResolution,
	}
	if s.Resolutions > 0 {
		out.AvgHops = float64(s.totalHops) / float64(s.Resolutions)
		out.AvgLatencyMs = s.totalLatencyMs / s.Resolutions
		out.SuccessRate = float64(s.Direct) / float64(s.Resolutions)
	}
	return out
}

// Outcome describes one finished resolution for recording.
type Outcome struct {
	Site        string
	Termination string // direct, hop_limit, no_candidates, error
	Hops        int
	Latency     time.Duration
	Escalated   bool
}

// Manager tracks statistics for all sites.
type Manager struct {
	mu    sync.Mutex
	sites map[string]*SiteStats
}

// NewManager creates a site stats manager.
func NewManager() *Manager {
	return &Manager{sites: make(map[string]*SiteStats)}
}

func (m *Manager) getOrCreate(site string) *SiteStats {
	if site == "" {
		site = "generic"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sites[site]
	if !ok {
		if len(m.sites) >= maxSites {
			m.evictOldestLocked()
		}
		s = &SiteStats{}
		m.sites[site] = s
	}
	return s
}

// evictOldestLocked drops the least recently updated site. Caller holds m.mu.
func (m *Manager) evictOldestLocked() {
	var oldest string
	var oldestTime time.Time
	first := true

	for site, s := range m.sites {
		s.mu.RLock()
		access := s.lastAccess
		s.mu.RUnlock()
		if first || access.Before(oldestTime) {
			oldest = site
			oldestTime = access
			first = false
		}
	}
	if oldest != "" {
		delete(m.sites, oldest)
	}
}

// Record updates stats with a finished resolution.
func (m *Manager) Record(o Outcome) {
	s := m.getOrCreate(o.Site)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Resolutions >= counterMax {
		// Reset rather than overflow.
		*s = SiteStats{}
	}

	s.Resolutions++
	switch o.Termination {
	case "direct":
		s.Direct++
	case "hop_limit":
		s.HopLimit++
	case "no_candidates":
		s.NoCandidates++
	default:
		s.Errors++
	}
	if o.Escalated {
		s.Escalations++
	}
	s.totalHops += int64(o.Hops)
	s.totalLatencyMs += o.Latency.Milliseconds()
	s.LastResolution = time.Now()
	s.lastAccess = s.LastResolution
}

// AllStats returns a snapshot of every tracked site.
func (m *Manager) AllStats() map[string]SiteStatsJSON {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]SiteStatsJSON, len(m.sites))
	for site, s := range m.sites {
		out[site] = s.toJSON()
	}
	return out
}

// Totals aggregates all sites into one snapshot.
func (m *Manager) Totals() SiteStatsJSON {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total SiteStatsJSON
	var hops, latency int64
	for _, s := range m.sites {
		s.mu.RLock()
		total.Resolutions += s.Resolutions
		total.Direct += s.Direct
		total.HopLimit += s.HopLimit
		total.NoCandidates += s.NoCandidates
		total.Errors += s.Errors
		total.Escalations += s.Escalations
		hops += s.totalHops
		latency += s.totalLatencyMs
		if s.LastResolution.After(total.LastResolution) {
			total.LastResolution = s.LastResolution
		}
		s.mu.RUnlock()
	}
	if total.Resolutions > 0 {
		total.AvgHops = float64(hops) / float64(total.Resolutions)
		total.AvgLatencyMs = latency / total.Resolutions
		total.SuccessRate = float64(total.Direct) / float64(total.Resolutions)
	}
	return total
}
