package hostrules

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadStats contains statistics about rule reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager provides hot-reload capable host rule management.
// It maintains embedded default rules and optionally watches an external
// file for runtime updates. Reads are lock-free using atomic.Value.
type Manager struct {
	embedded     *Rules       // Compiled-in defaults (immutable)
	current      atomic.Value // *Rules - atomic swap for lock-free reads
	externalPath string       // Path to external override file
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewManager creates a new rules Manager.
// If externalPath is empty, only embedded rules are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}

	// Start with embedded rules
	m.current.Store(m.embedded)

	if externalPath != "" {
		if err := m.loadExternal(); err != nil {
			// Log warning but continue with embedded rules
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to load external host rules, using embedded defaults")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Loaded external host rules file")
		}

		if hotReload {
			if err := m.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", externalPath).
					Msg("Failed to start file watcher, hot-reload disabled")
			} else {
				log.Info().
					Str("path", externalPath).
					Msg("Hot-reload enabled for host rules file")
			}
		}
	}

	return m, nil
}

// Current returns the active Rules instance.
// This is a lock-free O(1) operation safe for concurrent use.
func (m *Manager) Current() *Rules {
	return m.current.Load().(*Rules)
}

// Reload manually reloads rules from the external file.
// On failure, the previous rules remain in use (graceful degradation).
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external host rules path configured")
	}

	return m.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher and cleans up resources.
// Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked loads rules from the external file.
// Must be called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read host rules file: %w", err)
	}

	// The external file may be a partial override, so it is parsed
	// without validation; the merged result is validated instead.
	rules, err := parsePartial(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse host rules file: %w", err)
	}

	// Merge with embedded rules (external overrides, embedded fills gaps)
	merged := m.mergeWithEmbedded(rules)
	if err := merged.Validate(); err != nil {
		m.stats.LastError = err
		return fmt.Errorf("merged host rules invalid: %w", err)
	}

	// Atomic swap
	m.current.Store(merged)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Host rules hot-reloaded successfully")

	return nil
}

// mergeWithEmbedded creates a new Rules by merging external with embedded.
// External lists take precedence; embedded fills in missing fields.
func (m *Manager) mergeWithEmbedded(external *Rules) *Rules {
	merged := &Rules{}

	pick := func(ext, emb []string) []string {
		if len(ext) > 0 {
			return ext
		}
		return emb
	}

	merged.ActionWords = pick(external.ActionWords, m.embedded.ActionWords)
	merged.DirectExtensions = pick(external.DirectExtensions, m.embedded.DirectExtensions)
	merged.DirectPathSegments = pick(external.DirectPathSegments, m.embedded.DirectPathSegments)
	merged.DirectHosts = pick(external.DirectHosts, m.embedded.DirectHosts)
	merged.IntermediateHosts = pick(external.IntermediateHosts, m.embedded.IntermediateHosts)
	merged.AdBlocklist = pick(external.AdBlocklist, m.embedded.AdBlocklist)
	merged.RenderMarkers = pick(external.RenderMarkers, m.embedded.RenderMarkers)

	merged.compile()
	return merged
}

// startWatcher starts the file watcher for hot-reload.
func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile watches for file changes and triggers reloads.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	// Debounce timer to coalesce rapid file changes
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			// Only reload on write or create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Host rules file changed")

			// Debounce: wait for rapid changes to settle
			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("path", m.externalPath).
							Msg("Hot-reload failed, keeping previous host rules")
					}
					debouncing = false
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// EmbeddedManager returns a Manager using only embedded rules
// (no external file, no hot-reload).
func EmbeddedManager() *Manager {
	m := &Manager{
		embedded: Get(),
		stopCh:   make(chan struct{}),
	}
	m.current.Store(m.embedded)
	return m
}
