package rules

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about rule reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitzero"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager provides hot-reload capable rule management.
// It holds the built-in defaults and optionally watches an external file for
// runtime updates. Reads are lock-free using atomic.Value.
type Manager struct {
	base         *RuleSet     // Built-in defaults (immutable)
	current      atomic.Value // *Rules - atomic swap for lock-free reads
	externalPath string       // Path to external override file
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewManager creates a rule Manager.
// If externalPath is empty, only the built-in rules are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		base:         Base(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}

	// Start with the built-in rules
	m.current.Store(Get())

	if externalPath != "" {
		if err := m.loadExternal(); err != nil {
			// Log warning but continue with built-in rules
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to load external rules, using built-in defaults")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Loaded external rules file")
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
					Msg("Hot-reload enabled for rules file")
			}
		}
	}

	return m, nil
}

// Get returns the current compiled Rules.
// This is a lock-free O(1) operation safe for concurrent use.
func (m *Manager) Get() *Rules {
	return m.current.Load().(*Rules)
}

// Reload manually reloads rules from the external file.
// Returns an error if no external path is configured or reload fails.
// On failure, the previous rules remain in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external rules path configured")
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

// loadExternal loads rules from the external file.
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
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	set, err := parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	// Merge with built-in rules (external overrides, defaults fill gaps)
	merged := m.mergeWithBase(set)

	compiled, err := merged.Compile()
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to compile rules file: %w", err)
	}

	// Atomic swap
	m.current.Store(compiled)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Rules hot-reloaded successfully")

	return nil
}

// parseAndValidate parses YAML data and validates the rule set.
func parseAndValidate(data []byte) (*RuleSet, error) {
	var s RuleSet
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Validate checks that the RuleSet overrides at least one field.
func (s *RuleSet) Validate() error {
	if len(s.BlockPatterns) == 0 && s.TelemetryPattern == "" &&
		s.PlayerAllowPattern == "" && len(s.PlaySelectors) == 0 {
		return fmt.Errorf("rules must set at least one of block_patterns, telemetry_pattern, player_allow_pattern, play_selectors")
	}
	return nil
}

// mergeWithBase creates a new RuleSet by merging external with the built-in
// defaults. External fields take precedence; defaults fill in missing fields.
func (m *Manager) mergeWithBase(external *RuleSet) *RuleSet {
	merged := &RuleSet{}

	if len(external.BlockPatterns) > 0 {
		merged.BlockPatterns = external.BlockPatterns
	} else {
		merged.BlockPatterns = m.base.BlockPatterns
	}

	if external.TelemetryPattern != "" {
		merged.TelemetryPattern = external.TelemetryPattern
	} else {
		merged.TelemetryPattern = m.base.TelemetryPattern
	}

	if external.PlayerAllowPattern != "" {
		merged.PlayerAllowPattern = external.PlayerAllowPattern
	} else {
		merged.PlayerAllowPattern = m.base.PlayerAllowPattern
	}

	if len(external.PlaySelectors) > 0 {
		merged.PlaySelectors = external.PlaySelectors
	} else {
		merged.PlaySelectors = m.base.PlaySelectors
	}

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

// watchFile watches for file changes and triggers reloads. Rapid rewrites
// are coalesced with a debounce timer; editors often emit several events per
// save. All debounce state lives in this goroutine.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounce *time.Timer
	var reloadC <-chan time.Time

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
				Msg("Rules file changed")

			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
				reloadC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-reloadC:
					default:
					}
				}
				debounce.Reset(debounceDelay)
			}

		case <-reloadC:
			debounce = nil
			reloadC = nil
			if err := m.Reload(); err != nil {
				log.Warn().
					Err(err).
					Str("path", m.externalPath).
					Msg("Hot-reload failed, keeping previous rules")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// GetManager is a convenience function that returns a Manager using only the
// built-in rules (no external file, no hot-reload).
func GetManager() *Manager {
	m := &Manager{
		base:   Base(),
		stopCh: make(chan struct{}),
	}
	m.current.Store(Get())
	return m
}
