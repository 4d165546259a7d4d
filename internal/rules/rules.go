// Package rules provides request routing rule loading and management.
package rules

import (
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesFS embed.FS

// RuleSet is the YAML-facing shape of the routing rules. Regex patterns are
// kept as strings here; Compile turns them into a matchable Rules value.
type RuleSet struct {
	BlockPatterns      []string `yaml:"block_patterns"`
	TelemetryPattern   string   `yaml:"telemetry_pattern"`
	PlayerAllowPattern string   `yaml:"player_allow_pattern"`
	PlaySelectors      []string `yaml:"play_selectors"`
}

// Rules is a compiled, immutable rule set. Safe for concurrent use.
type Rules struct {
	block     []*regexp.Regexp
	telemetry *regexp.Regexp
	allow     *regexp.Regexp
	selectors []string
}

// Action is the routing verdict for an intercepted request.
type Action int

const (
	// Continue lets the request through to the network.
	Continue Action = iota
	// Abort cancels the request.
	Abort
	// Capture marks the request as the extraction target.
	Capture
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	case Capture:
		return "capture"
	default:
		return "unknown"
	}
}

var (
	instance *Rules
	base     *RuleSet
	once     sync.Once
)

// Get returns the singleton compiled Rules instance.
// Rules are loaded from the embedded rules.yaml file.
func Get() *Rules {
	once.Do(func() {
		set, compiled, err := load()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded rules, using built-in defaults")
			set = defaultRuleSet()
			compiled = set.mustCompile()
		}
		base = set
		instance = compiled
	})
	return instance
}

// Base returns the rule set shipped with the binary, before any external
// overrides. The returned value must not be mutated.
func Base() *RuleSet {
	Get()
	return base
}

// load reads and compiles rules from the embedded YAML file.
func load() (*RuleSet, *Rules, error) {
	data, err := defaultRulesFS.ReadFile("rules.yaml")
	if err != nil {
		return nil, nil, err
	}

	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, nil, err
	}

	compiled, err := set.Compile()
	if err != nil {
		return nil, nil, err
	}

	log.Debug().
		Int("block_patterns", len(set.BlockPatterns)).
		Int("play_selectors", len(set.PlaySelectors)).
		Msg("Rules loaded")

	return &set, compiled, nil
}

// Compile compiles the rule set's patterns into a Rules value. All patterns
// are matched case-insensitively. Empty telemetry or allow patterns compile
// to matchers that never match.
func (s *RuleSet) Compile() (*Rules, error) {
	r := &Rules{selectors: s.PlaySelectors}

	for _, p := range s.BlockPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid block pattern %q: %w", p, err)
		}
		r.block = append(r.block, re)
	}

	if s.TelemetryPattern != "" {
		re, err := regexp.Compile("(?i)" + s.TelemetryPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid telemetry pattern %q: %w", s.TelemetryPattern, err)
		}
		r.telemetry = re
	}

	if s.PlayerAllowPattern != "" {
		re, err := regexp.Compile("(?i)" + s.PlayerAllowPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid player allow pattern %q: %w", s.PlayerAllowPattern, err)
		}
		r.allow = re
	}

	return r, nil
}

// mustCompile is for the built-in defaults, whose patterns are known valid.
func (s *RuleSet) mustCompile() *Rules {
	r, err := s.Compile()
	if err != nil {
		panic(err)
	}
	return r
}

// IsManifest reports whether a URL fetches an HLS manifest. Per-segment
// sub-playlists (.ts.m3u8) are not capture targets.
func IsManifest(rawURL string) bool {
	return strings.Contains(rawURL, ".m3u8") && !strings.Contains(rawURL, ".ts.m3u8")
}

// Decide classifies an intercepted request. resourceType is the lowercase
// protocol resource type (image, font, stylesheet, script, xhr, fetch, ...).
// The clauses are ordered; the first match wins.
func (r *Rules) Decide(rawURL, resourceType string) Action {
	switch {
	case IsManifest(rawURL):
		return Capture
	case resourceType == "image" || resourceType == "font" || resourceType == "stylesheet":
		return Abort
	case resourceType == "script" && !r.allowed(rawURL) && r.blocked(rawURL):
		return Abort
	case (resourceType == "xhr" || resourceType == "fetch") && r.telemetryHit(rawURL):
		return Abort
	case r.blocked(rawURL):
		return Abort
	default:
		return Continue
	}
}

// PlaySelectors returns the ordered selectors tried when coaxing a player
// into starting playback. The returned slice must not be mutated.
func (r *Rules) PlaySelectors() []string {
	return r.selectors
}

func (r *Rules) blocked(rawURL string) bool {
	for _, re := range r.block {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func (r *Rules) allowed(rawURL string) bool {
	return r.allow != nil && r.allow.MatchString(rawURL)
}

func (r *Rules) telemetryHit(rawURL string) bool {
	return r.telemetry != nil && r.telemetry.MatchString(rawURL)
}

// defaultRuleSet returns hardcoded fallback rules.
func defaultRuleSet() *RuleSet {
	return &RuleSet{
		BlockPatterns: []string{
			"google-analytics.com",
			"googletagmanager.com",
			"facebook.(com|net)",
			"doubleclick.net",
			"analytics.",
			"hotjar.com",
			"clarity.ms",
			"sentry.io",
			"segment.(com|io)",
			"mixpanel.com",
			"amplitude.com",
			"newrelic.com",
			"bugsnag.com",
			"datadog",
			"ads.",
			"adserver.",
			"pagead",
			"prebid",
			"adsystem",
			"adservice",
			`\.(mp4|webm)(\?|$)`,
		},
		TelemetryPattern:   "analytics|tracking|beacon|metrics|telemetry|collect|log|event",
		PlayerAllowPattern: "player|jwplayer|plyr|video|embed|hls|dash|stream",
		PlaySelectors: []string{
			".jw-icon-playback",
			".jw-display-icon-container",
			".vjs-big-play-button",
			`[aria-label="Play"]`,
			".play-button",
			".plyr__control--overlaid",
			"video",
			`[class*="play"]`,
		},
	}
}
