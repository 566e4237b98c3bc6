package hooks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/RALaBarge/beigebox/pkg/config"
)

// injectionPatterns each contribute weight toward the injection score.
var injectionPatterns = []struct {
	re     *regexp.Regexp
	weight float64
}{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`), 0.6},
	{regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+)?prompt`), 0.6},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\b`), 0.3},
	{regexp.MustCompile(`(?i)\bjailbreak\b`), 0.4},
	{regexp.MustCompile(`(?i)\bDAN\s+mode\b`), 0.5},
	{regexp.MustCompile(`(?i)reveal\s+(your|the)\s+system\s+prompt`), 0.5},
	{regexp.MustCompile(`(?i)pretend\s+(you\s+have\s+)?no\s+(rules|restrictions|guidelines)`), 0.5},
	{regexp.MustCompile(`(?i)repeat\s+everything\s+above`), 0.4},
}

// InjectionGuard blocks requests whose latest user message scores above
// the configured prompt-injection threshold.
type InjectionGuard struct {
	InertHook
	Threshold float64
}

// NewInjectionGuard builds the guard with the given threshold.
func NewInjectionGuard(threshold float64) *InjectionGuard {
	if threshold <= 0 {
		threshold = 0.7
	}
	return &InjectionGuard{Threshold: threshold}
}

func (g *InjectionGuard) Name() string {
	return "injection_guard"
}

func (g *InjectionGuard) PreRequest(body map[string]any, hctx *Context) (map[string]any, error) {
	score := InjectionScore(hctx.UserMessage)
	if score < g.Threshold {
		return nil, nil
	}
	body[KeyBlock] = true
	body[KeyBlockMessage] = fmt.Sprintf(
		"Request blocked: message resembles a prompt-injection attempt (score %.2f).", score)
	return body, nil
}

// InjectionScore sums pattern weights, clamped to [0, 1].
func InjectionScore(text string) float64 {
	var score float64
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			score += p.weight
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// syntheticMarkers identify machine-generated housekeeping requests such
// as chat-title or follow-up-suggestion generation that UIs send through
// the same completion endpoint.
var syntheticMarkers = []string{
	"### task:",
	"create a concise, 3-5 word title",
	"generate a concise title",
	"generate 1-3 broad tags",
	"suggest 3-5 relevant follow-up questions",
	"generate a concise summary",
}

// SyntheticTagger marks housekeeping requests so their exchanges are
// never persisted or indexed.
type SyntheticTagger struct {
	InertHook
}

func (SyntheticTagger) Name() string {
	return "synthetic_tagger"
}

func (SyntheticTagger) PreRequest(body map[string]any, hctx *Context) (map[string]any, error) {
	lower := strings.ToLower(hctx.UserMessage)
	for _, marker := range syntheticMarkers {
		if strings.Contains(lower, marker) {
			body[KeySynthetic] = true
			return body, nil
		}
	}
	return nil, nil
}

// NewBuiltin maps a config name to its hook.
func NewBuiltin(name string, cfg config.HooksConfig) (Hook, bool) {
	switch name {
	case "injection_guard":
		return NewInjectionGuard(cfg.InjectionThreshold), true
	case "synthetic_tagger":
		return SyntheticTagger{}, true
	default:
		return nil, false
	}
}
