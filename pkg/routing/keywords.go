package routing

import "regexp"

// agenticPatterns are deterministic signals that the user wants tool
// assistance. Weights are additive; the final score is clamped to [0,1].
// This stage never routes, it only annotates the wire log.
var agenticPatterns = []struct {
	re     *regexp.Regexp
	weight float64
}{
	{regexp.MustCompile(`(?i)\bsearch\s+(the\s+)?(web|internet|online)\b`), 0.5},
	{regexp.MustCompile(`(?i)\blook\s+(this|that|it)?\s*up\b`), 0.4},
	{regexp.MustCompile(`(?i)\b(latest|current|today'?s?|recent)\s+(news|price|weather|version|release)\b`), 0.5},
	{regexp.MustCompile(`(?i)\bwhat\s+time\s+is\s+it\b`), 0.4},
	{regexp.MustCompile(`(?i)\bcalculate\b|\bcompute\b`), 0.3},
	{regexp.MustCompile(`(?i)\bremember\s+(when|what|that)\b`), 0.3},
	{regexp.MustCompile(`(?i)\b(we|you)\s+(talked|discussed|said)\s+(about|earlier|before)\b`), 0.4},
	{regexp.MustCompile(`(?i)\bfetch\b|\bscrape\b`), 0.3},
}

// AgenticScore scans the latest user message for tool-desire signals.
func AgenticScore(text string) float64 {
	var score float64
	for _, p := range agenticPatterns {
		if p.re.MatchString(text) {
			score += p.weight
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}
