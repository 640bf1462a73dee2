// Package escalation scores observed requests and decides whether their
// source should be challenged or handed to enforcement. Scoring runs a
// fixed pipeline: heuristic rules, the optional trained classifier, then
// optional external stages for borderline verdicts.
package escalation

import (
	"strings"
	"time"

	"quagmire/internal/metadata"
	"quagmire/internal/state"
)

// Rule score weights. Tuned against observed scraper traffic; the sum is
// clamped to [0, 1].
const (
	weightBadAgent    = 0.7
	weightEmptyAgent  = 0.5
	weightRobotsPath  = 0.6
	weightHighFreq    = 0.3
	weightElevated    = 0.1
	weightBurstGap    = 0.2
	weightBenignAgent = -0.5

	highFreqThreshold     = 60
	elevatedFreqThreshold = 30
	burstGap              = 300 * time.Millisecond
)

// Ruleset holds the heuristic inputs shared with the edge filter.
type Ruleset struct {
	knownBadAgents []string
	benignAgents   []string
	robotsDisallow []string
}

// NewRuleset builds the heuristic stage. Agent lists match as lowercase
// substrings; disallow entries match as path prefixes.
func NewRuleset(knownBad, benign, robotsDisallow []string) *Ruleset {
	lower := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = strings.ToLower(s)
		}
		return out
	}
	return &Ruleset{
		knownBadAgents: lower(knownBad),
		benignAgents:   lower(benign),
		robotsDisallow: robotsDisallow,
	}
}

// Score applies the heuristic rules and returns the clamped score with the
// reasons that contributed.
func (rs *Ruleset) Score(md metadata.RequestMetadata, freq state.Frequency) (float64, []string) {
	var score float64
	var reasons []string

	agent := strings.ToLower(md.UserAgent)
	switch {
	case agent == "":
		score += weightEmptyAgent
		reasons = append(reasons, "empty user agent")
	case containsAny(agent, rs.knownBadAgents) && !containsAny(agent, rs.benignAgents):
		score += weightBadAgent
		reasons = append(reasons, "known-bad user agent")
	case containsAny(agent, rs.benignAgents):
		score += weightBenignAgent
		reasons = append(reasons, "benign crawler")
	}

	for _, prefix := range rs.robotsDisallow {
		if md.Path == prefix || strings.HasPrefix(md.Path, strings.TrimSuffix(prefix, "/")+"/") {
			score += weightRobotsPath
			reasons = append(reasons, "robots-disallowed path")
			break
		}
	}

	switch {
	case freq.Count > highFreqThreshold:
		score += weightHighFreq
		reasons = append(reasons, "high request frequency")
	case freq.Count > elevatedFreqThreshold:
		score += weightElevated
		reasons = append(reasons, "elevated request frequency")
	}

	if freq.HasPrevious && freq.SincePrevious < burstGap {
		score += weightBurstGap
		reasons = append(reasons, "sub-second request gap")
	}

	return clamp01(score), reasons
}

// FrequencyDriven reports whether the reasons are dominated by rate
// signals, used when picking the decision trigger.
func FrequencyDriven(reasons []string) bool {
	if len(reasons) == 0 {
		return false
	}
	for _, r := range reasons {
		switch r {
		case "high request frequency", "elevated request frequency", "sub-second request gap":
		default:
			return false
		}
	}
	return true
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
