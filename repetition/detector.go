// Package repetition implements the per-agent repetition loop detector from
// spec.md §4.3: a rolling window of recent peer and own outputs scored by
// word-shingle Jaccard similarity, plus an independent termination-phrase
// scan. Grounded on original_source/core/common.py's simple_similarity,
// generalized from its 3-gram shingles to the word-level (n=1) shingles
// spec.md §4.3 specifies, and original_source/agents/base.py's
// consecutive_similar bookkeeping.
package repetition

import (
	"strings"
)

// DefaultWindowSize is the number of recent responses the detector
// compares each new output against (K in spec.md §4.3).
const DefaultWindowSize = 5

// Config holds the detector's tunable parameters.
type Config struct {
	SimilarityThreshold  float64
	MaxConsecutiveSimilar int
	WindowSize           int
	TerminationPhrases   []string
}

// DefaultConfig returns spec.md §6.3's defaults.
func DefaultConfig() *Config {
	return &Config{
		SimilarityThreshold:   0.85,
		MaxConsecutiveSimilar: 2,
		WindowSize:            DefaultWindowSize,
		TerminationPhrases:    []string{"[done]", "end of conversation"},
	}
}

// Detector tracks one agent's rolling window of recent outputs and its
// consecutive-similar-turn count. Not safe for concurrent use; each agent
// owns its own Detector instance, per spec.md §5.
type Detector struct {
	config *Config
	window []string // most recent responses, oldest first, capped at WindowSize
	consecutiveSimilar int
}

// New builds a Detector. A nil config uses DefaultConfig.
func New(config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{config: config}
}

// Result is the outcome of checking one candidate output.
type Result struct {
	MaxSimilarity      float64
	ConsecutiveSimilar int
	RepetitionLoop     bool
	ExplicitTermination bool
	TerminationPhrase  string
}

// Check scores candidate against the current window (peer and own recent
// responses already observed via Observe), updates the consecutive-similar
// counter, and independently scans for a termination phrase. Call Observe
// afterward to add candidate to the window for future comparisons.
func (d *Detector) Check(candidate string) Result {
	result := Result{}

	if phrase, ok := matchTerminationPhrase(candidate, d.config.TerminationPhrases); ok {
		result.ExplicitTermination = true
		result.TerminationPhrase = phrase
	}

	maxSim := 0.0
	for _, prior := range d.window {
		if sim := Similarity(candidate, prior); sim > maxSim {
			maxSim = sim
		}
	}
	result.MaxSimilarity = maxSim

	if maxSim >= d.config.SimilarityThreshold {
		d.consecutiveSimilar++
	} else {
		d.consecutiveSimilar = 0
	}
	result.ConsecutiveSimilar = d.consecutiveSimilar

	if d.consecutiveSimilar >= d.config.MaxConsecutiveSimilar {
		result.RepetitionLoop = true
	}

	return result
}

// Observe records a response (this agent's own, or a peer's) into the
// rolling window, evicting the oldest entry once WindowSize is exceeded.
func (d *Detector) Observe(response string) {
	d.window = append(d.window, response)
	if len(d.window) > d.config.WindowSize {
		d.window = d.window[len(d.window)-d.config.WindowSize:]
	}
}

// Reset clears the window and consecutive-similar count.
func (d *Detector) Reset() {
	d.window = nil
	d.consecutiveSimilar = 0
}

func matchTerminationPhrase(text string, phrases []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range phrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return phrase, true
		}
	}
	return "", false
}

// Similarity computes word-shingle Jaccard similarity between two texts:
// lowercase, whitespace-split into word sets, short-circuit to 1.0 on exact
// match after normalization, 0.0 if either side is empty.
func Similarity(a, b string) float64 {
	normA := strings.ToLower(strings.TrimSpace(a))
	normB := strings.ToLower(strings.TrimSpace(b))
	if normA == "" || normB == "" {
		return 0.0
	}
	if normA == normB {
		return 1.0
	}

	setA := wordSet(normA)
	setB := wordSet(normB)
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for word := range setA {
		if setB[word] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func wordSet(normalized string) map[string]bool {
	words := strings.Fields(normalized)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
