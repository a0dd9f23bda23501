// Package classify estimates how computationally demanding a generation
// request is. The score decides whether a request is worth sending to a
// heavyweight backend, so it has to be cheap: pure string inspection, no I/O.
package classify

import (
	"strings"

	"github.com/zerocost-ai/model-router/internal/types"
)

// Feature weights. The weighted hits are summed and clamped to [0,1].
const (
	weightLength     = 0.35
	weightHeavyWords = 0.30
	weightCode       = 0.20
	weightStructured = 0.15

	// Word count at which the length feature saturates.
	lengthSaturation = 100
)

// Keyword groups seeded from observed traffic. Heavy keywords indicate
// multi-step reasoning or code generation; simple keywords indicate short
// conversational asks.
var (
	heavyKeywords = []string{
		"analyze", "analyse", "design", "develop", "implement", "architecture",
		"algorithm", "optimization", "integration", "framework", "strategy",
		"system design", "production", "enterprise", "detailed", "technical",
	}

	codeMarkers = []string{
		"```", "def ", "func ", "class ", "function", "code", "python",
		"javascript", "api", "sql", "regex",
	}

	structuredMarkers = []string{
		"json", "yaml", "xml", "csv", "table", "schema", "markdown",
	}

	simpleKeywords = []string{
		"hello", "hi", "what is", "how to", "quick", "simple", "basic",
		"summary", "list",
	}
)

// Classifier scores requests. It is stateless; the zero value is usable but
// New is preferred for symmetry with the other components.
type Classifier struct{}

func New() *Classifier {
	return &Classifier{}
}

// Score computes the complexity estimate for a request. It is deterministic
// for identical input and never fails: anything it cannot make sense of is
// treated as minimally complex, because a classification problem must never
// block routing.
func (c *Classifier) Score(req *types.GenerationRequest) types.ComplexityScore {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return types.ComplexityScore{Value: 0, Features: map[string]float64{}}
	}

	prompt := strings.ToLower(req.Prompt)
	features := make(map[string]float64, 5)

	words := len(strings.Fields(prompt))
	lengthRatio := float64(words) / lengthSaturation
	if lengthRatio > 1 {
		lengthRatio = 1
	}
	features["length"] = lengthRatio * weightLength

	features["keywords"] = keywordHits(prompt, heavyKeywords, 3) * weightHeavyWords
	features["code"] = keywordHits(prompt, codeMarkers, 2) * weightCode
	features["structured"] = keywordHits(prompt, structuredMarkers, 2) * weightStructured

	value := 0.0
	for _, v := range features {
		value += v
	}

	// Short conversational prompts stay lightweight even when a keyword
	// grazes one of the heavier groups.
	if words <= 12 && containsAny(prompt, simpleKeywords) {
		value /= 2
		features["simple_discount"] = -value
	}

	// Explicit hints from the caller win over the heuristics.
	switch strings.ToLower(req.ComplexityHint) {
	case "complex":
		if value < 0.9 {
			features["hint"] = 0.9 - value
			value = 0.9
		}
	case "simple":
		if value > 0.1 {
			features["hint"] = 0.1 - value
			value = 0.1
		}
	}

	if value > 1 {
		value = 1
	}
	if value < 0 {
		value = 0
	}

	return types.ComplexityScore{Value: value, Features: features}
}

// keywordHits returns the fraction of the saturation count reached by
// distinct keyword hits, in [0,1].
func keywordHits(prompt string, keywords []string, saturation int) float64 {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(prompt, kw) {
			hits++
			if hits >= saturation {
				break
			}
		}
	}
	return float64(hits) / float64(saturation)
}

func containsAny(prompt string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(prompt, kw) {
			return true
		}
	}
	return false
}
