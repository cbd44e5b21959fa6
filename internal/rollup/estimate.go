package rollup

import (
	"math"
	"strings"
	"unicode/utf8"
)

type rate struct {
	key    string
	input  float64 // USD per 1K input tokens
	output float64 // USD per 1K output tokens
}

// costs are matched by substring, longest key first.
var costs = []rate{
	{"claude-3-sonnet", 0.003, 0.015},
	{"claude-3-haiku", 0.00025, 0.00125},
	{"claude-3-opus", 0.015, 0.075},
	{"gpt-4o-mini", 0.00015, 0.0006},
	{"o1-preview", 0.015, 0.06},
	{"o1-mini", 0.003, 0.012},
	{"o3-mini", 0.003, 0.012},
	{"gpt-4o", 0.005, 0.015},
	{"gpt-4", 0.03, 0.06},
}

var defaultCost = rate{"default", 0.001, 0.003}

// tokenRatios are tokens per character by model family.
var tokenRatios = []struct {
	key   string
	ratio float64
}{
	{"gpt-3.5", 0.25},
	{"claude", 0.24},
	{"gpt-4", 0.25},
	{"o1", 0.25},
	{"o3", 0.25},
}

const defaultTokenRatio = 0.25

// EstimateTokens approximates the token count of text for model. The
// result is at least 1.
func EstimateTokens(text, model string) int {
	ratio := defaultTokenRatio
	m := strings.ToLower(model)
	for _, r := range tokenRatios {
		if strings.Contains(m, r.key) {
			ratio = r.ratio
			break
		}
	}
	return max(1, int(float64(utf8.RuneCountInString(text))*ratio))
}

// EstimateCost returns the USD cost of the token counts for model,
// rounded to six decimals.
func EstimateCost(inputTokens, outputTokens int, model string) float64 {
	r := defaultCost
	m := strings.ToLower(model)
	for _, c := range costs {
		if strings.Contains(m, c.key) {
			r = c
			break
		}
	}
	total := float64(inputTokens)/1000*r.input + float64(outputTokens)/1000*r.output
	return math.Round(total*1e6) / 1e6
}
