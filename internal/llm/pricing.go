package llm

import "strings"

// pricePer1K is (prompt, completion) USD per thousand tokens, keyed by
// model-name prefix. Unknown models fall back to a conservative default.
var pricePer1K = []struct {
	prefix     string
	prompt     float64
	completion float64
}{
	{"claude-opus", 0.015, 0.075},
	{"claude-sonnet", 0.003, 0.015},
	{"claude-haiku", 0.0008, 0.004},
	{"claude-3-7-sonnet", 0.003, 0.015},
	{"claude-3-5-haiku", 0.0008, 0.004},
	{"gpt-4o-mini", 0.00015, 0.0006},
	{"gpt-4o", 0.0025, 0.01},
	{"gpt-4", 0.03, 0.06},
	{"o3", 0.002, 0.008},
}

const (
	defaultPromptPrice     = 0.01
	defaultCompletionPrice = 0.03
)

// Cost estimates the USD cost of a completion. The longest matching prefix
// wins, so "gpt-4o-mini" does not take the "gpt-4" price.
func Cost(model string, usage TokenUsage) float64 {
	prompt, completion := defaultPromptPrice, defaultCompletionPrice
	best := -1
	for _, p := range pricePer1K {
		if strings.HasPrefix(model, p.prefix) && len(p.prefix) > best {
			best = len(p.prefix)
			prompt, completion = p.prompt, p.completion
		}
	}
	return float64(usage.PromptTokens)/1000*prompt + float64(usage.CompletionTokens)/1000*completion
}
