package tools

import "github.com/tmc/langchaingo/llms"

// TokenUsage reads prompt and completion token counts from a generation's
// info map. Providers report counts under varying integer widths; absent
// keys count as zero.
func TokenUsage(choice *llms.ContentChoice) (prompt, completion int) {
	if choice == nil || choice.GenerationInfo == nil {
		return 0, 0
	}
	return infoInt(choice.GenerationInfo["PromptTokens"]),
		infoInt(choice.GenerationInfo["CompletionTokens"])
}

func infoInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
