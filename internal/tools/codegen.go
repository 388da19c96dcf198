package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

const codegenSystemPrompt = "You output ONLY Starlark analysis code - no prose, no comments, no code fences."

// dslReference documents the full capability set the sandbox will accept.
// Anything outside it fails the allow-list, so the prompt and the policy
// must stay in lockstep.
const dslReference = `Available functions (the ONLY ones allowed):
- filter(df, column, op, value) -> df     op is one of "==", "!=", ">", ">=", "<", "<="
- group_sum(df, by, column) -> df
- group_agg(df, by, column, agg) -> df    agg is one of "sum", "mean", "min", "max", "median", "count", "std"
- select_cols(df, columns) -> df          columns is a list of strings
- sort_by(df, column, descending=False) -> df
- head(df, n) -> df
- row_count(df) -> int
- col_sum(df, column) -> float
- col_mean(df, column) -> float
- distinct(df, column, max=20) -> list of strings`

var assignsOutput = regexp.MustCompile(`(?m)^\s*(df_out|result)\s*=`)

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// GenerateQueryTool turns a natural-language request into a sandbox-safe
// Starlark snippet over the step's target tables.
type GenerateQueryTool struct {
	Model    llms.Model
	Attempts int
	Timeout  time.Duration
}

func NewGenerateQueryTool(model llms.Model, attempts int, timeout time.Duration) *GenerateQueryTool {
	if attempts <= 0 {
		attempts = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GenerateQueryTool{Model: model, Attempts: attempts, Timeout: timeout}
}

func (t *GenerateQueryTool) Name() string { return "generate_query" }

func (t *GenerateQueryTool) Description() string {
	return "Generate sandbox-safe analysis code for the user's request over the target tables."
}

func (t *GenerateQueryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targets": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"request": map[string]any{"type": "string"},
		},
		"required": []string{"targets", "request"},
	}
}

func (t *GenerateQueryTool) OutputSchema() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Starlark snippet reading df_in and assigning df_out or result.",
	}
}

func (t *GenerateQueryTool) CostHint() string { return "llm" }

func (t *GenerateQueryTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	if inv.Request == "" {
		return nil, fmt.Errorf("generate_query: empty request")
	}
	prompt := t.buildPrompt(inv)
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(codegenSystemPrompt)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(prompt)}},
	}

	var lastErr error
	for attempt := 0; attempt < t.Attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, t.Timeout)
		resp, err := t.Model.GenerateContent(callCtx, messages)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("generate_query: %w", err)
		}
		if len(resp.Choices) == 0 {
			lastErr = &MalformedLLMOutputError{Reason: "no choices returned"}
			continue
		}
		code := StripFences(resp.Choices[0].Content)
		if err := checkContract(code); err != nil {
			lastErr = err
			continue
		}
		promptTokens, completionTokens := TokenUsage(resp.Choices[0])
		return &Artifact{
			Kind:             ArtifactCode,
			Value:            code,
			TokensPrompt:     promptTokens,
			TokensCompletion: completionTokens,
		}, nil
	}
	return nil, lastErr
}

func checkContract(code string) error {
	if code == "" {
		return &MalformedLLMOutputError{Reason: "empty snippet"}
	}
	if !strings.Contains(code, "df_in") {
		return &MalformedLLMOutputError{Reason: "snippet does not read df_in"}
	}
	if !assignsOutput.MatchString(code) {
		return &MalformedLLMOutputError{Reason: "snippet does not assign df_out or result"}
	}
	return nil
}

func (t *GenerateQueryTool) buildPrompt(inv Invocation) string {
	var b strings.Builder
	b.WriteString("Write ONE Starlark snippet that transforms the input dataframe df_in.\n\n")
	b.WriteString("RULES (strict):\n")
	b.WriteString(dslReference)
	b.WriteString("\n- Input frame is named df_in.\n")
	b.WriteString("- Assign the final table to df_out, or a scalar answer to result.\n")
	b.WriteString("- Use ONLY the listed columns.\n")
	b.WriteString("- Filter categorical columns with exact equality against the listed values.\n")
	b.WriteString("- No imports, no file or network access, no other functions.\n")

	for _, target := range inv.Targets {
		table, _ := splitTarget(target)
		ts, ok := inv.Schemas[table]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\nTable %s columns:\n", table)
		for _, col := range ts.Columns {
			fmt.Fprintf(&b, "- %s: %s\n", col.Name, col.Kind())
		}
	}

	if len(inv.Hints) > 0 {
		b.WriteString("\nCanonical values:\n")
		cols := make([]string, 0, len(inv.Hints))
		for col := range inv.Hints {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			fmt.Fprintf(&b, "- %s: %s\n", col, strings.Join(inv.Hints[col], ", "))
		}
	}

	fmt.Fprintf(&b, "\nUSER REQUEST:\n%s\n", inv.Request)
	return b.String()
}
