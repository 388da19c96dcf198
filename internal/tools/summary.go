package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

const summarySystemPrompt = "You are a data analyst. Summarize query results for a non-technical reader " +
	"in at most three sentences. State only what the numbers show; do not speculate."

// SummarizeTool narrates a result frame in plain language.
type SummarizeTool struct {
	Model   llms.Model
	MaxRows int
	Timeout time.Duration
}

func NewSummarizeTool(model llms.Model, maxRows int, timeout time.Duration) *SummarizeTool {
	if maxRows <= 0 {
		maxRows = 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SummarizeTool{Model: model, MaxRows: maxRows, Timeout: timeout}
}

func (t *SummarizeTool) Name() string { return "summarize" }

func (t *SummarizeTool) Description() string {
	return "Narrate a result frame in plain language for the user."
}

func (t *SummarizeTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"targets": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"request": map[string]any{"type": "string"},
		},
		"required": []string{"targets"},
	}
}

func (t *SummarizeTool) OutputSchema() map[string]any {
	return map[string]any{"type": "string", "description": "Narrative summary."}
}

func (t *SummarizeTool) CostHint() string { return "llm" }

func (t *SummarizeTool) Execute(ctx context.Context, inv Invocation) (*Artifact, error) {
	if len(inv.Targets) == 0 {
		return nil, fmt.Errorf("summarize: no target artifact")
	}
	alias, _ := splitTarget(inv.Targets[0])
	lease, err := inv.Frames.Lease(alias)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	defer lease.Release()

	f, err := lease.Frame()
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "USER REQUEST:\n%s\n\nRESULT (%d rows total, first %d shown):\n",
		inv.Request, f.NRow(), min(f.NRow(), t.MaxRows))
	for _, record := range f.Head(t.MaxRows).Records() {
		b.WriteString(strings.Join(record, " | "))
		b.WriteByte('\n')
	}

	callCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	resp, err := t.Model.GenerateContent(callCtx, []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(summarySystemPrompt)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(b.String())}},
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return nil, &MalformedLLMOutputError{Reason: "empty summary"}
	}

	promptTokens, completionTokens := TokenUsage(resp.Choices[0])
	return &Artifact{
		Kind:             ArtifactScalar,
		Value:            strings.TrimSpace(resp.Choices[0].Content),
		TokensPrompt:     promptTokens,
		TokensCompletion: completionTokens,
	}, nil
}
