package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/mvaldes-io/tabletalk/internal/datasource"
	"github.com/mvaldes-io/tabletalk/internal/plan"
	"github.com/mvaldes-io/tabletalk/internal/tools"
)

// Planner turns a natural-language request into a validated plan by asking
// the model to call propose_plan. Malformed proposals are fed back with the
// parse error for a bounded number of attempts; a text-only reply is
// treated as the model asking for clarification.
type Planner struct {
	Model               llms.Model
	Registry            *tools.Registry
	Prompts             *PromptManager
	Attempts            int
	Timeout             time.Duration
	ConfidenceThreshold float64
}

func NewPlanner(model llms.Model, reg *tools.Registry, prompts *PromptManager) *Planner {
	return &Planner{
		Model:               model,
		Registry:            reg,
		Prompts:             prompts,
		Attempts:            3,
		Timeout:             60 * time.Second,
		ConfidenceThreshold: 0.5,
	}
}

// Usage accumulates model token counts over one planning exchange,
// including rejected attempts.
type Usage struct {
	TokensPrompt     int
	TokensCompletion int
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.TokensPrompt + u.TokensCompletion }

// stepTypeNames renders the closed step-type set for the JSON schema enum.
func stepTypeNames() []string {
	names := make([]string, len(plan.StepTypes))
	for i, t := range plan.StepTypes {
		names[i] = string(t)
	}
	return names
}

// proposePlanTool is the single function the planner model may call.
func proposePlanTool() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "propose_plan",
			Description: "Submit a structured analysis plan over the available tools.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id": map[string]any{"type": "string"},
								"type": map[string]any{
									"type": "string",
									"enum": stepTypeNames(),
								},
								"targets": map[string]any{
									"type":  "array",
									"items": map[string]any{"type": "string"},
								},
								"depends_on": map[string]any{
									"type":  "array",
									"items": map[string]any{"type": "string"},
								},
								"checks": map[string]any{
									"type":  "array",
									"items": map[string]any{"type": "string"},
								},
								"artifacts": map[string]any{
									"type":        "object",
									"description": "Input artifact name to producing step id.",
								},
							},
							"required": []string{"id", "type", "targets"},
						},
					},
					"confidence": map[string]any{
						"type":    "number",
						"minimum": 0,
						"maximum": 1,
					},
					"clarifications_needed": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"risks": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"steps", "confidence"},
			},
		},
	}
}

// Propose asks the model for a plan and validates it against the registry,
// the schema cache and the session's known aliases. The returned plan is
// safe to execute. Usage is reported even when planning fails, since
// rejected attempts still consume tokens.
func (p *Planner) Propose(ctx context.Context, history []llms.MessageContent, request string,
	schemas datasource.Schema, knownAliases map[string]bool) (*plan.Plan, Usage, error) {

	var usage Usage

	systemPrompt, err := p.Prompts.GetPlannerPrompt()
	if err != nil {
		return nil, usage, err
	}

	var toolList string
	for entry := range p.Registry.Manifest() {
		toolList += fmt.Sprintf("- %s (cost: %s)\n", entry.Name, entry.CostHint)
	}
	fullPrompt := fmt.Sprintf("%s\n\n## Available Tools:\n%s\n## Known Tables:\n%s",
		systemPrompt, toolList, renderSchemas(schemas))

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(fullPrompt)},
		},
	}
	messages = append(messages, history...)
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(request)},
	})

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := p.Model.GenerateContent(callCtx, messages, llms.WithTools([]llms.Tool{proposePlanTool()}))
		if err != nil {
			return nil, usage, err
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("empty planner response")
			continue
		}
		choice := resp.Choices[0]
		promptTokens, completionTokens := tools.TokenUsage(choice)
		usage.TokensPrompt += promptTokens
		usage.TokensCompletion += completionTokens

		var raw string
		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall != nil && tc.FunctionCall.Name == "propose_plan" {
				raw = tc.FunctionCall.Arguments
				break
			}
		}
		if raw == "" {
			// A plain text reply is the model asking the user something.
			if choice.Content != "" {
				return nil, usage, &plan.NeedsClarificationError{Questions: []string{choice.Content}}
			}
			lastErr = errors.New("no propose_plan call in planner response")
			continue
		}

		proposed, err := plan.Parse([]byte(raw))
		if err == nil {
			err = plan.Validate(proposed, p.Registry, schemas, knownAliases, p.ConfidenceThreshold)
		}
		if err != nil {
			var clarify *plan.NeedsClarificationError
			if errors.As(err, &clarify) {
				return nil, usage, err
			}
			lastErr = err
			// Feed the defect back and let the model try again.
			messages = append(messages,
				llms.MessageContent{
					Role:  llms.ChatMessageTypeAI,
					Parts: []llms.ContentPart{llms.TextPart(raw)},
				},
				llms.MessageContent{
					Role:  llms.ChatMessageTypeHuman,
					Parts: []llms.ContentPart{llms.TextPart(fmt.Sprintf("The plan was rejected: %v. Call propose_plan again with a corrected plan.", err))},
				})
			continue
		}
		return proposed, usage, nil
	}

	return nil, usage, &tools.MalformedLLMOutputError{
		Reason: fmt.Sprintf("no valid plan after %d attempts: %v", attempts, lastErr),
	}
}

func renderSchemas(schemas datasource.Schema) string {
	if len(schemas) == 0 {
		return "(none yet; start with fetch_schema)\n"
	}
	var out string
	for _, table := range schemas.Tables() {
		out += table + ":"
		for _, col := range schemas[table].Columns {
			out += fmt.Sprintf(" %s(%s)", col.Name, col.DType)
		}
		out += "\n"
	}
	return out
}
