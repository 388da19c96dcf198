package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tmc/langchaingo/llms"

	"github.com/mvaldes-io/tabletalk/internal/tools"
)

const repairSystemPrompt = `You fix failed analysis code. You receive the
code, the table schemas it ran against and the exact error. Reply with
EITHER a patch in unified diff-match-patch format (starting with @@) that
fixes the code, OR the complete corrected code in a fenced block. Change as
little as possible. Never change which output variable is assigned.`

// Repairer asks the model for a bounded patch to failed step code. It
// never regenerates the plan; only the code artifact changes.
type Repairer struct {
	Model         llms.Model
	Timeout       time.Duration
	PatchMaxBytes int

	dmp *diffmatchpatch.DiffMatchPatch
}

func NewRepairer(model llms.Model) *Repairer {
	return &Repairer{
		Model:         model,
		Timeout:       60 * time.Second,
		PatchMaxBytes: 4096,
		dmp:           diffmatchpatch.New(),
	}
}

// Repair returns a corrected version of code given the failure message.
// Oversized or unparseable replies surface as MalformedLLMOutputError so
// the caller can burn a retry and ask again.
func (r *Repairer) Repair(ctx context.Context, code, failure, schemaHint string) (string, error) {
	if r.dmp == nil {
		r.dmp = diffmatchpatch.New()
	}
	callCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	prompt := fmt.Sprintf("Code:\n%s\n\nSchemas:\n%s\nError:\n%s", code, schemaHint, failure)
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(repairSystemPrompt)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(prompt)}},
	}

	resp, err := r.Model.GenerateContent(callCtx, messages)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", &tools.MalformedLLMOutputError{Reason: "empty repair response"}
	}
	reply := strings.TrimSpace(tools.StripFences(resp.Choices[0].Content))

	if len(reply) > r.PatchMaxBytes {
		return "", &tools.MalformedLLMOutputError{
			Reason: fmt.Sprintf("repair reply %d bytes exceeds limit %d", len(reply), r.PatchMaxBytes),
		}
	}

	var fixed string
	if strings.HasPrefix(reply, "@@") {
		patches, err := r.dmp.PatchFromText(reply)
		if err != nil {
			return "", &tools.MalformedLLMOutputError{Reason: "unparseable patch: " + err.Error()}
		}
		applied, ok := r.dmp.PatchApply(patches, code)
		for _, hunk := range ok {
			if !hunk {
				return "", &tools.MalformedLLMOutputError{Reason: "patch hunk did not apply"}
			}
		}
		fixed = applied
	} else {
		fixed = reply
	}

	fixed = strings.TrimSpace(fixed)
	if fixed == "" || fixed == strings.TrimSpace(code) {
		return "", &tools.MalformedLLMOutputError{Reason: "repair produced no change"}
	}
	return fixed, nil
}
