package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/mvaldes-io/tabletalk/internal/plan"
)

// Chat is the conversational surface a gateway drives. Propose returns the
// plan for the user to approve; Execute runs it. The gap between the two
// calls is the approval boundary.
type Chat interface {
	Propose(ctx context.Context, sessionID, request string) (*plan.Plan, error)
	Execute(ctx context.Context, sessionID string, p *plan.Plan, request string) (string, error)
	Clear(sessionID string) error
}

// RenderPlan formats a plan for user approval.
func RenderPlan(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proposed plan (confidence %.2f):\n", p.Confidence)
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "  %d. [%s] %s -> %s", i+1, step.ID, step.Type, strings.Join(step.Targets, ", "))
		if len(step.Checks) > 0 {
			fmt.Fprintf(&b, " (checks: %s)", strings.Join(step.Checks, ", "))
		}
		b.WriteString("\n")
	}
	for _, risk := range p.Risks {
		fmt.Fprintf(&b, "  risk: %s\n", risk)
	}
	return b.String()
}
