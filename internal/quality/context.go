package quality

import (
	"context"

	"github.com/msageha/pipelinecore/internal/model"
)

// BuildContext flattens a job's role and its writer output into the
// dotted-path map the generic rule engine evaluates against. Field names
// follow the teacher's "agent.*"/"task.*" convention, adapted to
// "agent.*"/"output.*" for an AgentOutput instead of a task/command YAML
// document.
func BuildContext(role model.Role, out model.AgentOutput) map[string]interface{} {
	return map[string]interface{}{
		"agent": map[string]interface{}{
			"role": string(role),
		},
		"output": map[string]interface{}{
			"summary":          out.Summary,
			"diff":             out.Diff,
			"files_changed":    len(out.FilesChanged),
			"qa_verdict":       string(out.QAVerdict),
			"coverage":         out.Coverage,
			"issues":           len(out.Issues),
			"reviewer_verdict": string(out.ReviewerVerdict),
			"security_score":   out.SecurityScore,
			"stamp_verdict":    string(out.StampVerdict),
			"stamp_score":      out.StampScore,
			"degraded_parse":   out.DegradedParse,
		},
	}
}

// Gatekeeper wraps an Engine with the (role, AgentOutput) -> context
// flattening quality gates need, so callers never construct the raw
// map[string]interface{} by hand.
type Gatekeeper struct {
	engine *Engine
}

// NewGatekeeper wraps engine. Pass the result of Engine.LoadConfiguration
// having already been called, or an Engine with no gates loaded (an
// empty engine always allows).
func NewGatekeeper(engine *Engine) *Gatekeeper {
	return &Gatekeeper{engine: engine}
}

// EvaluatePostTask runs all post_task gates against a worker's output,
// supplementing the Semantic Guard's fixed minimum-field rules with any
// organization-specific rules loaded into the engine (§4.11). An engine
// with no configured gates always returns an allow result.
func (g *Gatekeeper) EvaluatePostTask(ctx context.Context, role model.Role, out model.AgentOutput) (*EvaluationResult, error) {
	return g.engine.Evaluate(ctx, GateTypePostTask, BuildContext(role, out))
}

// EvaluatePreTask runs all pre_task gates before a job is dispatched to a
// worker, e.g. to cap per-phase task counts or require a dependency
// manifest be present.
func (g *Gatekeeper) EvaluatePreTask(ctx context.Context, role model.Role, payload map[string]interface{}) (*EvaluationResult, error) {
	evalCtx := map[string]interface{}{
		"agent": map[string]interface{}{"role": string(role)},
		"task":  payload,
	}
	return g.engine.Evaluate(ctx, GateTypePreTask, evalCtx)
}
