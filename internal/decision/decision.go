// Package decision implements the Decision Machine (C7): turning a PM's
// parsed AgentOutput into a validated pipeline Decision per the fixed
// DISPATCH/RETRY/BLOCKED/ESCALATE/DONE state graph.
package decision

import (
	"strings"

	"github.com/msageha/pipelinecore/internal/guard"
	"github.com/msageha/pipelinecore/internal/model"
)

// escalationKeywords maps a keyword found in the PM's summary to the
// escalation reason it implies, per §4.7 step 4.
var escalationKeywords = map[string]model.EscalationReason{
	"deploy":      model.ReasonDeploy,
	"api_key":     model.ReasonAPIKey,
	"api key":     model.ReasonAPIKey,
	"payment":     model.ReasonPayment,
	"data_delete": model.ReasonDataDelete,
	"delete data": model.ReasonDataDelete,
	"dependency":  model.ReasonDependency,
	"security":    model.ReasonSecurity,
}

// FromPMOutput extracts a Decision from a PM AgentOutput already parsed
// by the Output Contract. from is the pipeline's current decision-machine
// state, used to validate the resulting transition.
func FromPMOutput(from model.DecisionAction, out model.AgentOutput, ceoRequired bool) (model.Decision, error) {
	action := model.DecisionAction(strings.ToUpper(out.PMAction))
	keywordReason := detectEscalationReason(out.PMSummary)

	d := model.Decision{Action: action, Summary: out.PMSummary, Confidence: 1.0}

	switch action {
	case model.ActionDispatch:
		if len(out.PMTasks) == 0 || !tasksInAllowedRoles(out.PMTasks) {
			d.Action = model.ActionBlocked
			d.Summary = "DISPATCH coerced to BLOCKED: empty or disallowed task list"
		} else {
			for _, t := range out.PMTasks {
				d.Tasks = append(d.Tasks, model.TaskDescriptor{
					Role:    model.Role(t.Role),
					Mode:    model.Mode(t.Mode),
					Payload: []byte(t.Payload),
				})
			}
		}
	case model.ActionDone:
		if strings.TrimSpace(out.PMSummary) == "" {
			d.Action = model.ActionBlocked
			d.Summary = "DONE coerced to BLOCKED: missing summary"
		}
	case model.ActionEscalate:
		d.RequiresEscalationReason = keywordReason
	case model.ActionRetry, model.ActionBlocked:
		// no extra field requirements beyond the transition check below.
	default:
		d.Action = model.ActionBlocked
		d.Summary = "unrecognized PM action coerced to BLOCKED"
	}

	if keywordReason != model.ReasonNone && d.Action != model.ActionEscalate {
		// A CEO-required keyword in the PM's summary (deploy, api_key,
		// payment, ...) forces escalation regardless of the PM's stated
		// action, per §7.
		d.Action = model.ActionEscalate
		d.Tasks = nil
		d.RequiresEscalationReason = keywordReason
	}

	if ceoRequired && d.Action != model.ActionEscalate {
		// A CEO-required override forces escalation regardless of what the
		// PM stated, per the fatal error-kind taxonomy (§7).
		d.Action = model.ActionEscalate
		d.Tasks = nil
		d.RequiresEscalationReason = model.ReasonNone
	}

	if guard.MatchesBlacklist(d.Summary) {
		d.Confidence = 0.5
	}

	if err := model.ValidateDecisionTransition(from, d.Action); err != nil {
		return d, err
	}
	return d, nil
}

// allowedFromPM is the set of roles a PM may dispatch to directly.
var allowedFromPM = map[model.Role]bool{
	model.RoleCoder:      true,
	model.RoleExcavator:  true,
	model.RoleStrategist: true,
	model.RoleResearcher: true,
	model.RoleAnalyst:    true,
	model.RoleCouncil:    true,
}

func tasksInAllowedRoles(tasks []model.PMTaskRequest) bool {
	for _, t := range tasks {
		if !allowedFromPM[model.Role(t.Role)] {
			return false
		}
	}
	return true
}

func detectEscalationReason(summary string) model.EscalationReason {
	lower := strings.ToLower(summary)
	for kw, reason := range escalationKeywords {
		if strings.Contains(lower, kw) {
			return reason
		}
	}
	return model.ReasonNone
}
