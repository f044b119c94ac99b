package model

// DecisionAction is the PM's stated next action for its pipeline.
type DecisionAction string

const (
	ActionDispatch DecisionAction = "DISPATCH"
	ActionRetry    DecisionAction = "RETRY"
	ActionBlocked  DecisionAction = "BLOCKED"
	ActionEscalate DecisionAction = "ESCALATE"
	ActionDone     DecisionAction = "DONE"
)

// EscalationReason is the CEO-required category a PM may cite when
// requesting ESCALATE, or detected independently by the Decision Machine
// from keyword content regardless of the PM's stated action.
type EscalationReason string

const (
	ReasonDeploy     EscalationReason = "deploy"
	ReasonAPIKey     EscalationReason = "api_key"
	ReasonPayment    EscalationReason = "payment"
	ReasonDataDelete EscalationReason = "data_delete"
	ReasonDependency EscalationReason = "dependency"
	ReasonSecurity   EscalationReason = "security"
	ReasonNone       EscalationReason = "none"
)

// TaskDescriptor is a successor job request carried by a DISPATCH decision.
type TaskDescriptor struct {
	Role    Role
	Mode    Mode
	Payload []byte
}

// Decision is the result of parsing a PM's AgentOutput.
type Decision struct {
	Action                  DecisionAction
	Tasks                   []TaskDescriptor // required iff Action == ActionDispatch
	Summary                 string           // <= 100 chars, log-only
	RequiresEscalationReason EscalationReason
	Confidence              float64 // metadata only, never a gate
}

// validDecisionTransitions implements the Decision Machine's state graph
// (§4.7): DISPATCH -> {RETRY, DONE, BLOCKED}; RETRY -> {DISPATCH, BLOCKED};
// BLOCKED -> {ESCALATE}; ESCALATE -> {DONE}; DONE terminal.
var validDecisionTransitions = map[DecisionAction]map[DecisionAction]bool{
	ActionDispatch: {ActionRetry: true, ActionDone: true, ActionBlocked: true},
	ActionRetry:    {ActionDispatch: true, ActionBlocked: true},
	ActionBlocked:  {ActionEscalate: true},
	ActionEscalate: {ActionDone: true},
}

// ValidateDecisionTransition enforces the Decision Machine's fixed state
// graph. DONE has no outgoing edges.
func ValidateDecisionTransition(from, to DecisionAction) error {
	if from == ActionDone {
		return &TransitionError{From: string(from), To: string(to), Reason: "DONE is terminal"}
	}
	allowed, ok := validDecisionTransitions[from]
	if !ok || !allowed[to] {
		return &TransitionError{From: string(from), To: string(to), Reason: "INVALID_TRANSITION"}
	}
	return nil
}
