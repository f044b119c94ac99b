// Package orchestrator implements the Pipeline Orchestrator (C8): the
// component that realizes the pipeline state graph over concrete jobs,
// turning a finished worker job's verdict or a PM's validated Decision
// into the next job(s) to enqueue, per the DISPATCH/RETRY/BLOCKED/
// ESCALATE/DONE policy and the Coder/QA/Reviewer verdict routing table.
package orchestrator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msageha/pipelinecore/internal/eventlog"
	"github.com/msageha/pipelinecore/internal/events"
	"github.com/msageha/pipelinecore/internal/graph"
	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/queue"
	"github.com/msageha/pipelinecore/internal/supervisor"
)

// Orchestrator owns the in-memory pipeline registry and drives job
// creation through the Queue. A single mutex guards pipeline state
// since transitions must be serialized per the same single-mutator
// policy the Queue and Escalator already follow.
type Orchestrator struct {
	mu        sync.Mutex
	queue     *queue.Queue
	pipelines map[string]*model.Pipeline
	// lastDecision tracks each pipeline's current position in the
	// Decision Machine's state graph (model.DecisionAction), which is
	// separate from PipelineState: a pipeline can sit in
	// PipelineRunning across many DISPATCH/RETRY decision cycles.
	lastDecision map[string]model.DecisionAction
	eventlog     *eventlog.Log
	bus          *events.Bus
	log          *logging.Logger
}

// New constructs an Orchestrator. eventlog and bus may be nil in tests
// that only care about queue/pipeline-state effects.
func New(q *queue.Queue, elog *eventlog.Log, bus *events.Bus, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		queue:        q,
		pipelines:    make(map[string]*model.Pipeline),
		lastDecision: make(map[string]model.DecisionAction),
		eventlog:     elog,
		bus:          bus,
		log:          log.With("orchestrator"),
	}
}

// StartPipeline registers a fresh pipeline and enqueues its first job: a
// PM dispatch over rootRequest to produce the initial task breakdown.
func (o *Orchestrator) StartPipeline(rootRequest, sessionID string, payload []byte, now time.Time) (*model.Pipeline, *model.Job, error) {
	pid, err := model.GenerateID(model.IDKindPipeline)
	if err != nil {
		return nil, nil, fmt.Errorf("generate pipeline id: %w", err)
	}
	p := model.NewPipeline(pid, rootRequest, sessionID, now)

	o.mu.Lock()
	o.pipelines[pid] = p
	// A fresh pipeline begins "retry-ready": RETRY->DISPATCH is the only
	// edge into DISPATCH in the decision graph, so the PM's first-ever
	// DISPATCH decision is validated against ActionRetry as a pseudo
	// start state.
	o.lastDecision[pid] = model.ActionRetry
	o.mu.Unlock()

	job, err := o.enqueue(p, nil, model.RolePM, model.ModeWorker, model.PriorityMedium, payload, now)
	if err != nil {
		return nil, nil, err
	}
	return p, job, nil
}

// Pipeline returns the registered pipeline by id.
func (o *Orchestrator) Pipeline(id string) (*model.Pipeline, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[id]
	return p, ok
}

// DecisionState returns the pipeline's current position in the Decision
// Machine's state graph, for callers (e.g. the HTTP Dispatch API) that
// need to produce the "from" argument to decision.FromPMOutput.
func (o *Orchestrator) DecisionState(pipelineID string) model.DecisionAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDecision[pipelineID]
}

// Cancel marks pipelineID cancelled: any pending job for it is cancelled
// in the Queue, and the Cancelled flag the Supervisor polls between
// Write/Audit/Stamp stages is set so an in-flight run aborts at the next
// stage boundary rather than running to completion.
func (o *Orchestrator) Cancel(pipelineID string, now time.Time) error {
	p, ok := o.Pipeline(pipelineID)
	if !ok {
		return fmt.Errorf("unknown pipeline %s", pipelineID)
	}

	o.mu.Lock()
	p.Cancelled = true
	o.mu.Unlock()

	if err := o.transition(p, model.PipelineCancelled, now); err != nil {
		return err
	}

	for _, job := range o.queue.List(pipelineID) {
		if job.State == model.JobPending || job.State == model.JobLeased {
			if err := o.queue.Cancel(job.ID); err != nil {
				o.log.Warn("cancel job %s for pipeline %s: %v", job.ID, pipelineID, err)
			}
		}
	}

	o.log.Warn("pipeline %s cancelled", pipelineID)
	o.appendEvent(p.ID, "", model.RolePM, nil, model.EventState, "cancelled")
	o.publish(events.EventPipelineCancelled, map[string]interface{}{
		"pipeline_id": p.ID,
		"state":       string(model.PipelineCancelled),
	})
	return nil
}

// IsCancelled reports whether pipelineID has been cancelled, for the
// Supervisor to poll between stages.
func (o *Orchestrator) IsCancelled(pipelineID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[pipelineID]
	return ok && p.Cancelled
}

// HandleJobOutcome routes a finished worker job's supervisor Outcome to
// its next step per the verdict routing table (§4.8). Coder has no
// self-reported verdict field, so its routing decision comes from the
// stamp persona's sign-off (StampOutput.StampVerdict); QA and Reviewer
// route on their own WriterOutput verdict fields.
func (o *Orchestrator) HandleJobOutcome(finishedJob *model.Job, out supervisor.Outcome, now time.Time) error {
	p, ok := o.Pipeline(finishedJob.PipelineID)
	if !ok {
		return fmt.Errorf("unknown pipeline %s", finishedJob.PipelineID)
	}
	if p.State.IsTerminal() || p.State == model.PipelineEscalated {
		return nil
	}

	if out.Escalated {
		reason := "supervisor escalated"
		if out.RequiresHardFail {
			reason = "hard_fail: " + string(out.Escalation.Signature.ErrorKind)
		}
		// A supervisor-side escalation is a BLOCKED event, not a
		// pipeline-level escalation: it hands control back to the PM,
		// which alone may decide (via an ActionEscalate Decision routed
		// through HandlePMDecision) that the pipeline should actually
		// escalate.
		return o.block(p, finishedJob, reason, now)
	}

	verdict, ok := roleVerdict(finishedJob.Role, out)
	if !ok {
		return fmt.Errorf("role %s produced no routable verdict", finishedJob.Role)
	}

	switch finishedJob.Role {
	case model.RoleCoder:
		if verdict == model.VerdictApprove {
			_, err := o.enqueue(p, finishedJob, model.RoleQA, model.ModeWorker, finishedJob.Priority, finishedJob.Payload, now)
			return err
		}
		return o.rework(p, finishedJob, "stamp requested revision on coder output", now)

	case model.RoleQA:
		if verdict == model.VerdictPass {
			_, err := o.enqueue(p, finishedJob, model.RoleReviewer, model.ModeWorker, finishedJob.Priority, finishedJob.Payload, now)
			return err
		}
		return o.rework(p, finishedJob, "QA reported FAIL: "+strings.Join(out.WriterOutput.Issues, "; "), now)

	case model.RoleReviewer:
		switch verdict {
		case model.VerdictApprove:
			return o.markDone(p, now)
		case model.VerdictReject:
			return o.block(p, finishedJob, "reviewer REJECTed: "+out.WriterOutput.Risks, now)
		default:
			return o.rework(p, finishedJob, "reviewer requested revision", now)
		}

	default:
		return fmt.Errorf("role %s has no successor route in the verdict table", finishedJob.Role)
	}
}

func roleVerdict(role model.Role, out supervisor.Outcome) (model.Verdict, bool) {
	switch role {
	case model.RoleCoder:
		if out.StampOutput.Role != model.RoleStamp {
			return "", false
		}
		return out.StampOutput.StampVerdict, true
	case model.RoleQA:
		return out.WriterOutput.QAVerdict, true
	case model.RoleReviewer:
		return out.WriterOutput.ReviewerVerdict, true
	default:
		return "", false
	}
}

// HandlePMDecision applies a validated Decision produced by the Decision
// Machine from a PM job's output, per the DISPATCH/RETRY/BLOCKED/
// ESCALATE/DONE policy.
func (o *Orchestrator) HandlePMDecision(pmJob *model.Job, d model.Decision, now time.Time) error {
	p, ok := o.Pipeline(pmJob.PipelineID)
	if !ok {
		return fmt.Errorf("unknown pipeline %s", pmJob.PipelineID)
	}
	defer func() {
		o.mu.Lock()
		o.lastDecision[pmJob.PipelineID] = d.Action
		o.mu.Unlock()
	}()

	switch d.Action {
	case model.ActionDispatch:
		for _, t := range d.Tasks {
			if _, err := o.enqueue(p, pmJob, t.Role, t.Mode, model.PriorityMedium, t.Payload, now); err != nil {
				return err
			}
		}
		return o.resume(p, now)

	case model.ActionRetry:
		return o.retryPredecessor(p, pmJob, d.Summary, now)

	case model.ActionBlocked:
		return o.block(p, pmJob, d.Summary, now)

	case model.ActionEscalate:
		return o.escalate(p, pmJob, string(d.RequiresEscalationReason), now)

	case model.ActionDone:
		return o.markDone(p, now)

	default:
		return fmt.Errorf("unhandled decision action %s", d.Action)
	}
}

// retryPredecessor re-enqueues the job that led to this PM job (the
// "immediate predecessor", same role and mode), falling back to Coder
// when the PM job has no parent to inspect. This is an Open Question
// resolution: the requirements name "the immediate predecessor" without
// specifying how the orchestrator identifies it when the PM job itself
// is the thing routing the retry. notes carries the PM's retry summary,
// threaded into the re-enqueued payload the same way rework does.
func (o *Orchestrator) retryPredecessor(p *model.Pipeline, pmJob *model.Job, notes string, now time.Time) error {
	role, mode := model.RoleCoder, model.ModeWorker
	if pmJob.ParentJobID != nil {
		if parent, ok := o.queue.Get(*pmJob.ParentJobID); ok {
			role, mode = parent.Role, parent.Mode
		}
	}
	if p.IncrementRework(role) {
		return o.block(p, pmJob, "exceeded max rework rounds on PM retry", now)
	}
	payload := pmJob.Payload
	if strings.TrimSpace(notes) != "" {
		payload = append(append([]byte{}, pmJob.Payload...), []byte("\n\n[retry notes] "+notes)...)
	}
	if _, err := o.enqueue(p, pmJob, role, mode, pmJob.Priority, payload, now); err != nil {
		return err
	}
	return o.resume(p, now)
}

// rework re-enqueues a Coder job carrying notes, incrementing the
// pipeline's per-role rework counter and forcing BLOCKED once it exceeds
// model.MaxReworkRounds.
func (o *Orchestrator) rework(p *model.Pipeline, finishedJob *model.Job, notes string, now time.Time) error {
	if p.IncrementRework(model.RoleCoder) {
		return o.block(p, finishedJob, "exceeded max rework rounds: "+notes, now)
	}
	payload := append(append([]byte{}, finishedJob.Payload...), []byte("\n\n[rework notes] "+notes)...)
	_, err := o.enqueue(p, finishedJob, model.RoleCoder, model.ModeWorker, finishedJob.Priority, payload, now)
	return err
}

// block transitions the pipeline to blocked and creates a PM job carrying
// the block reason, awaiting the PM's next decision.
func (o *Orchestrator) block(p *model.Pipeline, finishedJob *model.Job, reason string, now time.Time) error {
	if err := o.transition(p, model.PipelineBlocked, now); err != nil {
		return err
	}
	_, err := o.enqueue(p, finishedJob, model.RolePM, model.ModeWorker, model.PriorityHigh, []byte("[block reason] "+reason), now)
	return err
}

// resume returns a blocked pipeline to running once the PM has dispatched
// a successor; a no-op if the pipeline was not blocked.
func (o *Orchestrator) resume(p *model.Pipeline, now time.Time) error {
	o.mu.Lock()
	state := p.State
	o.mu.Unlock()
	if state != model.PipelineBlocked {
		return nil
	}
	return o.transition(p, model.PipelineRunning, now)
}

// markDone transitions the pipeline to done; no further jobs are created.
func (o *Orchestrator) markDone(p *model.Pipeline, now time.Time) error {
	return o.transition(p, model.PipelineDone, now)
}

// escalate transitions the pipeline to escalated, publishes an event for
// the external operator, and leaves scheduling halted: HandleJobOutcome
// and HandlePMDecision both no-op once a pipeline is in this state.
func (o *Orchestrator) escalate(p *model.Pipeline, finishedJob *model.Job, reason string, now time.Time) error {
	if err := o.transition(p, model.PipelineEscalated, now); err != nil {
		return err
	}
	o.log.Warn("pipeline %s escalated: %s", p.ID, reason)
	o.appendEvent(p.ID, finishedJob.ID, finishedJob.Role, nil, model.EventState, "escalated: "+reason)
	o.publish(events.EventPipelineTransition, map[string]interface{}{
		"pipeline_id": p.ID,
		"state":       string(model.PipelineEscalated),
		"reason":      reason,
	})
	return nil
}

func (o *Orchestrator) transition(p *model.Pipeline, to model.PipelineState, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := model.ValidatePipelineTransition(p.State, to); err != nil {
		return err
	}
	p.State = to
	p.UpdatedAt = now
	return nil
}

func (o *Orchestrator) enqueue(p *model.Pipeline, parent *model.Job, role model.Role, mode model.Mode, priority model.Priority, payload []byte, now time.Time) (*model.Job, error) {
	id, err := model.GenerateID(model.IDKindJob)
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := &model.Job{
		ID:         id,
		PipelineID: p.ID,
		Role:       role,
		Mode:       mode,
		Priority:   priority,
		Payload:    payload,
		CreatedAt:  now,
		State:      model.JobPending,
	}
	if parent != nil {
		job.ParentJobID = &parent.ID
	}
	if err := o.validateAcyclic(p.ID, job); err != nil {
		return nil, err
	}
	if _, err := o.queue.Create(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	toRole := role
	var parentID string
	fromRole := model.RolePM
	if parent != nil {
		parentID = parent.ID
		fromRole = parent.Role
	}
	o.appendEvent(p.ID, parentID, fromRole, &toRole, model.EventState, fmt.Sprintf("dispatched job %s", job.ID))
	o.publish(events.EventJobDispatched, map[string]interface{}{
		"job_id":      job.ID,
		"pipeline_id": p.ID,
		"role":        string(role),
		"mode":        string(mode),
	})
	return job, nil
}

// validateAcyclic is a belt-and-braces check (§8): the job successor
// graph is already a tree via ParentJobID, so no legitimate DISPATCH
// path can construct a cycle, but candidate is checked against every
// existing job in the pipeline before it is admitted to the Queue.
func (o *Orchestrator) validateAcyclic(pipelineID string, candidate *model.Job) error {
	existing := o.queue.List(pipelineID)
	nodes := make([]string, 0, len(existing)+1)
	dependsOn := make(map[string][]string, len(existing)+1)
	for _, j := range existing {
		nodes = append(nodes, j.ID)
		if j.ParentJobID != nil {
			dependsOn[j.ID] = append(dependsOn[j.ID], *j.ParentJobID)
		}
	}
	nodes = append(nodes, candidate.ID)
	if candidate.ParentJobID != nil {
		dependsOn[candidate.ID] = append(dependsOn[candidate.ID], *candidate.ParentJobID)
	}
	if _, err := graph.ValidateAcyclic(nodes, dependsOn); err != nil {
		return fmt.Errorf("job successor graph: %w", err)
	}
	return nil
}

func (o *Orchestrator) appendEvent(pipelineID, jobID string, from model.Role, to *model.Role, etype model.EventType, content string) {
	if o.eventlog == nil {
		return
	}
	if _, err := o.eventlog.Append(model.Event{
		PipelineID: pipelineID,
		JobID:      jobID,
		FromRole:   from,
		ToRole:     to,
		EventType:  etype,
		Content:    content,
	}); err != nil {
		o.log.Error("append event failed pipeline=%s: %v", pipelineID, err)
	}
}

func (o *Orchestrator) publish(t events.EventType, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(t, data)
}
