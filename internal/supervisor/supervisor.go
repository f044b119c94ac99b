// Package supervisor implements the Dual-Engine Supervisor (C5): the
// write -> contract -> guard -> audit -> stamp loop bounded by a
// maximum rewrite count, mirroring the teacher's mode-dispatch executor
// but addressed at backend-adapter calls instead of tmux panes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/pipelinecore/internal/backend"
	"github.com/msageha/pipelinecore/internal/contract"
	"github.com/msageha/pipelinecore/internal/escalator"
	"github.com/msageha/pipelinecore/internal/guard"
	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/quality"
)

// Stage names the phase of the loop a call belongs to, for logging and
// for routing to the right backend profile.
type Stage = model.BackendStage

// Task is the unit of work handed to the supervisor: a job's role,
// prompt material, and the current attempt count. Run reruns a task on
// auditor REVISE with Attempt incremented, and stops rerunning once
// Attempt reaches maxRewrites.
type Task struct {
	JobID        string
	PipelineID   string
	Role         model.Role
	SystemPrompt string
	UserPrompt   string
	Attempt      int
}

// Outcome is the result of running a task through the full loop.
type Outcome struct {
	WriterOutput   model.AgentOutput
	AuditorOutput  model.AgentOutput
	StampOutput    model.AgentOutput
	RewriteCount   int
	Escalated      bool
	Escalation     escalator.Decision
	RequiresHardFail bool
	// Cancelled reports that Run aborted because the pipeline was
	// cancelled between stages, rather than because of any verdict or
	// backend failure.
	Cancelled bool
}

// CancelChecker reports whether pipelineID has been cancelled. The
// Supervisor polls it between Write/Audit/Stamp stages so a cancelled
// pipeline's in-flight task aborts at the next boundary rather than
// running to completion.
type CancelChecker interface {
	IsCancelled(pipelineID string) bool
}

// Compactor summarizes prior context when a backend call reports a
// context-window overflow, so the supervisor can retry once with the
// compacted payload instead of failing the call outright. The compactor
// is an external collaborator (mirroring the opaque agent personas
// themselves): the supervisor only needs the narrow Compact contract.
type Compactor interface {
	Compact(ctx context.Context, role model.Role, systemPrompt, userPrompt string) (string, error)
}

// Supervisor runs the bounded write/audit/stamp loop for a single task
// at a time; callers serialize concurrent tasks for the same pipeline
// upstream (the job queue's per-pipeline lease model already does this).
type Supervisor struct {
	router      *backend.Router
	escalator   *escalator.Escalator
	maxRewrites int
	timeout     time.Duration
	log         *logging.Logger
	qualityGate *quality.Gatekeeper
	compactor   Compactor
	cancelCheck CancelChecker
}

// New constructs a Supervisor. maxRewrites and timeout should come from
// model.SupervisorConfig.
func New(router *backend.Router, esc *escalator.Escalator, maxRewrites int, timeout time.Duration, log *logging.Logger) *Supervisor {
	return &Supervisor{router: router, escalator: esc, maxRewrites: maxRewrites, timeout: timeout, log: log.With("supervisor")}
}

// SetQualityGate wires an optional supplemental Quality Gate Layer
// (§4.11), mirroring the teacher's SetQualityGate setter-injection idiom.
// Without one set, every writer output that passes the Semantic Guard is
// accepted unconditionally.
func (s *Supervisor) SetQualityGate(gk *quality.Gatekeeper) {
	s.qualityGate = gk
}

// SetCompactor wires an optional context compactor (§4.5). Without one
// set, a context-overflow error is treated like any other backend
// failure and routed straight to the Escalator.
func (s *Supervisor) SetCompactor(c Compactor) {
	s.compactor = c
}

// SetCancelChecker wires the pipeline cancellation flag lookup (§5).
// Without one set, Run never aborts early on cancellation.
func (s *Supervisor) SetCancelChecker(c CancelChecker) {
	s.cancelCheck = c
}

func (s *Supervisor) cancelled(task Task) bool {
	return s.cancelCheck != nil && s.cancelCheck.IsCancelled(task.PipelineID)
}

// backendCallError distinguishes a genuine backend-call failure (which
// must be classified and reported to the Escalator, since it occurred
// mid-pipeline and the Escalator's ladder governs recovery) from a
// router resolution failure, which is a configuration problem that
// occurs before any call is attempted and propagates unchanged.
type backendCallError struct {
	kind model.ErrorKind
	err  error
}

func (e *backendCallError) Error() string { return e.err.Error() }
func (e *backendCallError) Unwrap() error { return e.err }

func isBackendCallError(err error) bool {
	var bce *backendCallError
	return errors.As(err, &bce)
}

// doCall resolves the adapter for (task.Role, stage), invokes it under
// the per-call timeout, and retries exactly once with a compacted
// prompt if the backend reports a context-window overflow and a
// Compactor has been wired in.
func (s *Supervisor) doCall(ctx context.Context, task Task, stage model.BackendStage, systemPrompt, userPrompt string) (backend.Result, error) {
	adapter, err := s.router.Resolve(task.Role, stage)
	if err != nil {
		return backend.Result{}, err
	}

	res, kind, err := s.callOnce(ctx, adapter, systemPrompt, userPrompt)
	if err == nil {
		return res, nil
	}
	if kind == model.ErrContextOverflow && s.compactor != nil {
		compacted, cErr := s.compactor.Compact(ctx, task.Role, systemPrompt, userPrompt)
		if cErr == nil {
			res, kind, err = s.callOnce(ctx, adapter, systemPrompt, compacted)
			if err == nil {
				return res, nil
			}
		}
	}
	return backend.Result{}, &backendCallError{kind: kind, err: err}
}

func (s *Supervisor) callOnce(ctx context.Context, adapter backend.Adapter, systemPrompt, userPrompt string) (backend.Result, model.ErrorKind, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := backend.Call(callCtx, adapter, backend.Request{SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	if err != nil {
		return res, backend.ClassifyFailure(callCtx, err), err
	}
	return res, "", nil
}

// recordBackendFailure reports a backend-call failure to the Escalator
// and returns the resulting decision, mirroring the guard and
// quality-gate branches' own signature-then-decide handling. The caller
// decides whether to retry or escalate from decision.Level and its own
// rewrite budget.
func (s *Supervisor) recordBackendFailure(task Task, stage string, err error) escalator.Decision {
	var bce *backendCallError
	kind := model.ErrHardFail
	if errors.As(err, &bce) {
		kind = bce.kind
	}
	sig := model.NewFailureSignature(kind, []string{stage}, task.Role, task.UserPrompt)
	decision := s.escalator.RecordFailure(sig, err.Error())
	s.log.Warn("backend call failed job=%s stage=%s kind=%s level=%s", task.JobID, stage, kind, decision.Level)
	return decision
}

// Run drives task through the full loop: the writer persona produces an
// AgentOutput; the Semantic Guard checks it; on violation the Escalator
// is consulted and, while below its terminal level, a bounded number of
// rewrites is attempted with the violation fed back as context. Once a
// writer output passes the guard, the auditor persona reviews it; an
// auditor REVISE sends control back to the writer (also bounded by
// maxRewrites). A final approval is passed to the stamp persona, whose
// verdict is advisory unless RequiresEscalation is set.
func (s *Supervisor) Run(ctx context.Context, task Task) (Outcome, error) {
	var out Outcome
	feedback := ""

	for rewrite := 0; ; rewrite++ {
		if s.cancelled(task) {
			out.Cancelled = true
			return out, nil
		}
		writerOut, err := s.callWriter(ctx, task, feedback)
		if err != nil {
			if !isBackendCallError(err) {
				return out, fmt.Errorf("writer call: %w", err)
			}
			decision := s.recordBackendFailure(task, "writer", err)
			out.RewriteCount = rewrite + 1
			out.Escalation = decision
			if decision.Level == model.LevelHardFail || rewrite >= s.maxRewrites {
				out.Escalated = true
				out.RequiresHardFail = decision.Level == model.LevelHardFail
				return out, nil
			}
			feedback = fmt.Sprintf("Your previous attempt failed: %s. Please try again.", err.Error())
			continue
		}

		if v := guard.Check(writerOut); v != nil {
			sig := model.NewFailureSignature(v.Kind, []string{v.Field}, task.Role, task.UserPrompt)
			decision := s.escalator.RecordFailure(sig, v.Error())
			s.log.Warn("writer output rejected by guard job=%s field=%s level=%s", task.JobID, v.Field, decision.Level)

			out.RewriteCount = rewrite + 1
			out.Escalation = decision
			if decision.Level == model.LevelHardFail || rewrite >= s.maxRewrites {
				out.Escalated = true
				out.RequiresHardFail = decision.Level == model.LevelHardFail
				return out, nil
			}
			feedback = fmt.Sprintf("Your previous response was rejected: %s. Please correct and resubmit.", v.Error())
			continue
		}

		if s.qualityGate != nil {
			qr, err := s.qualityGate.EvaluatePostTask(ctx, task.Role, writerOut)
			if err != nil {
				return out, fmt.Errorf("quality gate: %w", err)
			}
			if !qr.Passed && qr.Action == quality.ActionBlock {
				sig := model.NewFailureSignature(model.ErrInvalidValue, qr.FailedGates, task.Role, task.UserPrompt)
				decision := s.escalator.RecordFailure(sig, fmt.Sprintf("quality gate blocked: %v", qr.FailedGates))
				s.log.Warn("writer output blocked by quality gate job=%s gates=%v level=%s", task.JobID, qr.FailedGates, decision.Level)

				out.RewriteCount = rewrite + 1
				out.Escalation = decision
				if decision.Level == model.LevelHardFail || rewrite >= s.maxRewrites {
					out.Escalated = true
					out.RequiresHardFail = decision.Level == model.LevelHardFail
					return out, nil
				}
				feedback = fmt.Sprintf("Your previous response failed quality gates: %v. Please correct and resubmit.", qr.FailedGates)
				continue
			}
		}

		out.WriterOutput = writerOut
		out.RewriteCount = rewrite
		break
	}

	if s.cancelled(task) {
		out.Cancelled = true
		return out, nil
	}
	auditorOut, err := s.callAuditor(ctx, task, out.WriterOutput)
	if err != nil {
		if !isBackendCallError(err) {
			return out, fmt.Errorf("auditor call: %w", err)
		}
		decision := s.recordBackendFailure(task, "auditor", err)
		out.Escalation = decision
		out.Escalated = true
		out.RequiresHardFail = decision.Level == model.LevelHardFail
		return out, nil
	}
	out.AuditorOutput = auditorOut

	switch auditorOut.AuditorVerdict {
	case model.VerdictReject:
		sig := model.NewFailureSignature(model.ErrInvalidValue, []string{"auditor_verdict"}, task.Role, task.UserPrompt)
		decision := s.escalator.RecordFailure(sig, "auditor REJECTed: "+auditorOut.AuditorNotes)
		s.log.Warn("auditor rejected output job=%s level=%s", task.JobID, decision.Level)
		out.Escalation = decision
		out.Escalated = true
		out.RequiresHardFail = decision.Level == model.LevelHardFail
		return out, nil

	case model.VerdictRevise:
		if task.Attempt < s.maxRewrites {
			nextTask := task
			nextTask.Attempt++
			return s.Run(ctx, nextTask)
		}
		sig := model.NewFailureSignature(model.ErrInvalidValue, []string{"auditor_verdict"}, task.Role, task.UserPrompt)
		decision := s.escalator.RecordFailure(sig, "auditor REVISE exceeded max rewrites: "+auditorOut.AuditorNotes)
		out.Escalation = decision
		out.Escalated = true
		out.RequiresHardFail = decision.Level == model.LevelHardFail
		return out, nil

	case model.VerdictApprove:
		if s.cancelled(task) {
			out.Cancelled = true
			return out, nil
		}
		stampOut, err := s.callStamp(ctx, task, out.WriterOutput, auditorOut)
		if err != nil {
			if !isBackendCallError(err) {
				return out, fmt.Errorf("stamp call: %w", err)
			}
			decision := s.recordBackendFailure(task, "stamp", err)
			out.Escalation = decision
			out.Escalated = true
			out.RequiresHardFail = decision.Level == model.LevelHardFail
			return out, nil
		}
		out.StampOutput = stampOut
		if stampOut.RequiresEscalation {
			out.Escalated = true
		}
	}

	return out, nil
}

func (s *Supervisor) callWriter(ctx context.Context, task Task, feedback string) (model.AgentOutput, error) {
	prompt := task.UserPrompt
	if feedback != "" {
		prompt = prompt + "\n\n" + feedback
	}
	res, err := s.doCall(ctx, task, model.StageWriter, task.SystemPrompt, prompt)
	if err != nil {
		return model.AgentOutput{}, err
	}
	return contract.Extract(task.Role, res.Text)
}

func (s *Supervisor) callAuditor(ctx context.Context, task Task, writerOut model.AgentOutput) (model.AgentOutput, error) {
	res, err := s.doCall(ctx, task, model.StageAuditor, task.SystemPrompt,
		fmt.Sprintf("Review the following output and return an APPROVE/REVISE/REJECT verdict:\n%s", writerOut.Summary))
	if err != nil {
		return model.AgentOutput{}, err
	}
	return contract.Extract(model.RoleAuditor, res.Text)
}

func (s *Supervisor) callStamp(ctx context.Context, task Task, writerOut, auditorOut model.AgentOutput) (model.AgentOutput, error) {
	res, err := s.doCall(ctx, task, model.StageStamp, task.SystemPrompt,
		fmt.Sprintf("Stamp the following reviewed output:\n%s", writerOut.Summary))
	if err != nil {
		return model.AgentOutput{}, err
	}
	return contract.Extract(model.RoleStamp, res.Text)
}

