// Package admin implements the local Admin Control Plane (§4.10): a Unix
// Domain Socket surface, separate from the external HTTP Dispatch API,
// that lets an operator or CLI companion ping the daemon, force an
// immediate reaper/dispatch scan, fetch a live status summary, and
// request graceful shutdown.
package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/msageha/pipelinecore/internal/escalator"
	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/queue"
	"github.com/msageha/pipelinecore/internal/uds"
)

// ScanFunc forces an out-of-band reaper/dispatch pass. Wired by the daemon
// layer to whatever periodic loop it already runs on a ticker.
type ScanFunc func()

// ShutdownFunc requests a graceful shutdown with the given drain timeout.
// Wired by the daemon layer to its own shutdown sequence.
type ShutdownFunc func(timeout time.Duration)

// CancelFunc cancels a pipeline (§5): sets its state to cancelled and
// flips the per-pipeline flag the Supervisor polls between stages.
// Wired by the daemon layer to the Orchestrator's own Cancel.
type CancelFunc func(pipelineID string, now time.Time) error

// Admin registers the control-plane command handlers against a
// uds.Server. It owns no lifecycle of its own: Register wires read access
// to the Queue and Escalator, and the daemon supplies the scan/shutdown
// hooks via SetOnScan/SetOnShutdown, mirroring the teacher's
// SetStateReader/SetCanComplete setter-injection idiom for breaking an
// otherwise circular daemon->admin->daemon dependency.
type Admin struct {
	queue       *queue.Queue
	escalator   *escalator.Escalator
	log         *logging.Logger
	onScan      ScanFunc
	onShutdown  ShutdownFunc
	onCancel    CancelFunc
	shutdownSec int
}

// New constructs an Admin reading from q and esc. esc may be nil if the
// escalator isn't wired yet; its section of Status is then reported empty.
func New(q *queue.Queue, esc *escalator.Escalator, log *logging.Logger) *Admin {
	return &Admin{queue: q, escalator: esc, log: log.With("admin"), shutdownSec: 30}
}

// SetOnScan wires the forced-scan hook. Must be called before Register if
// the "scan" command should do anything beyond acknowledging.
func (a *Admin) SetOnScan(f ScanFunc) { a.onScan = f }

// SetOnShutdown wires the graceful-shutdown hook.
func (a *Admin) SetOnShutdown(f ShutdownFunc) { a.onShutdown = f }

// SetOnCancel wires the pipeline-cancellation hook.
func (a *Admin) SetOnCancel(f CancelFunc) { a.onCancel = f }

// SetShutdownTimeoutSec overrides the drain timeout passed to the
// shutdown hook (default 30s).
func (a *Admin) SetShutdownTimeoutSec(sec int) { a.shutdownSec = sec }

// Register installs ping/scan/status/shutdown handlers on server.
func (a *Admin) Register(server *uds.Server) {
	server.Handle("ping", a.handlePing)
	server.Handle("scan", a.handleScan)
	server.Handle("status", a.handleStatus)
	server.Handle("shutdown", a.handleShutdown)
	server.Handle("cancel", a.handleCancel)
}

func (a *Admin) handlePing(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]string{"status": "ok"})
}

func (a *Admin) handleScan(req *uds.Request) *uds.Response {
	if a.onScan != nil {
		a.onScan()
	}
	return uds.SuccessResponse(map[string]string{"status": "scanned"})
}

func (a *Admin) handleShutdown(req *uds.Request) *uds.Response {
	a.log.Info("shutdown requested via admin control plane")
	timeout := time.Duration(a.shutdownSec) * time.Second
	if a.onShutdown != nil {
		go a.onShutdown(timeout)
	}
	return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
}

func (a *Admin) handleStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(a.Summary(time.Now()))
}

type cancelParams struct {
	PipelineID string `json:"pipeline_id"`
}

func (a *Admin) handleCancel(req *uds.Request) *uds.Response {
	var params cancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.PipelineID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "cancel requires a pipeline_id")
	}
	if a.onCancel == nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, "cancellation not wired")
	}
	if err := a.onCancel(params.PipelineID, time.Now()); err != nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}
	return uds.SuccessResponse(map[string]string{"status": "cancelled", "pipeline_id": params.PipelineID})
}

// RoleCount is the pending/leased job count for one role (§4.12).
type RoleCount struct {
	Role    model.Role `json:"role"`
	Pending int        `json:"pending"`
	Leased  int        `json:"leased"`
}

// Summary is the daemon + queue + escalator snapshot returned by this
// package's "status" command (§4.12). GET /jobs/status does not use it;
// the HTTP API computes its own per-state counts.
type Summary struct {
	GeneratedAt    time.Time                        `json:"generated_at"`
	Roles          []RoleCount                       `json:"roles"`
	TotalPending   int                               `json:"total_pending"`
	TotalLeased    int                               `json:"total_leased"`
	TotalSucceeded int                               `json:"total_succeeded"`
	TotalFailed    int                               `json:"total_failed"`
	EscalationByLevel map[model.EscalationLevel]int `json:"escalation_by_level,omitempty"`
	DeadLetters    []DeadLetter                      `json:"dead_letters,omitempty"`
}

// DeadLetter summarizes one job that was dead-lettered after exhausting
// its retry budget, for "recent dead-letters" display.
type DeadLetter struct {
	JobID      string     `json:"job_id"`
	PipelineID string     `json:"pipeline_id"`
	Role       model.Role `json:"role"`
	LastError  string     `json:"last_error"`
}

// Summary builds a point-in-time snapshot of queue and escalator state.
func (a *Admin) Summary(now time.Time) Summary {
	jobs := a.queue.List("")
	byRole := make(map[model.Role]*RoleCount)

	s := Summary{GeneratedAt: now}
	for _, j := range jobs {
		rc, ok := byRole[j.Role]
		if !ok {
			rc = &RoleCount{Role: j.Role}
			byRole[j.Role] = rc
		}
		switch j.State {
		case model.JobPending:
			rc.Pending++
			s.TotalPending++
		case model.JobLeased:
			rc.Leased++
			s.TotalLeased++
		case model.JobSucceeded:
			s.TotalSucceeded++
		case model.JobFailed:
			s.TotalFailed++
			s.DeadLetters = append(s.DeadLetters, DeadLetter{
				JobID: j.ID, PipelineID: j.PipelineID, Role: j.Role, LastError: j.LastError,
			})
		}
	}
	for _, rc := range byRole {
		s.Roles = append(s.Roles, *rc)
	}
	sort.Slice(s.Roles, func(i, k int) bool { return s.Roles[i].Role < s.Roles[k].Role })
	if len(s.DeadLetters) > 5 {
		s.DeadLetters = s.DeadLetters[len(s.DeadLetters)-5:]
	}

	if a.escalator != nil {
		s.EscalationByLevel = make(map[model.EscalationLevel]int)
		for _, rec := range a.escalator.Snapshot() {
			s.EscalationByLevel[rec.Level]++
		}
	}
	return s
}

// FormatSummary renders a Summary as the human-readable dashboard text
// behind the CLI "status" subcommand (§4.12).
func FormatSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "Queue (as of %s):\n", s.GeneratedAt.Format(time.RFC3339))
	if len(s.Roles) == 0 {
		fmt.Fprintln(w, "  no jobs")
	} else {
		fmt.Fprintf(w, "  %-10s  %7s  %6s\n", "ROLE", "PENDING", "LEASED")
		for _, rc := range s.Roles {
			fmt.Fprintf(w, "  %-10s  %7d  %6d\n", rc.Role, rc.Pending, rc.Leased)
		}
	}
	fmt.Fprintf(w, "  succeeded=%d failed=%d\n", s.TotalSucceeded, s.TotalFailed)

	if len(s.EscalationByLevel) > 0 {
		fmt.Fprintln(w, "\nEscalation levels:")
		for _, lvl := range []model.EscalationLevel{model.LevelSelfRepair, model.LevelRoleSwitch, model.LevelHardFail} {
			if n, ok := s.EscalationByLevel[lvl]; ok {
				fmt.Fprintf(w, "  %-12s  %d\n", lvl, n)
			}
		}
	}

	if len(s.DeadLetters) > 0 {
		fmt.Fprintln(w, "\nRecent dead-letters:")
		for _, dl := range s.DeadLetters {
			fmt.Fprintf(w, "  %s  role=%-8s  pipeline=%s  %s\n", dl.JobID, dl.Role, dl.PipelineID, dl.LastError)
		}
	}
}
