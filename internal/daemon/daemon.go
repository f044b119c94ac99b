// Package daemon wires the engine's components into one long-running
// process: it owns the Queue, Orchestrator, Escalator, Event Log, and an
// in-process Dual-Engine Supervisor for every role a backend profile is
// configured for, while still exposing the external Dispatch API (§6)
// and the local Admin Control Plane (§4.10) so out-of-process workers
// and operators can participate too. Mirrors the teacher's daemon.Daemon
// lifecycle (file lock, ticker loop, signal-driven graceful shutdown).
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/pipelinecore/internal/admin"
	"github.com/msageha/pipelinecore/internal/backend"
	"github.com/msageha/pipelinecore/internal/contract"
	"github.com/msageha/pipelinecore/internal/decision"
	"github.com/msageha/pipelinecore/internal/escalator"
	"github.com/msageha/pipelinecore/internal/eventlog"
	"github.com/msageha/pipelinecore/internal/events"
	"github.com/msageha/pipelinecore/internal/guard"
	"github.com/msageha/pipelinecore/internal/httpapi"
	"github.com/msageha/pipelinecore/internal/lock"
	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/orchestrator"
	"github.com/msageha/pipelinecore/internal/quality"
	"github.com/msageha/pipelinecore/internal/queue"
	"github.com/msageha/pipelinecore/internal/supervisor"
	"github.com/msageha/pipelinecore/internal/uds"
)

// personaSystemPrompt is a placeholder for the opaque prompt bundles the
// spec explicitly scopes out (§1 Non-goals): a real deployment wires in
// its own persona bundle loader here.
func personaSystemPrompt(role model.Role) string {
	return fmt.Sprintf("You are the %s persona of this pipeline.", role)
}

// Daemon is the long-running process hosting the orchestration engine.
type Daemon struct {
	dataDir string
	cfg     model.Config
	log     *logging.Logger

	queue      *queue.Queue
	orch       *orchestrator.Orchestrator
	supervisor *supervisor.Supervisor
	escalator  *escalator.Escalator
	eventlog   *eventlog.Log
	bus        *events.Bus
	admin      *admin.Admin

	adminServer *uds.Server
	httpServer  *http.Server
	fileLock    *lock.FileLock

	qualityLoader *quality.Loader
	qualityEngine *quality.Engine
	gateWatcher   *fsnotify.Watcher

	dispatchRoles []model.Role
	ticker        *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	shutdown sync.Once
}

// New constructs a Daemon from cfg but does not yet bind any sockets or
// start background loops; call Run for that.
func New(dataDir string, cfg model.Config, anthropicAPIKey, openaiAPIKey string) (*Daemon, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	fileLock := lock.NewFileLock(filepath.Join(dataDir, "daemon.lock"))
	if err := fileLock.TryLock(); err != nil {
		return nil, fmt.Errorf("acquire daemon instance lock: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			fileLock.Unlock()
		}
	}()

	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	log := logging.New(logFile, "daemon", logging.ParseLevel(cfg.Logging.Level))

	elog, err := eventlog.Open(dataDir, cfg.EventLog.ArchiveAfterDays, cfg.EventLog.EnableChecksum)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	router, err := backend.NewRouter(cfg.Backends, anthropicAPIKey, openaiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("build backend router: %w", err)
	}

	q := queue.New(cfg.Queue, log)
	esc := escalator.New()
	bus := events.NewBus(256)
	orch := orchestrator.New(q, elog, bus, log)
	sup := supervisor.New(router, esc, cfg.Supervisor.MaxRewrites, time.Duration(cfg.Supervisor.BackendTimeoutSec)*time.Second, log)
	sup.SetCancelChecker(orch)
	adm := admin.New(q, esc, log)

	var qualityLoader *quality.Loader
	var qualityEngine *quality.Engine
	var gateWatcher *fsnotify.Watcher
	if cfg.Quality.Enabled {
		qualityLoader = quality.NewLoader(cfg.Quality.ConfigDir)
		gateCfg, err := qualityLoader.LoadConfiguration()
		if err != nil {
			return nil, fmt.Errorf("load quality gates: %w", err)
		}
		qualityEngine = quality.NewEngine()
		if err := qualityEngine.LoadConfiguration(gateCfg); err != nil {
			return nil, fmt.Errorf("compile quality gates: %w", err)
		}
		sup.SetQualityGate(quality.NewGatekeeper(qualityEngine))

		gatesDir := filepath.Join(cfg.Quality.ConfigDir, "quality_gates")
		if err := os.MkdirAll(gatesDir, 0755); err != nil {
			return nil, fmt.Errorf("ensure quality gates dir: %w", err)
		}
		gateWatcher, err = fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create quality gate watcher: %w", err)
		}
		if err := gateWatcher.Add(gatesDir); err != nil {
			gateWatcher.Close()
			return nil, fmt.Errorf("watch quality gates dir: %w", err)
		}
	}

	var roles []model.Role
	for role := range cfg.Backends.Routes {
		roles = append(roles, role)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		dataDir:       dataDir,
		cfg:           cfg,
		log:           log,
		queue:         q,
		orch:          orch,
		supervisor:    sup,
		escalator:     esc,
		eventlog:      elog,
		bus:           bus,
		admin:         adm,
		adminServer:   uds.NewServer(cfg.Admin.SocketPath),
		fileLock:      fileLock,
		qualityLoader: qualityLoader,
		qualityEngine: qualityEngine,
		gateWatcher:   gateWatcher,
		dispatchRoles: roles,
		ticker:        time.NewTicker(time.Duration(maxInt(cfg.Queue.ReaperIntervalSec, 1)) * time.Second),
		ctx:           ctx,
		cancel:        cancel,
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Admin.SocketPath), 0755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	d.admin.SetOnScan(func() { d.scanOnce(time.Now()) })
	d.admin.SetOnShutdown(func(timeout time.Duration) { go d.Shutdown(timeout) })
	d.admin.SetOnCancel(orch.Cancel)

	httpSrv := httpapi.NewServer(q, log)
	httpSrv.SetRouter(d.routePushedResult)
	d.httpServer = &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: httpSrv.Handler()}

	ok = true
	return d, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run starts the HTTP Dispatch API, the Admin Control Plane, and the
// background dispatch/reaper loop, then blocks until a shutdown signal
// arrives or Shutdown is called.
func (d *Daemon) Run() error {
	d.admin.Register(d.adminServer)
	if err := d.adminServer.Start(); err != nil {
		return fmt.Errorf("start admin server: %w", err)
	}
	d.log.Info("admin control plane listening on %s", d.cfg.Admin.SocketPath)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("http server: %v", err)
		}
	}()
	d.log.Info("dispatch API listening on %s", d.cfg.HTTP.ListenAddr)

	d.wg.Add(1)
	go d.tickerLoop()

	if d.gateWatcher != nil {
		d.wg.Add(1)
		go d.gateWatchLoop()
	}

	d.scanOnce(time.Now())
	d.log.Info("daemon ready, roles=%v", d.dispatchRoles)

	d.waitSignals()
	return nil
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.scanOnce(time.Now())
		}
	}
}

// gateWatchLoop reloads the Quality Gate Layer's configuration whenever a
// file under its config directory changes, so operators can edit gate
// definitions without restarting the daemon.
func (d *Daemon) gateWatchLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.gateWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				d.log.Debug("quality gate config changed file=%s op=%s", event.Name, event.Op)
				d.reloadQualityGates()
			}
		case err, ok := <-d.gateWatcher.Errors:
			if !ok {
				return
			}
			d.log.Error("quality gate watcher error=%v", err)
		}
	}
}

func (d *Daemon) reloadQualityGates() {
	gateCfg, err := d.qualityLoader.LoadConfiguration()
	if err != nil {
		d.log.Error("reload quality gates: %v", err)
		return
	}
	if err := d.qualityEngine.LoadConfiguration(gateCfg); err != nil {
		d.log.Error("compile reloaded quality gates: %v", err)
		return
	}
	d.log.Info("quality gate configuration reloaded")
}

// scanOnce reaps expired leases, escalates any job that fell off the
// queue via dead-letter, and runs one dispatch pass per in-process role.
func (d *Daemon) scanOnce(now time.Time) {
	returned, deadLettered := d.queue.ReapExpired(now)
	for _, j := range returned {
		d.log.Warn("lease reclaimed job=%s role=%s attempt=%d", j.ID, j.Role, j.AttemptCount)
	}
	for _, j := range deadLettered {
		if err := d.orch.HandleJobOutcome(j, supervisor.Outcome{Escalated: true}, now); err != nil {
			d.log.Error("escalate dead-lettered job=%s: %v", j.ID, err)
		}
	}
	// Each role has its own lease queue and its own backend route, so a
	// dispatch pass for one role never touches another's state; run them
	// concurrently rather than paying for N sequential backend round-trips.
	var g errgroup.Group
	for _, role := range d.dispatchRoles {
		role := role
		g.Go(func() error {
			d.dispatchRole(role, now)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatchRole pulls and runs at most one pending job for role, acting as
// the in-process worker for any role a backend profile is configured
// for ("PM Worker pulls -> Supervisor runs Write/Audit/Stamp").
func (d *Daemon) dispatchRole(role model.Role, now time.Time) {
	job, ok, err := d.queue.Pull(role, model.ModeWorker, "daemon", now)
	if err != nil {
		d.log.Error("pull role=%s: %v", role, err)
		return
	}
	if !ok {
		return
	}

	task := supervisor.Task{
		JobID:        job.ID,
		PipelineID:   job.PipelineID,
		Role:         job.Role,
		SystemPrompt: personaSystemPrompt(job.Role),
		UserPrompt:   string(job.Payload),
		Attempt:      job.AttemptCount,
	}
	outcome, err := d.supervisor.Run(d.ctx, task)
	if err != nil {
		d.log.Error("supervisor run job=%s: %v", job.ID, err)
		if _, _, pushErr := d.queue.Push(job.ID, false, err.Error(), now); pushErr != nil {
			d.log.Error("push failure job=%s: %v", job.ID, pushErr)
		}
		return
	}

	if _, _, err := d.queue.Push(job.ID, !outcome.Escalated, pushErrorMessage(outcome), now); err != nil {
		d.log.Error("push outcome job=%s: %v", job.ID, err)
		return
	}

	if err := d.applyOutcome(job, outcome, now); err != nil {
		d.log.Error("apply outcome job=%s: %v", job.ID, err)
	}
}

func pushErrorMessage(out supervisor.Outcome) string {
	if !out.Escalated {
		return ""
	}
	if out.RequiresHardFail {
		return "hard_fail: " + string(out.Escalation.Signature.ErrorKind)
	}
	return "escalated: " + string(out.Escalation.Level)
}

// applyOutcome routes a finished job per its role: a PM job's writer
// output is a structured Decision consumed by the Decision Machine; every
// other role's outcome is routed by the fixed verdict table (§4.8).
func (d *Daemon) applyOutcome(job *model.Job, outcome supervisor.Outcome, now time.Time) error {
	if job.Role != model.RolePM {
		return d.orch.HandleJobOutcome(job, outcome, now)
	}
	if outcome.Escalated {
		return d.orch.HandleJobOutcome(job, outcome, now)
	}

	from := d.orch.DecisionState(job.PipelineID)
	ceoRequired := outcome.Escalation.Signature.ErrorKind == model.ErrCEORequired
	dec, err := decision.FromPMOutput(from, outcome.WriterOutput, ceoRequired)
	if err != nil {
		return fmt.Errorf("decision machine rejected PM output: %w", err)
	}
	return d.orch.HandlePMDecision(job, dec, now)
}

// routePushedResult is the httpapi.RouteFunc for external workers that
// pull a job over the Dispatch API and push a raw completion instead of
// running through the in-process Supervisor. It still enforces the
// Output Contract and Semantic Guard before routing.
func (d *Daemon) routePushedResult(job *model.Job, resultText string) ([]string, error) {
	out, err := contract.Extract(job.Role, resultText)
	if err != nil {
		return nil, &httpapi.ContractError{Err: err}
	}
	if v := guard.Check(out); v != nil {
		return nil, &httpapi.ContractError{Err: v}
	}

	now := time.Now()
	before := d.queue.List(job.PipelineID)
	outcome := supervisor.Outcome{WriterOutput: out}
	// Coder's routing decision is keyed on a Stamp persona sign-off
	// (§4.8), which an external worker pushing a raw completion never
	// produces. Since the completion already passed both the Output
	// Contract and the Semantic Guard, treat it as implicitly approved
	// rather than block external Coder contributions entirely.
	if job.Role == model.RoleCoder {
		outcome.StampOutput = model.AgentOutput{Role: model.RoleStamp, StampVerdict: model.VerdictApprove}
	}
	if err := d.applyOutcome(job, outcome, now); err != nil {
		return nil, err
	}
	return newJobIDs(before, d.queue.List(job.PipelineID)), nil
}

func newJobIDs(before, after []*model.Job) []string {
	seen := make(map[string]bool, len(before))
	for _, j := range before {
		seen[j.ID] = true
	}
	var ids []string
	for _, j := range after {
		if !seen[j.ID] {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var sig os.Signal
	select {
	case sig = <-sigCh:
	case <-d.ctx.Done():
		signal.Stop(sigCh)
		return
	}
	d.log.Info("received signal=%s, initiating graceful shutdown", sig)

	go func() {
		<-sigCh
		d.log.Warn("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown(time.Duration(shutdownTimeoutSec) * time.Second)
}

const shutdownTimeoutSec = 30

// Shutdown performs graceful shutdown: stop accepting new dispatch
// cycles, close the listeners, and give any in-flight supervisor loop up
// to timeout to finish before the process context is cancelled.
func (d *Daemon) Shutdown(timeout time.Duration) {
	d.shutdown.Do(func() {
		d.log.Info("shutdown started, draining up to %s", timeout)
		d.ticker.Stop()
		if d.gateWatcher != nil {
			_ = d.gateWatcher.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = d.httpServer.Shutdown(ctx)
		_ = d.adminServer.Stop()

		d.cancel()
		d.wg.Wait()
		_ = d.eventlog.Close()
		_ = d.fileLock.Unlock()
		d.log.Info("shutdown complete")
	})
}
