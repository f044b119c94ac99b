// Package httpapi implements the external Dispatch API (§6): the JSON
// HTTP surface external workers use to pull jobs, push results, and
// create new jobs directly. Routing a pushed result into successor jobs
// is delegated to a RouteFunc the daemon layer wires to the Pipeline
// Orchestrator, keeping this package's only dependency the Queue itself.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/queue"
)

// RouteFunc is invoked after a pushed result has been recorded in the
// Queue, to drive whatever successor jobs the Pipeline Orchestrator's
// verdict routing or Decision Machine produces. A RouteFunc returning a
// *ContractError maps to HTTP 422; any other error maps to 500.
type RouteFunc func(job *model.Job, resultText string) (nextJobIDs []string, err error)

// ContractError marks a RouteFunc failure caused by a malformed or
// semantically-empty agent output, surfaced to the caller as 422 rather
// than a generic 500.
type ContractError struct{ Err error }

func (e *ContractError) Error() string { return e.Err.Error() }
func (e *ContractError) Unwrap() error { return e.Err }

// Server implements the Dispatch API's five endpoints over a Queue.
type Server struct {
	queue *queue.Queue
	route RouteFunc
	log   *logging.Logger
	now   func() time.Time
}

// NewServer constructs a Server. Call SetRouter before serving traffic if
// pushed results should drive successor-job creation; without a router,
// push always reports next_jobs: [].
func NewServer(q *queue.Queue, log *logging.Logger) *Server {
	return &Server{queue: q, log: log.With("httpapi"), now: time.Now}
}

// SetRouter wires the successor-routing hook, mirroring the teacher's
// setter-injection idiom for optional collaborators.
func (s *Server) SetRouter(r RouteFunc) { s.route = r }

// Handler returns the http.Handler serving the Dispatch API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/pull", s.handlePull)
	mux.HandleFunc("/jobs/push", s.handlePush)
	mux.HandleFunc("/jobs/create", s.handleCreate)
	mux.HandleFunc("/jobs/status", s.handleStatus)
	mux.HandleFunc("/jobs/list", s.handleList)
	return mux
}

type pullResponse struct {
	JobID         string `json:"job_id"`
	Payload       []byte `json:"payload"`
	Context       []byte `json:"context,omitempty"`
	LeaseDeadline string `json:"lease_deadline"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	role := model.Role(r.URL.Query().Get("role"))
	mode := model.Mode(r.URL.Query().Get("mode"))
	if role == "" || mode == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "role and mode are required")
		return
	}

	job, ok, err := s.queue.Pull(role, mode, r.RemoteAddr, s.now())
	if err != nil {
		s.log.Error("pull failed role=%s mode=%s: %v", role, mode, err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := pullResponse{JobID: job.ID, Payload: job.Payload, Context: job.Context}
	if job.LeaseDeadline != nil {
		resp.LeaseDeadline = job.LeaseDeadline.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type pushRequest struct {
	JobID  string `json:"job_id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type pushResponse struct {
	NextJobs []string `json:"next_jobs"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if req.JobID == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "job_id is required")
		return
	}

	succeeded := req.Error == ""
	job, result, err := s.queue.Push(req.JobID, succeeded, req.Error, s.now())
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	switch result {
	case queue.PushDuplicate:
		writeJSONError(w, http.StatusConflict, "job already in a terminal state")
		return
	case queue.PushLeaseExpired:
		writeJSONError(w, http.StatusGone, "lease expired before push")
		return
	}

	var nextJobs []string
	if s.route != nil && succeeded {
		nextJobs, err = s.route(job, req.Result)
		if err != nil {
			var ce *ContractError
			if errors.As(err, &ce) {
				writeJSONError(w, http.StatusUnprocessableEntity, ce.Error())
				return
			}
			s.log.Error("routing failed job=%s: %v", job.ID, err)
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if nextJobs == nil {
		nextJobs = []string{}
	}
	writeJSON(w, http.StatusOK, pushResponse{NextJobs: nextJobs})
}

type createRequest struct {
	Role        string `json:"role"`
	Mode        string `json:"mode"`
	Payload     []byte `json:"payload"`
	Context     []byte `json:"context,omitempty"`
	ParentJobID string `json:"parent_job_id,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
}

type createResponse struct {
	JobID      string `json:"job_id"`
	PipelineID string `json:"pipeline_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if req.Role == "" || req.Mode == "" {
		writeJSONError(w, http.StatusUnprocessableEntity, "role and mode are required")
		return
	}

	now := s.now()
	job := &model.Job{
		Role:     model.Role(req.Role),
		Mode:     model.Mode(req.Mode),
		Payload:  req.Payload,
		Context:  req.Context,
		Priority: model.PriorityMedium,
		CreatedAt: now,
	}
	if req.Priority != nil {
		job.Priority = model.Priority(*req.Priority)
	}

	if req.ParentJobID != "" {
		parent, ok := s.queue.Get(req.ParentJobID)
		if !ok {
			writeJSONError(w, http.StatusUnprocessableEntity, "parent_job_id not found")
			return
		}
		job.ParentJobID = &req.ParentJobID
		job.PipelineID = parent.PipelineID
	} else {
		pid, err := model.GenerateID(model.IDKindPipeline)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		job.PipelineID = pid
	}

	id, err := model.GenerateID(model.IDKindJob)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job.ID = id

	if _, err := s.queue.Create(job); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, createResponse{JobID: job.ID, PipelineID: job.PipelineID})
}

type statusResponse struct {
	Counts map[model.JobState]int `json:"counts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts := make(map[model.JobState]int)
	for _, j := range s.queue.List("") {
		counts[j.State]++
	}
	writeJSON(w, http.StatusOK, statusResponse{Counts: counts})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pipelineID := r.URL.Query().Get("pipeline_id")
	jobs := s.queue.List(pipelineID)
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Role != jobs[k].Role {
			return jobs[i].Role < jobs[k].Role
		}
		return jobs[i].Sequence < jobs[k].Sequence
	})
	writeJSON(w, http.StatusOK, jobs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
