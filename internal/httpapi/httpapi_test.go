package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/msageha/pipelinecore/internal/queue"
)

func testServer() (*Server, *queue.Queue) {
	q := queue.New(model.QueueConfig{LeaseTTLSec: 300, MaxAttempts: 3, AgeThresholdSec: 60}, logging.New(io.Discard, "test", logging.LevelError))
	return NewServer(q, logging.New(io.Discard, "test", logging.LevelError)), q
}

func TestHandlePull_EmptyQueueReturns204(t *testing.T) {
	s, _ := testServer()
	req := httptest.NewRequest(http.MethodGet, "/jobs/pull?role=coder&mode=worker", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandlePull_ReturnsLeasedJob(t *testing.T) {
	s, q := testServer()
	q.Create(&model.Job{ID: "job_1", PipelineID: "pln_1", Role: model.RoleCoder, Mode: model.ModeWorker, Payload: []byte("do it")})

	req := httptest.NewRequest(http.MethodGet, "/jobs/pull?role=coder&mode=worker", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp pullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "job_1" {
		t.Fatalf("job_id = %s, want job_1", resp.JobID)
	}
}

func TestHandlePush_DuplicateReturns409(t *testing.T) {
	s, q := testServer()
	q.Create(&model.Job{ID: "job_1", PipelineID: "pln_1", Role: model.RoleCoder, Mode: model.ModeWorker})
	q.Pull(model.RoleCoder, model.ModeWorker, "w1", s.now())
	q.Push("job_1", true, "", s.now())

	body, _ := json.Marshal(pushRequest{JobID: "job_1", Result: "done"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandlePush_RouterContractErrorReturns422(t *testing.T) {
	s, q := testServer()
	q.Create(&model.Job{ID: "job_1", PipelineID: "pln_1", Role: model.RoleCoder, Mode: model.ModeWorker})
	q.Pull(model.RoleCoder, model.ModeWorker, "w1", s.now())
	s.SetRouter(func(job *model.Job, resultText string) ([]string, error) {
		return nil, &ContractError{Err: errString("missing summary")}
	})

	body, _ := json.Marshal(pushRequest{JobID: "job_1", Result: "garbage"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandlePush_SuccessReturnsNextJobs(t *testing.T) {
	s, q := testServer()
	q.Create(&model.Job{ID: "job_1", PipelineID: "pln_1", Role: model.RoleCoder, Mode: model.ModeWorker})
	q.Pull(model.RoleCoder, model.ModeWorker, "w1", s.now())
	s.SetRouter(func(job *model.Job, resultText string) ([]string, error) {
		return []string{"job_2"}, nil
	})

	body, _ := json.Marshal(pushRequest{JobID: "job_1", Result: "looks great, shipped"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp pushResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.NextJobs) != 1 || resp.NextJobs[0] != "job_2" {
		t.Fatalf("next_jobs = %v, want [job_2]", resp.NextJobs)
	}
}

func TestHandleCreate_NewPipeline(t *testing.T) {
	s, _ := testServer()
	body, _ := json.Marshal(createRequest{Role: "pm", Mode: "worker", Payload: []byte("root request")})
	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp createResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.JobID == "" || resp.PipelineID == "" {
		t.Fatalf("resp = %+v, want non-empty ids", resp)
	}
}

func TestHandleStatus_CountsByState(t *testing.T) {
	s, q := testServer()
	q.Create(&model.Job{ID: "job_1", PipelineID: "pln_1", Role: model.RoleCoder, Mode: model.ModeWorker})
	q.Create(&model.Job{ID: "job_2", PipelineID: "pln_1", Role: model.RoleQA, Mode: model.ModeWorker, ParentJobID: strp("job_1")})

	req := httptest.NewRequest(http.MethodGet, "/jobs/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var resp statusResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Counts[model.JobPending] != 2 {
		t.Fatalf("pending count = %d, want 2", resp.Counts[model.JobPending])
	}
}

func strp(s string) *string { return &s }

type errString string

func (e errString) Error() string { return string(e) }
