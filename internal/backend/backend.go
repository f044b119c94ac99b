// Package backend implements the Backend Adapters (C9): a uniform call
// interface over the concrete LLM providers, with static routing from
// (role, stage) to a configured backend profile.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/msageha/pipelinecore/internal/model"
	"github.com/openai/openai-go"
)

// Request is a single completion request addressed to a persona.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  *float64
}

// Result carries the raw completion text plus usage/latency for logging
// and for the Escalator's context-overflow detection.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Adapter is the uniform interface every provider client satisfies.
type Adapter interface {
	Call(ctx context.Context, req Request) (Result, error)
	Model() string
}

// ErrRetryable wraps an adapter error classified as retryable (rate
// limit or upstream 5xx), so callers can distinguish it from a
// terminal provider error without re-deriving the classification.
type ErrRetryable struct {
	Cause error
}

func (e *ErrRetryable) Error() string { return fmt.Sprintf("retryable backend error: %v", e.Cause) }
func (e *ErrRetryable) Unwrap() error { return e.Cause }

// Router resolves an Adapter for a given role and pipeline stage per a
// static table built from model.BackendsConfig.
type Router struct {
	adapters map[model.Role]map[model.BackendStage]Adapter
}

// NewRouter builds a Router from cfg, constructing one Adapter per
// distinct BackendProfile referenced by the routing table.
func NewRouter(cfg model.BackendsConfig, anthropicAPIKey, openaiAPIKey string) (*Router, error) {
	r := &Router{adapters: make(map[model.Role]map[model.BackendStage]Adapter)}

	cache := make(map[model.BackendProfile]Adapter)
	for role, stages := range cfg.Routes {
		r.adapters[role] = make(map[model.BackendStage]Adapter)
		for stage, profile := range stages {
			a, ok := cache[profile]
			if !ok {
				var err error
				a, err = newAdapter(profile, anthropicAPIKey, openaiAPIKey)
				if err != nil {
					return nil, fmt.Errorf("build adapter for role=%s stage=%s: %w", role, stage, err)
				}
				cache[profile] = a
			}
			r.adapters[role][stage] = a
		}
	}
	return r, nil
}

// NewRouterWithAdapters builds a Router directly from a pre-built
// adapter table, bypassing provider construction. Used by tests and by
// callers wiring in fake adapters.
func NewRouterWithAdapters(adapters map[model.Role]map[model.BackendStage]Adapter) *Router {
	return &Router{adapters: adapters}
}

// Resolve returns the Adapter configured for role at stage.
func (r *Router) Resolve(role model.Role, stage model.BackendStage) (Adapter, error) {
	stages, ok := r.adapters[role]
	if !ok {
		return nil, fmt.Errorf("no backend route for role %s", role)
	}
	a, ok := stages[stage]
	if !ok {
		return nil, fmt.Errorf("no backend route for role %s stage %s", role, stage)
	}
	return a, nil
}

func newAdapter(profile model.BackendProfile, anthropicAPIKey, openaiAPIKey string) (Adapter, error) {
	switch profile.Provider {
	case "anthropic":
		return newAnthropicAdapter(profile, anthropicAPIKey)
	case "openai":
		return newOpenAIAdapter(profile, openaiAPIKey)
	default:
		return nil, fmt.Errorf("unknown backend provider %q", profile.Provider)
	}
}

// Call invokes adapter, logging structured fields via log/slog and
// classifying the error on failure.
func Call(ctx context.Context, a Adapter, req Request) (Result, error) {
	start := time.Now()
	res, err := a.Call(ctx, req)
	res.Latency = time.Since(start)
	if err != nil {
		if IsRetryable(ctx, err) {
			return res, &ErrRetryable{Cause: err}
		}
		return res, err
	}
	slog.DebugContext(ctx, "backend call completed",
		"model", a.Model(),
		"duration_ms", res.Latency.Milliseconds(),
		"prompt_tokens", res.PromptTokens,
		"completion_tokens", res.CompletionTokens)
	return res, nil
}

// IsRetryable classifies err as transient: context errors are never
// retryable, rate limits (429) and upstream 5xx are, everything else is
// treated as a terminal provider error.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return classifyStatus(ctx, oaiErr.StatusCode)
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return classifyStatus(ctx, anthErr.StatusCode)
	}

	slog.WarnContext(ctx, "backend network error, will retry", "error", err)
	return true
}

// ClassifyFailure maps a backend call error to the §7 error-kind taxonomy
// so callers can build a FailureSignature without re-deriving
// provider-specific inspection. A context deadline is a timeout; an
// upstream message naming a context-length/token limit is a context
// overflow; a 5xx (surfaced as ErrRetryable) is backend_5xx; anything
// else is reported as ErrHardFail.
func ClassifyFailure(ctx context.Context, err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrTimeout
	}
	if isContextOverflow(err) {
		return model.ErrContextOverflow
	}
	var retryable *ErrRetryable
	if errors.As(err, &retryable) {
		return model.ErrBackend5xx
	}
	return model.ErrHardFail
}

// isContextOverflow detects a context-window-overflow completion by
// substring match on the error's own message, since neither provider
// SDK exposes a typed field for this condition.
func isContextOverflow(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"context length", "context window", "context_length_exceeded",
		"maximum context", "too many tokens", "token limit",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func classifyStatus(ctx context.Context, code int) bool {
	switch {
	case code == 429, code >= 500:
		slog.WarnContext(ctx, "backend call will be retried", "status_code", code)
		return true
	default:
		slog.ErrorContext(ctx, "backend call not retryable", "status_code", code)
		return false
	}
}
