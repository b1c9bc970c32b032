// Package intercept runs one end-to-end generation attempt: governance on
// the outbound context, cloud generation, candidate extraction, and sandbox
// verification. The orchestrator drives it once per attempt.
package intercept

import (
	"context"
	"fmt"
	"sync"

	"dhi/internal/config"
	"dhi/internal/gateway"
	"dhi/internal/govern"
	"dhi/internal/logging"
	"dhi/internal/sandbox"
	"dhi/internal/types"

	"github.com/google/uuid"
)

// Verifier executes a verification request in isolation. Satisfied by
// sandbox.Executor.
type Verifier interface {
	Run(ctx context.Context, req sandbox.Request) (*types.VerificationResult, error)
}

// Response is the combined outcome of governance, extraction, and
// verification for one attempt. VerificationResult is nil when the attempt
// stopped before the sandbox.
type Response struct {
	RequestID          string                    `json:"request_id"`
	Audit              govern.AuditRecord        `json:"audit"`
	LLMNotes           string                    `json:"llm_notes"`
	ExtractionSuccess  bool                      `json:"extraction_success"`
	ExtractionError    string                    `json:"extraction_error,omitempty"`
	VerificationResult *types.VerificationResult `json:"verification_result,omitempty"`
}

// Service wires the per-attempt pipeline together.
type Service struct {
	mu       sync.RWMutex
	pipeline *govern.Pipeline
	client   gateway.Client
	verifier Verifier

	// requireStrict rejects requests asking for a weaker mode than the
	// policy floor.
	requireStrict bool
}

// NewService builds the interceptor pipeline.
func NewService(policy config.GovernanceConfig, sandboxCfg config.SandboxConfig, client gateway.Client, verifier Verifier) *Service {
	return &Service{
		pipeline:      govern.NewPipeline(policy),
		client:        client,
		verifier:      verifier,
		requireStrict: sandboxCfg.RequireStrict,
	}
}

// UpdatePolicy swaps in a reloaded governance policy and mode floor.
// In-flight requests keep the pipeline they started with.
func (s *Service) UpdatePolicy(policy config.GovernanceConfig, sandboxCfg config.SandboxConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = govern.NewPipeline(policy)
	s.requireStrict = sandboxCfg.RequireStrict
}

func (s *Service) snapshot() (*govern.Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline, s.requireStrict
}

// ProcessRequest runs one attempt. Governance blocks and gateway or
// extraction failures return a Response without a verification result;
// infrastructure refusals (sandbox backpressure, caller cancellation)
// surface as errors.
func (s *Service) ProcessRequest(ctx context.Context, payload govern.ContextPayload, mode types.Mode) (*Response, error) {
	logging.Server("intercept req=%s attempt=%d mode=%s", payload.RequestID, payload.Attempt, mode)

	pipeline, requireStrict := s.snapshot()

	if requireStrict && mode != types.ModeStrict {
		return &Response{
			RequestID:          payload.RequestID,
			ExtractionError:    fmt.Sprintf("policy requires strict mode; %q was requested", mode),
			VerificationResult: s.strictRequiredResult(payload, mode),
		}, nil
	}

	safePayload, audit := pipeline.Run(payload)
	if audit.Blocked {
		reason := audit.BlockReason
		if reason == "" {
			reason = "unknown governance policy block"
		}
		return &Response{
			RequestID:       payload.RequestID,
			Audit:           audit,
			ExtractionError: "blocked by governance: " + reason,
		}, nil
	}

	raw, err := s.client.GenerateCandidate(ctx, safePayload, "")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Get(logging.CategoryGateway).Error("gateway failed req=%s: %v", payload.RequestID, err)
		return &Response{
			RequestID:       payload.RequestID,
			Audit:           audit,
			ExtractionError: err.Error(),
		}, nil
	}

	extraction := gateway.ExtractCandidate(raw)
	if !extraction.Success {
		logging.Get(logging.CategoryGateway).Error("extraction failed req=%s: %s", payload.RequestID, extraction.Error)
		return &Response{
			RequestID:       payload.RequestID,
			Audit:           audit,
			LLMNotes:        extraction.Notes,
			ExtractionError: extraction.Error,
		}, nil
	}

	verification, err := s.verifier.Run(ctx, sandbox.Request{
		RequestID:   payload.RequestID,
		CandidateID: uuid.NewString(),
		Attempt:     payload.Attempt,
		Mode:        mode,
		Code:        extraction.Code,
	})
	if err != nil {
		return nil, err
	}

	return &Response{
		RequestID:          payload.RequestID,
		Audit:              audit,
		LLMNotes:           extraction.Notes,
		ExtractionSuccess:  true,
		VerificationResult: verification,
	}, nil
}

// strictRequiredResult is the synthetic terminal result for mode-floor
// rejections. No generation and no sandbox run take place.
func (s *Service) strictRequiredResult(payload govern.ContextPayload, mode types.Mode) *types.VerificationResult {
	return &types.VerificationResult{
		RequestID:     payload.RequestID,
		Attempt:       payload.Attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          mode,
		Status:        types.StatusFail,
		Tier:          types.TierNone,
		FailureClass:  types.FailurePolicy,
		TerminalEvent: types.StrictModeRequired,
		ExitCode:      -1,
		Stderr:        "verification policy requires strict isolation mode",
		Commands:      []types.CommandLog{},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{},
	}
}
