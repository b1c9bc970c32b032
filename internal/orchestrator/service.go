// Package orchestrator owns the bounded retry loop around the per-attempt
// interceptor pipeline, plus the post-loop bookkeeping: determinism gating,
// ledger writes, and attestation manifest persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/govern"
	"dhi/internal/intercept"
	"dhi/internal/logging"
	"dhi/internal/sandbox"
	"dhi/internal/types"
	"dhi/internal/veil"
)

// Attempter runs one generation and verification attempt. Satisfied by
// intercept.Service.
type Attempter interface {
	ProcessRequest(ctx context.Context, payload govern.ContextPayload, mode types.Mode) (*intercept.Response, error)
}

// Service is the circuit breaker. At most types.MaxAttempts attempts run per
// request; attempt 1 is the initial generation, later attempts receive a
// repair prompt built from the previous failure evidence.
//
// The loop halts immediately on a pass, a non-retryable failure class, a
// terminal violation event, or an exhausted attempt budget.
type Service struct {
	interceptor Attempter
	gate        *veil.Gate
	ledger      *veil.Ledger
	manifests   *attestation.Store
	veilCfg     config.VeilConfig
}

// NewService wires the breaker. Ledger and manifest store may be nil; the
// loop then runs without persistence, which the tests use.
func NewService(interceptor Attempter, ledger *veil.Ledger, manifests *attestation.Store, veilCfg config.VeilConfig) *Service {
	return &Service{
		interceptor: interceptor,
		gate:        veil.NewGate(),
		ledger:      ledger,
		manifests:   manifests,
		veilCfg:     veilCfg,
	}
}

// Request is one orchestration job.
type Request struct {
	RequestID string
	Content   string
	Files     []string
	Mode      types.Mode
}

func retryableExtractionSyntaxError(err string) bool {
	return strings.Contains(strings.ToLower(err), "syntaxerror")
}

// syntheticSyntaxFailure stands in for a verification result when extraction
// itself reports a syntax error. Pre-handoff syntax faults stay retryable
// this way.
func syntheticSyntaxFailure(requestID string, attempt int, mode types.Mode, errText string) *types.VerificationResult {
	return &types.VerificationResult{
		RequestID:     requestID,
		Attempt:       attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          mode,
		Status:        types.StatusFail,
		Tier:          types.TierNone,
		FailureClass:  types.FailureSyntax,
		ExitCode:      -1,
		Stderr:        errText,
		Commands:      []types.CommandLog{},
		SkippedChecks: []types.SkippedCheck{{Name: "all", Reason: "extraction failed before sandbox handoff"}},
		Artifacts:     []string{},
	}
}

func transition(requestID string, state types.RequestState) {
	logging.Orchestrator("req=%s state=%s", requestID, state)
}

// Run executes the circuit breaker loop and returns the aggregated outcome.
// Caller cancellation yields a FinalCancelled result; sandbox backpressure
// propagates as an error so the caller can shed load.
func (s *Service) Run(ctx context.Context, req Request) (*types.OrchestrationResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = types.ModeBalanced
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown verification mode %q", mode)
	}

	transition(req.RequestID, types.StateReceived)

	originalContent := req.Content
	content := req.Content
	var attempts []types.AttemptRecord
	finalStatus := types.FinalFail
	var terminalEvent types.ViolationEvent

loop:
	for attempt := 1; attempt <= types.MaxAttempts; attempt++ {
		logging.Orchestrator("req=%s attempt %d/%d", req.RequestID, attempt, types.MaxAttempts)

		payload := govern.ContextPayload{
			RequestID: req.RequestID,
			Attempt:   attempt,
			Files:     req.Files,
			Content:   content,
		}
		transition(req.RequestID, types.StateContextReady)

		response, err := s.interceptor.ProcessRequest(ctx, payload, mode)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				finalStatus = types.FinalCancelled
				logging.Orchestrator("req=%s cancelled on attempt %d", req.RequestID, attempt)
				break loop
			}
			// Infrastructure refusal (sandbox backpressure): the caller
			// decides whether to retry later, not the breaker.
			return nil, err
		}
		transition(req.RequestID, types.StateCandidateGenerated)

		verification := response.VerificationResult
		if verification == nil && !response.ExtractionSuccess &&
			retryableExtractionSyntaxError(response.ExtractionError) {
			logging.Orchestrator("req=%s extraction syntax failure on attempt %d, treating as retryable", req.RequestID, attempt)
			verification = syntheticSyntaxFailure(req.RequestID, attempt, mode, response.ExtractionError)
		}

		attempts = append(attempts, types.AttemptRecord{
			Attempt:            attempt,
			ExtractionSuccess:  response.ExtractionSuccess,
			ExtractionError:    response.ExtractionError,
			VerificationResult: verification,
		})

		if verification == nil {
			logging.Orchestrator("req=%s halting: no verification result (%s)", req.RequestID, response.ExtractionError)
			break loop
		}
		transition(req.RequestID, types.StateVerificationRunning)

		if verification.Status == types.StatusPass {
			transition(req.RequestID, types.StateVerificationPassed)
			finalStatus = types.FinalPass
			break loop
		}

		decision := DecideRetry(verification, attempt)
		logging.Orchestrator("req=%s attempt %d failed: %s", req.RequestID, attempt, decision.Reason)

		if !decision.Retry {
			if verification.TerminalEvent != "" {
				terminalEvent = verification.TerminalEvent
			} else {
				terminalEvent = decision.HaltEvent
			}
			break loop
		}

		content = BuildRepairPrompt(originalContent, verification)
	}

	if finalStatus != types.FinalPass && finalStatus != types.FinalCancelled {
		transition(req.RequestID, types.StateHalted)
	}

	result := &types.OrchestrationResult{
		RequestID:     req.RequestID,
		AttemptCount:  len(attempts),
		RetryCount:    max(len(attempts)-1, 0),
		FinalStatus:   finalStatus,
		TerminalEvent: terminalEvent,
		Attempts:      attempts,
	}

	s.record(ctx, result)

	transition(req.RequestID, types.StateCompleted)
	return result, nil
}

// record runs the determinism gate, writes the ledger, and persists the
// attestation manifest. Persistence failures are logged, never fatal: the
// orchestration outcome stands regardless.
func (s *Service) record(ctx context.Context, result *types.OrchestrationResult) {
	fp := s.currentFingerprint(result)
	baseline, err := veil.LoadBaseline(s.veilCfg.BaselinePath)
	if err != nil {
		// First run on this machine: the current environment becomes the
		// baseline.
		baseline = fp
		if s.veilCfg.BaselinePath != "" {
			if err := veil.SaveBaseline(s.veilCfg.BaselinePath, fp); err != nil {
				logging.Get(logging.CategoryVeil).Warn("baseline save failed: %v", err)
			}
		}
	}

	decision := s.gate.Evaluate(result, fp, baseline)

	if s.ledger != nil {
		if err := s.ledger.Write(ctx, decision, result, fp); err != nil {
			logging.Get(logging.CategoryVeil).Error("ledger write failed req=%s: %v", result.RequestID, err)
		}
	}

	if s.manifests == nil {
		return
	}
	last := result.LastVerification()
	if last == nil {
		return
	}
	manifest, err := attestation.Build(last, attestation.Outcome{
		FinalStatus:   result.FinalStatus,
		TerminalEvent: result.TerminalEvent,
		RetriesUsed:   result.RetryCount,
	})
	if err != nil {
		logging.Get(logging.CategoryAttestation).Error("manifest build failed req=%s: %v", result.RequestID, err)
		return
	}
	manifest.Fingerprint = fp.Hash()
	if _, err := s.manifests.Put(manifest); err != nil {
		logging.Get(logging.CategoryAttestation).Error("manifest store failed req=%s: %v", result.RequestID, err)
		return
	}
	transition(result.RequestID, types.StateAttested)
}

// currentFingerprint renders the executed command set of the final attempt,
// falling back to the default plan when nothing ran.
func (s *Service) currentFingerprint(result *types.OrchestrationResult) veil.Fingerprint {
	var commands []string
	if last := result.LastVerification(); last != nil && len(last.Commands) > 0 {
		for _, c := range last.Commands {
			commands = append(commands, strings.Join(c.Argv, " "))
		}
	} else {
		for _, pc := range sandbox.DefaultPlan() {
			commands = append(commands, strings.Join(pc.Argv, " "))
		}
	}
	return veil.Generate(veil.GenerateOptions{
		SandboxImageFile: s.veilCfg.SandboxImageFile,
		LockfilePath:     s.veilCfg.LockfilePath,
		Commands:         commands,
	})
}
