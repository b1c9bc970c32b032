package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/govern"
	"dhi/internal/intercept"
	"dhi/internal/sandbox"
	"dhi/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAttempter replays one canned response per attempt and records the
// payloads it saw.
type scriptedAttempter struct {
	responses []*intercept.Response
	errs      []error
	payloads  []govern.ContextPayload
}

func (s *scriptedAttempter) ProcessRequest(ctx context.Context, payload govern.ContextPayload, mode types.Mode) (*intercept.Response, error) {
	i := len(s.payloads)
	s.payloads = append(s.payloads, payload)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		panic("attempter called more times than scripted")
	}
	return s.responses[i], nil
}

func passResponse(requestID string, attempt int) *intercept.Response {
	return &intercept.Response{
		RequestID:         requestID,
		ExtractionSuccess: true,
		VerificationResult: &types.VerificationResult{
			RequestID:     requestID,
			CandidateID:   "cand-1",
			Attempt:       attempt,
			SchemaVersion: types.SchemaVersion,
			Mode:          types.ModeBalanced,
			Status:        types.StatusPass,
			Tier:          types.TierL0,
			FailureClass:  types.FailureNone,
			Commands: []types.CommandLog{
				{Name: "parse", Kind: types.CheckParse, Argv: []string{"python", "-m", "py_compile", "/source/candidate.py"}},
				{Name: "run", Kind: types.CheckRun, Argv: []string{"python", "/source/candidate.py"}},
			},
			SkippedChecks: []types.SkippedCheck{},
			Artifacts:     []string{},
		},
	}
}

func failResponse(requestID string, attempt int, class types.FailureClass, event types.ViolationEvent) *intercept.Response {
	return &intercept.Response{
		RequestID:         requestID,
		ExtractionSuccess: true,
		VerificationResult: &types.VerificationResult{
			RequestID:     requestID,
			CandidateID:   "cand-1",
			Attempt:       attempt,
			SchemaVersion: types.SchemaVersion,
			Mode:          types.ModeBalanced,
			Status:        types.StatusFail,
			Tier:          types.TierNone,
			FailureClass:  class,
			TerminalEvent: event,
			ExitCode:      1,
			Stderr:        "Traceback: boom",
			Commands:      []types.CommandLog{},
			SkippedChecks: []types.SkippedCheck{},
			Artifacts:     []string{},
		},
	}
}

func testVeilConfig(t *testing.T) config.VeilConfig {
	t.Helper()
	dir := t.TempDir()
	return config.VeilConfig{
		BaselinePath: filepath.Join(dir, "baseline.json"),
		ManifestDir:  filepath.Join(dir, "manifests"),
	}
}

func newTestOrchestrator(t *testing.T, attempter Attempter, veilCfg config.VeilConfig) (*Service, *attestation.Store) {
	t.Helper()
	store, err := attestation.NewStore(veilCfg.ManifestDir)
	require.NoError(t, err)
	return NewService(attempter, nil, store, veilCfg), store
}

func TestRunPassFirstAttempt(t *testing.T) {
	veilCfg := testVeilConfig(t)
	attempter := &scriptedAttempter{responses: []*intercept.Response{passResponse("req-1", 1)}}
	svc, store := newTestOrchestrator(t, attempter, veilCfg)

	result, err := svc.Run(context.Background(), Request{RequestID: "req-1", Content: "add two numbers"})
	require.NoError(t, err)

	assert.Equal(t, types.FinalPass, result.FinalStatus)
	assert.Equal(t, 1, result.AttemptCount)
	assert.Equal(t, 0, result.RetryCount)
	assert.Empty(t, result.TerminalEvent)

	// First run persists the baseline and a complete manifest.
	_, err = os.Stat(veilCfg.BaselinePath)
	require.NoError(t, err)
	manifest, err := store.Get("req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPass, manifest.Status)
	assert.Equal(t, 0, manifest.RetriesUsed)
	assert.NotEmpty(t, manifest.Fingerprint)
}

func TestRunSyntaxFailureThenRepair(t *testing.T) {
	attempter := &scriptedAttempter{responses: []*intercept.Response{
		failResponse("req-2", 1, types.FailureSyntax, ""),
		passResponse("req-2", 2),
	}}
	svc, store := newTestOrchestrator(t, attempter, testVeilConfig(t))

	result, err := svc.Run(context.Background(), Request{RequestID: "req-2", Content: "add two numbers"})
	require.NoError(t, err)

	assert.Equal(t, types.FinalPass, result.FinalStatus)
	assert.Equal(t, 2, result.AttemptCount)
	assert.Equal(t, 1, result.RetryCount)

	// The second attempt carries the repair prompt wrapping the original
	// request, not the raw request.
	require.Len(t, attempter.payloads, 2)
	assert.Equal(t, "add two numbers", attempter.payloads[0].Content)
	assert.Contains(t, attempter.payloads[1].Content, "REPAIR REQUIRED")
	assert.Contains(t, attempter.payloads[1].Content, "## Original Request\nadd two numbers")
	assert.Equal(t, 2, attempter.payloads[1].Attempt)

	manifest, err := store.Get("req-2")
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.RetriesUsed)
}

func TestRunPolicyViolationHaltsImmediately(t *testing.T) {
	attempter := &scriptedAttempter{responses: []*intercept.Response{
		failResponse("req-3", 1, types.FailurePolicy, types.NetworkAccessViolation),
	}}
	svc, _ := newTestOrchestrator(t, attempter, testVeilConfig(t))

	result, err := svc.Run(context.Background(), Request{RequestID: "req-3", Content: "c"})
	require.NoError(t, err)

	assert.Equal(t, types.FinalFail, result.FinalStatus)
	assert.Equal(t, 1, result.AttemptCount)
	assert.Equal(t, types.NetworkAccessViolation, result.TerminalEvent)
	assert.Len(t, attempter.payloads, 1)
}

func TestRunExhaustsAttemptBudget(t *testing.T) {
	attempter := &scriptedAttempter{responses: []*intercept.Response{
		failResponse("req-4", 1, types.FailureDeterministic, ""),
		failResponse("req-4", 2, types.FailureDeterministic, ""),
		failResponse("req-4", 3, types.FailureDeterministic, ""),
	}}
	svc, store := newTestOrchestrator(t, attempter, testVeilConfig(t))

	result, err := svc.Run(context.Background(), Request{RequestID: "req-4", Content: "c"})
	require.NoError(t, err)

	assert.Equal(t, types.FinalFail, result.FinalStatus)
	assert.Equal(t, types.MaxAttempts, result.AttemptCount)
	assert.Equal(t, types.MaxRetriesExceeded, result.TerminalEvent)

	// The manifest records the orchestration verdict, not just the last
	// run's own fields.
	manifest, err := store.Get("req-4")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFail, manifest.Status)
	assert.Equal(t, types.FinalFail, manifest.FinalStatus)
	assert.Equal(t, types.MaxRetriesExceeded, manifest.TerminalEvent)
	assert.Equal(t, types.MaxAttempts-1, manifest.RetriesUsed)
}

func TestRunExtractionFailureHalts(t *testing.T) {
	attempter := &scriptedAttempter{responses: []*intercept.Response{
		{RequestID: "req-5", ExtractionError: "could not extract candidate code"},
	}}
	svc, store := newTestOrchestrator(t, attempter, testVeilConfig(t))

	result, err := svc.Run(context.Background(), Request{RequestID: "req-5", Content: "c"})
	require.NoError(t, err)

	assert.Equal(t, types.FinalFail, result.FinalStatus)
	assert.Equal(t, 1, result.AttemptCount)
	require.Len(t, result.Attempts, 1)
	assert.Nil(t, result.Attempts[0].VerificationResult)

	// No verification evidence means no manifest.
	_, err = store.Get("req-5")
	assert.Error(t, err)
}

func TestRunExtractionSyntaxErrorIsRetryable(t *testing.T) {
	attempter := &scriptedAttempter{responses: []*intercept.Response{
		{RequestID: "req-6", ExtractionError: "SyntaxError: invalid syntax in extracted candidate"},
		passResponse("req-6", 2),
	}}
	svc, _ := newTestOrchestrator(t, attempter, testVeilConfig(t))

	result, err := svc.Run(context.Background(), Request{RequestID: "req-6", Content: "c"})
	require.NoError(t, err)

	assert.Equal(t, types.FinalPass, result.FinalStatus)
	assert.Equal(t, 2, result.AttemptCount)
	require.Len(t, result.Attempts, 2)

	// The synthetic first attempt carries a retryable syntax class.
	first := result.Attempts[0].VerificationResult
	require.NotNil(t, first)
	assert.Equal(t, types.FailureSyntax, first.FailureClass)
	assert.Contains(t, attempter.payloads[1].Content, "SYNTAX ERROR")
}

func TestRunCancelledContext(t *testing.T) {
	attempter := &scriptedAttempter{errs: []error{context.Canceled}}
	svc, _ := newTestOrchestrator(t, attempter, testVeilConfig(t))

	result, err := svc.Run(context.Background(), Request{RequestID: "req-7", Content: "c"})
	require.NoError(t, err)

	assert.Equal(t, types.FinalCancelled, result.FinalStatus)
	assert.Zero(t, result.AttemptCount)
}

func TestRunCancelledAfterFailureMarksManifestCancelled(t *testing.T) {
	// Cancellation between attempts still leaves verification evidence; the
	// stored manifest must carry final_status=cancelled, not a plain fail.
	attempter := &scriptedAttempter{
		responses: []*intercept.Response{failResponse("req-11", 1, types.FailureDeterministic, "")},
		errs:      []error{nil, context.Canceled},
	}
	svc, store := newTestOrchestrator(t, attempter, testVeilConfig(t))

	result, err := svc.Run(context.Background(), Request{RequestID: "req-11", Content: "c"})
	require.NoError(t, err)
	assert.Equal(t, types.FinalCancelled, result.FinalStatus)
	assert.Equal(t, 1, result.AttemptCount)

	manifest, err := store.Get("req-11")
	require.NoError(t, err)
	assert.Equal(t, types.FinalCancelled, manifest.FinalStatus)
	assert.Equal(t, types.StatusFail, manifest.Status)
}

func TestRunSandboxBusyPropagates(t *testing.T) {
	attempter := &scriptedAttempter{errs: []error{sandbox.ErrSandboxBusy}}
	svc, _ := newTestOrchestrator(t, attempter, testVeilConfig(t))

	_, err := svc.Run(context.Background(), Request{RequestID: "req-8", Content: "c"})
	assert.ErrorIs(t, err, sandbox.ErrSandboxBusy)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	svc, _ := newTestOrchestrator(t, &scriptedAttempter{}, testVeilConfig(t))

	_, err := svc.Run(context.Background(), Request{RequestID: "req-9", Content: "c", Mode: "paranoid"})
	assert.ErrorContains(t, err, "unknown verification mode")
}

func TestRunDefaultsToBalancedMode(t *testing.T) {
	attempter := &scriptedAttempter{responses: []*intercept.Response{passResponse("req-10", 1)}}
	svc, _ := newTestOrchestrator(t, attempter, testVeilConfig(t))

	_, err := svc.Run(context.Background(), Request{RequestID: "req-10", Content: "c"})
	require.NoError(t, err)
}
