// Package types defines the canonical data contracts shared across the Dhi
// pipeline: verification modes and tiers, failure classification, violation
// events, the sandbox VerificationResult, and the orchestration records that
// the circuit breaker, attestation builder, and VEIL ledger all consume.
//
// Every enum here is a closed sum. Downstream components switch over these
// values exhaustively; adding a member requires touching the classifier, the
// tier mapper, and the manifest schema version.
package types

import "fmt"

// SchemaVersion increments when any contract field is added or renamed.
const SchemaVersion = "1.0"

// Mode is the runtime isolation mode for the sandbox.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeStrict   Mode = "strict"
)

// Valid reports whether the mode is a known member of the enum.
func (m Mode) Valid() bool {
	switch m {
	case ModeFast, ModeBalanced, ModeStrict:
		return true
	}
	return false
}

// Status is the binary outcome of a verification run.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// Tier indicates the quality of proof a passing run carries.
// AI_TESTS_ONLY means human review is required before trusting the result.
type Tier string

const (
	TierL0          Tier = "L0"            // parse / lint / type checks only
	TierL1          Tier = "L1"            // pre-existing user unit tests passed
	TierL2          Tier = "L2"            // integration / e2e tests passed
	TierAITestsOnly Tier = "AI_TESTS_ONLY" // only AI-authored tests passed
	TierNone        Tier = "none"          // failing runs carry no tier
)

// FailureClass is the canonical failure classification used for retry
// eligibility and determinism gating.
type FailureClass string

const (
	FailureSyntax        FailureClass = "syntax"        // retryable
	FailurePolicy        FailureClass = "policy"        // non-retryable: isolation breach
	FailureTimeout       FailureClass = "timeout"       // non-retryable: budget exceeded
	FailureFlake         FailureClass = "flake"         // non-retryable: non-deterministic
	FailureDeterministic FailureClass = "deterministic" // retryable: consistent logical failure
	FailureNone          FailureClass = "none"          // passing runs
)

// Retryable reports whether the circuit breaker may schedule another attempt
// after a failure of this class. Only syntax and deterministic failures
// qualify; everything else halts immediately.
func (f FailureClass) Retryable() bool {
	return f == FailureSyntax || f == FailureDeterministic
}

// Noise reports whether this class belongs to the noise set that the
// determinism gate permanently excludes from behavioral memory.
func (f FailureClass) Noise() bool {
	return f == FailureFlake || f == FailureTimeout || f == FailurePolicy
}

// ViolationEvent names a terminal runtime event. Enforcement events are
// emitted when the sandbox kills the run on a policy breach; the remaining
// members are system-level terminal faults.
type ViolationEvent string

const (
	NetworkAccessViolation   ViolationEvent = "NetworkAccessViolation"
	FilesystemWriteViolation ViolationEvent = "FilesystemWriteViolation"
	TimeoutViolation         ViolationEvent = "TimeoutViolation"
	ProcessLimitViolation    ViolationEvent = "ProcessLimitViolation"
	MemoryLimitViolation     ViolationEvent = "MemoryLimitViolation"
	OutputLimitViolation     ViolationEvent = "OutputLimitViolation"
	SyscallViolation         ViolationEvent = "SyscallViolation"
	StrictModeUnavailable    ViolationEvent = "StrictModeUnavailable"
	StrictModeRequired       ViolationEvent = "StrictModeRequired"
	MaxRetriesExceeded       ViolationEvent = "MaxRetriesExceeded"
)

// CheckKind categorizes a command in the verification plan. The tier mapper
// derives evidence levels from kinds, never from command names.
type CheckKind string

const (
	CheckParse       CheckKind = "parse"
	CheckLint        CheckKind = "lint"
	CheckTypecheck   CheckKind = "typecheck"
	CheckRun         CheckKind = "run"
	CheckUnitTest    CheckKind = "unit_test"
	CheckIntegration CheckKind = "integration_test"
)

// IsTest reports whether the kind contributes test-level (L1/L2) evidence.
func (k CheckKind) IsTest() bool {
	return k == CheckUnitTest || k == CheckIntegration
}

// CommandLog records one executed command with its outcome. The manifest
// carries these verbatim; a tier claim is valid only when it maps to logged
// commands.
type CommandLog struct {
	Name       string    `json:"name"`
	Kind       CheckKind `json:"kind"`
	AIAuthored bool      `json:"ai_authored,omitempty"`
	Argv       []string  `json:"argv"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
}

// Passed reports whether the command completed with exit code zero.
func (c CommandLog) Passed() bool { return c.ExitCode == 0 }

// SkippedCheck names a planned command that never ran, with the reason
// (earlier failure, budget exhaustion, tool unavailable).
type SkippedCheck struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// RuntimePolicy is the snapshot of the isolation policy applied to a run.
// Recorded for audit; limits are enforced by the container runtime, not by
// the executor process.
type RuntimePolicy struct {
	Mode            Mode   `json:"mode"`
	Image           string `json:"image"`
	Network         string `json:"network"`
	SourceMount     string `json:"source_mount"`
	ScratchMount    string `json:"scratch_mount"`
	CommandTimeoutS int    `json:"command_timeout_s"`
	TotalBudgetS    int    `json:"total_budget_s"`
	CPUQuota        int    `json:"cpu_quota"`
	MemoryMB        int    `json:"memory_mb"`
	PidsLimit       int    `json:"pids_limit"`
	OutputCapBytes  int64  `json:"output_cap_bytes"`
	ScratchCapBytes int64  `json:"scratch_cap_bytes"`
}

// VerificationResult is the canonical sandbox contract payload. The executor
// always returns one, even on internal error. Downstream consumers (circuit
// breaker, VEIL, attestation) rely on every field being populated.
type VerificationResult struct {
	RequestID     string         `json:"request_id"`
	CandidateID   string         `json:"candidate_id"`
	Attempt       int            `json:"attempt"`
	SchemaVersion string         `json:"schema_version"`
	Mode          Mode           `json:"mode"`
	Status        Status         `json:"status"`
	Tier          Tier           `json:"tier"`
	FailureClass  FailureClass   `json:"failure_class"`
	TerminalEvent ViolationEvent `json:"terminal_event,omitempty"`
	ExitCode      int            `json:"exit_code"`
	DurationMs    int64          `json:"duration_ms"`
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	Commands      []CommandLog   `json:"commands"`
	SkippedChecks []SkippedCheck `json:"skipped_checks"`
	Artifacts     []string       `json:"artifacts"`
	Policy        RuntimePolicy  `json:"policy"`
}

// MaxAttempts is the hard, non-configurable attempt ceiling of the circuit
// breaker. Attempts are 1-indexed.
const MaxAttempts = 3

// Validate enforces the structural invariants of the contract:
// pass implies no failure class and a real tier; fail implies a failure
// class and no tier claim.
func (r *VerificationResult) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("verification result missing request_id")
	}
	if r.Attempt < 1 || r.Attempt > MaxAttempts {
		return fmt.Errorf("attempt %d outside [1,%d]", r.Attempt, MaxAttempts)
	}
	switch r.Status {
	case StatusPass:
		if r.FailureClass != FailureNone {
			return fmt.Errorf("pass result carries failure_class %q", r.FailureClass)
		}
		if r.Tier == TierNone || r.Tier == "" {
			return fmt.Errorf("pass result carries no tier")
		}
	case StatusFail:
		if r.FailureClass == FailureNone || r.FailureClass == "" {
			return fmt.Errorf("fail result missing failure_class")
		}
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	return nil
}

// RequestState names a node in the per-request state machine. The
// orchestrator owns all transitions and emits telemetry for every edge.
type RequestState string

const (
	StateReceived            RequestState = "received"
	StateContextReady        RequestState = "context_ready"
	StateCandidateGenerated  RequestState = "candidate_generated"
	StateVerificationRunning RequestState = "verification_running"
	StateVerificationPassed  RequestState = "verification_passed"
	StateHalted              RequestState = "halted"
	StateAttested            RequestState = "attested"
	StateCompleted           RequestState = "completed"
)

// FinalStatus is the client-visible terminal status of a request.
type FinalStatus string

const (
	FinalPass      FinalStatus = "pass"
	FinalFail      FinalStatus = "fail"
	FinalCancelled FinalStatus = "cancelled"
)

// AttemptRecord is an immutable snapshot of a single generation and
// verification attempt.
type AttemptRecord struct {
	Attempt            int                 `json:"attempt"`
	ExtractionSuccess  bool                `json:"extraction_success"`
	ExtractionError    string              `json:"extraction_error,omitempty"`
	VerificationResult *VerificationResult `json:"verification_result,omitempty"`
}

// OrchestrationResult is the final aggregated outcome of the circuit breaker
// loop. RetryCount is always AttemptCount-1.
type OrchestrationResult struct {
	RequestID     string          `json:"request_id"`
	AttemptCount  int             `json:"attempt_count"`
	RetryCount    int             `json:"retry_count"`
	FinalStatus   FinalStatus     `json:"final_status"`
	TerminalEvent ViolationEvent  `json:"terminal_event,omitempty"`
	Attempts      []AttemptRecord `json:"attempts"`
}

// LastVerification returns the verification result of the final attempt that
// produced one, or nil.
func (o *OrchestrationResult) LastVerification() *VerificationResult {
	for i := len(o.Attempts) - 1; i >= 0; i-- {
		if v := o.Attempts[i].VerificationResult; v != nil {
			return v
		}
	}
	return nil
}

// FinalFailureClass returns the failure class of the last attempt, or
// FailureNone for passing or empty runs.
func (o *OrchestrationResult) FinalFailureClass() FailureClass {
	v := o.LastVerification()
	if v == nil || v.FailureClass == "" {
		return FailureNone
	}
	return v.FailureClass
}
