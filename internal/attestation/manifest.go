package attestation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dhi/internal/types"
)

// ManifestSchemaVersion increments when any manifest field is added or
// renamed.
const ManifestSchemaVersion = "1.0"

// ErrManifestIncomplete is returned when a response would be labelled
// verified without a complete manifest backing it.
var ErrManifestIncomplete = errors.New("attestation manifest missing or incomplete")

// Manifest is the full trust record for one completed request attempt.
// A downstream consumer that receives a response without one must treat
// the result as unverified.
type Manifest struct {
	// Identity
	RequestID     string    `json:"request_id"`
	CandidateID   string    `json:"candidate_id"`
	Attempt       int       `json:"attempt"`
	SchemaVersion string    `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`

	// Evidence tier. HumanReviewRequired is true exactly when the tier is
	// AI_TESTS_ONLY; such a response must not be labelled verified without
	// human sign-off.
	Tier                types.Tier `json:"tier"`
	HumanReviewRequired bool       `json:"human_review_required"`

	// Execution evidence
	Mode       types.Mode `json:"mode"`
	ExitCode   int        `json:"exit_code"`
	DurationMs int64      `json:"duration_ms"`

	// CommandsRun is the rendered argv of every command executed, in
	// order. Commands carries the structured logs the tier claim maps to.
	CommandsRun []string           `json:"commands_run"`
	Commands    []types.CommandLog `json:"commands"`

	// Outcome. Status is the verdict of the final verification run;
	// FinalStatus is the orchestration-level outcome and is the field that
	// records cancellation. TerminalEvent carries the orchestration's
	// terminal cause (MaxRetriesExceeded included), falling back to the
	// run's own event.
	Status        types.Status         `json:"status"`
	FinalStatus   types.FinalStatus    `json:"final_status"`
	FailureClass  types.FailureClass   `json:"failure_class"`
	TerminalEvent types.ViolationEvent `json:"terminal_event,omitempty"`

	// RetriesUsed is the number of retries consumed before this result.
	RetriesUsed int `json:"retries_used"`

	SkippedChecks []types.SkippedCheck `json:"skipped_checks"`
	ArtifactRefs  []string             `json:"artifact_refs"`

	// Policy is the isolation policy snapshot the run executed under.
	Policy types.RuntimePolicy `json:"policy"`

	// Fingerprint is the environment fingerprint hash of the run, filled
	// in by the determinism gate.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Outcome carries the orchestration-level verdict into the manifest. Zero
// values fall back to what the verification result itself reports, which is
// what single-shot verification uses.
type Outcome struct {
	FinalStatus   types.FinalStatus
	TerminalEvent types.ViolationEvent
	RetriesUsed   int
}

// Build constructs a complete manifest from the final verification result
// and the orchestration outcome.
func Build(result *types.VerificationResult, outcome Outcome) (*Manifest, error) {
	if result == nil {
		return nil, fmt.Errorf("cannot build manifest: nil verification result")
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("cannot build manifest: %w", err)
	}
	if outcome.RetriesUsed < 0 || outcome.RetriesUsed > types.MaxAttempts-1 {
		return nil, fmt.Errorf("retries_used %d outside [0,%d]", outcome.RetriesUsed, types.MaxAttempts-1)
	}

	finalStatus := outcome.FinalStatus
	if finalStatus == "" {
		finalStatus = types.FinalFail
		if result.Status == types.StatusPass {
			finalStatus = types.FinalPass
		}
	}
	terminalEvent := outcome.TerminalEvent
	if terminalEvent == "" {
		terminalEvent = result.TerminalEvent
	}

	commandsRun := make([]string, 0, len(result.Commands))
	for _, c := range result.Commands {
		commandsRun = append(commandsRun, strings.Join(c.Argv, " "))
	}

	tier := result.Tier
	if result.Status == types.StatusPass {
		// The tier claim must map onto the logged commands; recompute
		// rather than trusting the carried value.
		tier = TierFor(result.Commands)
	}

	return &Manifest{
		RequestID:           result.RequestID,
		CandidateID:         result.CandidateID,
		Attempt:             result.Attempt,
		SchemaVersion:       ManifestSchemaVersion,
		CreatedAt:           time.Now().UTC(),
		Tier:                tier,
		HumanReviewRequired: tier == types.TierAITestsOnly,
		Mode:                result.Mode,
		ExitCode:            result.ExitCode,
		DurationMs:          result.DurationMs,
		CommandsRun:         commandsRun,
		Commands:            result.Commands,
		Status:              result.Status,
		FinalStatus:         finalStatus,
		FailureClass:        result.FailureClass,
		TerminalEvent:       terminalEvent,
		RetriesUsed:         outcome.RetriesUsed,
		SkippedChecks:       result.SkippedChecks,
		ArtifactRefs:        result.Artifacts,
		Policy:              result.Policy,
	}, nil
}

// AssertComplete returns ErrManifestIncomplete when the manifest is missing
// or lacks required identity fields. Call before attaching a verified label
// to any response.
func AssertComplete(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("%w: manifest is nil", ErrManifestIncomplete)
	}
	if m.RequestID == "" {
		return fmt.Errorf("%w: request_id is empty", ErrManifestIncomplete)
	}
	if m.Status == "" {
		return fmt.Errorf("%w: status is empty", ErrManifestIncomplete)
	}
	if m.FinalStatus == "" {
		return fmt.Errorf("%w: final_status is empty", ErrManifestIncomplete)
	}
	if m.Tier == "" {
		return fmt.Errorf("%w: tier is empty", ErrManifestIncomplete)
	}
	return nil
}
