package orchestrator

import (
	"fmt"

	"dhi/internal/types"
)

// RetryDecision is the circuit breaker's verdict after one attempt.
type RetryDecision struct {
	Retry  bool
	Reason string

	// HaltEvent is the terminal event assigned when the loop stops on a
	// failure, empty for passes and plain non-retryable classes that
	// already carry their own event.
	HaltEvent types.ViolationEvent
}

// terminalEvents never permit another attempt regardless of the failure
// class: the enforcement kills plus the mode-policy faults.
var terminalEvents = map[types.ViolationEvent]bool{
	types.NetworkAccessViolation:   true,
	types.FilesystemWriteViolation: true,
	types.TimeoutViolation:         true,
	types.ProcessLimitViolation:    true,
	types.MemoryLimitViolation:     true,
	types.OutputLimitViolation:     true,
	types.SyscallViolation:         true,
	types.StrictModeUnavailable:    true,
	types.StrictModeRequired:       true,
}

// DecideRetry applies the breaker rules to one verification result.
// attempt is 1-indexed. Unknown classes fail closed: no retry.
//
// A non-retryable class records its own class as the terminal cause;
// MaxRetriesExceeded is reserved for a retryable failure hitting the
// attempt ceiling.
func DecideRetry(result *types.VerificationResult, attempt int) RetryDecision {
	if result.Status == types.StatusPass {
		return RetryDecision{Reason: "passed"}
	}

	if terminalEvents[result.TerminalEvent] {
		return RetryDecision{Reason: fmt.Sprintf("terminal event %s", result.TerminalEvent)}
	}

	class := result.FailureClass
	if class == "" || class == types.FailureNone {
		return RetryDecision{Reason: "failure without classification"}
	}
	if !class.Retryable() {
		return RetryDecision{Reason: fmt.Sprintf("non-retryable failure class %s", class)}
	}

	if attempt >= types.MaxAttempts {
		return RetryDecision{
			Reason:    fmt.Sprintf("attempt budget exhausted (%d/%d)", attempt, types.MaxAttempts),
			HaltEvent: types.MaxRetriesExceeded,
		}
	}
	return RetryDecision{Retry: true, Reason: fmt.Sprintf("retryable failure class %s", class)}
}
