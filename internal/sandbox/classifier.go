package sandbox

import (
	"strings"

	"dhi/internal/types"
)

// Classification signal tables. Matching is case-insensitive over the
// combined stdout+stderr of the failing command. Order is priority order:
// the first matching rule wins.
var (
	networkSignals = []string{
		"network is unreachable",
		"name or service not known",
		"connection refused",
		"socket.gaierror",
		"errno 101",   // ENETUNREACH
		"errno 111",   // ECONNREFUSED
		"[errno 110]", // ETIMEDOUT
	}

	fsSignals = []string{
		"read-only file system",
		"[errno 30]",
		"erofs",
	}

	processLimitSignals = []string{
		"resource temporarily unavailable",
		"can't start new thread",
		"cannot allocate memory",
		"fork: retry",
		"pids limit",
	}

	syscallSignals = []string{
		"seccomp",
		"operation not permitted",
		"permission denied",
		"bad system call",
	}
)

// Classify maps a command outcome to a (ViolationEvent, FailureClass) pair.
// Classification is deterministic: only exit signals and known error strings
// participate, never timing or environment.
//
// A clean pass returns ("", FailureNone). Enforcement breaches return a
// violation event with FailurePolicy. Syntax and indentation errors return
// FailureSyntax with no event. Any other non-zero exit is
// FailureDeterministic.
func Classify(exitCode int, stdout, stderr string, timedOut, outputCapped bool) (types.ViolationEvent, types.FailureClass) {
	// Timeouts dominate everything else, including the exit code the
	// runtime reports for a killed container.
	if timedOut {
		return types.TimeoutViolation, types.FailureTimeout
	}

	if outputCapped {
		return types.OutputLimitViolation, types.FailurePolicy
	}

	if exitCode == 0 {
		return "", types.FailureNone
	}

	stderrLower := strings.ToLower(stderr)
	combined := stderrLower + strings.ToLower(stdout)

	if containsAny(combined, networkSignals) {
		return types.NetworkAccessViolation, types.FailurePolicy
	}

	if containsAny(combined, fsSignals) {
		return types.FilesystemWriteViolation, types.FailurePolicy
	}

	if containsAny(combined, processLimitSignals) {
		return types.ProcessLimitViolation, types.FailurePolicy
	}

	if containsAny(combined, syscallSignals) {
		return types.SyscallViolation, types.FailurePolicy
	}

	// 137 = SIGKILL. With an OOM message, or with empty stderr (the kernel
	// killed the process before it could write anything), treat as an OOM.
	if exitCode == 137 &&
		(strings.Contains(combined, "killed") ||
			strings.Contains(combined, "out of memory") ||
			strings.TrimSpace(stderr) == "") {
		return types.MemoryLimitViolation, types.FailurePolicy
	}

	if strings.Contains(stderrLower, "syntaxerror") || strings.Contains(stderrLower, "indentationerror") {
		return "", types.FailureSyntax
	}

	return "", types.FailureDeterministic
}

func containsAny(s string, signals []string) bool {
	for _, sig := range signals {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}
