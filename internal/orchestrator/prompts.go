package orchestrator

import (
	"fmt"
	"strings"

	"dhi/internal/types"
)

// maxOutputChars bounds how much captured output goes back into the repair
// prompt.
const maxOutputChars = 2000

func truncateOutput(text string) string {
	if len(text) <= maxOutputChars {
		return text
	}
	return text[:maxOutputChars] + "\n...[TRUNCATED]"
}

func failureGuidance(class types.FailureClass) string {
	switch class {
	case types.FailureSyntax:
		return "The previous code had a SYNTAX ERROR. " +
			"Review the error output carefully and emit clean, syntactically valid Python."
	case types.FailureDeterministic:
		return "The previous code produced a DETERMINISTIC LOGICAL FAILURE " +
			"(consistent wrong output or exception). " +
			"Do not change the overall approach - instead fix the specific " +
			"logical error shown in the error output."
	}
	return "The previous attempt failed. Analyze the error output and produce a corrected solution."
}

// BuildRepairPrompt embeds the original context, the failure classification,
// and the execution evidence into the content of the next attempt. The
// returned string replaces the payload content on retry, so it passes through
// governance like any other outbound context.
func BuildRepairPrompt(originalContent string, last *types.VerificationResult) string {
	class := string(last.FailureClass)
	if class == "" {
		class = "unknown"
	}

	sections := []string{
		"## PREVIOUS ATTEMPT FAILED - REPAIR REQUIRED",
		"",
		fmt.Sprintf("**Failure class:** %s", class),
		fmt.Sprintf("**Attempt number:** %d", last.Attempt),
		"",
		"### Guidance",
		failureGuidance(last.FailureClass),
		"",
	}

	if strings.TrimSpace(last.Stdout) != "" {
		sections = append(sections,
			"### Captured stdout",
			"```",
			truncateOutput(last.Stdout),
			"```",
			"",
		)
	}

	if strings.TrimSpace(last.Stderr) != "" {
		sections = append(sections,
			"### Captured stderr",
			"```",
			truncateOutput(last.Stderr),
			"```",
			"",
		)
	}

	sections = append(sections,
		"---",
		"",
		"## Original Request",
		originalContent,
	)

	return strings.Join(sections, "\n")
}
