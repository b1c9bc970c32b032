// Package govern is the pre-egress governance pipeline: nothing leaves for
// a cloud provider until path policy, secret redaction, entropy scanning,
// and injection minimization have run, and every decision lands in an audit
// record.
package govern

import (
	"fmt"
	"regexp"
	"strings"

	"dhi/internal/config"
	"dhi/internal/logging"

	"github.com/bmatcuk/doublestar/v4"
)

// RedactedMarker replaces pattern-confirmed secrets.
const RedactedMarker = "<REDACTED_SECRET>"

// SecretLeakBlockReason is the block reason attached when a confirmed
// secret pattern was found in outbound context.
const SecretLeakBlockReason = "SecretLeakDetected: confirmed secret pattern detected in context. Cloud egress blocked."

// TruncationNotice is appended when context exceeds the size cap.
const TruncationNotice = "\n\n...[CONTEXT TRUNCATED BY POLICY]..."

// InjectionMarker replaces stripped prompt-injection phrases.
const InjectionMarker = "[REMOVED_INJECTION_ATTEMPT]"

// Confirmed-secret patterns. A match blocks egress outright.
var (
	awsAccessKeyPattern = regexp.MustCompile(`(?i)\bAKIA[0-9A-Z]{16}\b`)

	tokenAssignmentPattern = regexp.MustCompile(
		`(?i)(\b(?:secret|token|api_key|password)\b\s*[:=]\s*["']?)([A-Za-z0-9/+=._\-]{16,80})(["']?)`)

	privateKeyPattern = regexp.MustCompile(
		`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]+?-----END [A-Z ]*PRIVATE KEY-----`)

	windowsDrivePattern = regexp.MustCompile(`^[A-Za-z]:/`)
)

// injectionPhrases are stripped case-insensitively from outbound context.
var injectionPhrases = []string{
	// Classic jailbreaks
	"Ignore all previous instructions",
	"system prompt",
	"You are a simulated",
	// Persona override attempts
	"Act as",
	"DAN mode",
	"developer mode",
	"jailbreak mode",
	"pretend you are",
	"pretend to be",
	// Policy override attempts
	"override your",
	"override your instructions",
	"your new instructions",
	"forget your instructions",
	"disregard your",
	// Privilege escalation
	"ignore your training",
	"you have no restrictions",
}

// ContextPayload is the outbound request context before and after
// governance.
type ContextPayload struct {
	RequestID string   `json:"request_id"`
	Attempt   int      `json:"attempt"`
	Files     []string `json:"files"`
	Content   string   `json:"content"`
}

// AuditRecord accounts for everything governance did to one payload.
type AuditRecord struct {
	RequestID                 string `json:"request_id"`
	FileCount                 int    `json:"file_count"`
	RedactionCount            int    `json:"redaction_count"`
	HighEntropyRedactionCount int    `json:"high_entropy_redaction_count"`
	SecretLeakDetected        bool   `json:"secret_leak_detected"`
	PromptMinimized           bool   `json:"prompt_minimized"`
	BytesSent                 int    `json:"bytes_sent"`
	Blocked                   bool   `json:"blocked"`
	BlockReason               string `json:"block_reason,omitempty"`
}

// Pipeline applies the egress policy in fixed order: path rules, secret
// redaction, entropy scan, injection minimization.
type Pipeline struct {
	policy config.GovernanceConfig
}

// NewPipeline creates a governance pipeline bound to the given policy.
func NewPipeline(policy config.GovernanceConfig) *Pipeline {
	return &Pipeline{policy: policy}
}

// Run applies all checks and returns the safe payload plus the audit
// record. A blocked payload keeps its original content; callers must not
// send anything when audit.Blocked is set.
func (p *Pipeline) Run(payload ContextPayload) (ContextPayload, AuditRecord) {
	audit := AuditRecord{
		RequestID: payload.RequestID,
		FileCount: len(payload.Files),
	}

	// Path enforcement is a hard block; no partial egress.
	if reason := p.enforcePathRules(payload.Files); reason != "" {
		audit.Blocked = true
		audit.BlockReason = reason
		logging.GovernanceWarn("blocked req=%s reason=%q", payload.RequestID, reason)
		p.logAudit(audit)
		return payload, audit
	}

	safeContent, redactions := RedactSecrets(payload.Content)
	audit.RedactionCount = redactions

	if redactions > 0 {
		// A confirmed secret in context means the boundary between local
		// and cloud was about to be crossed with credentials. Redact,
		// minimize, and refuse egress.
		audit.SecretLeakDetected = true
		audit.Blocked = true
		audit.BlockReason = SecretLeakBlockReason
		logging.Get(logging.CategoryGovernance).Error("secret leak req=%s confirmed_redactions=%d", payload.RequestID, redactions)

		safeContent, audit.PromptMinimized = p.minimizeContext(safeContent)
		payload.Content = safeContent
		p.logAudit(audit)
		return payload, audit
	}

	safeContent, entropyCount := RedactHighEntropy(safeContent, p.policy.EntropyThreshold, p.policy.MinTokenLen)
	audit.HighEntropyRedactionCount = entropyCount
	if entropyCount > 0 {
		logging.GovernanceWarn("high entropy tokens redacted req=%s count=%d", payload.RequestID, entropyCount)
	}

	safeContent, audit.PromptMinimized = p.minimizeContext(safeContent)

	payload.Content = safeContent
	audit.BytesSent = len(safeContent)

	p.logAudit(audit)
	return payload, audit
}

// enforcePathRules returns a block reason when any file path violates the
// allow or deny policy, or "" when all paths are acceptable.
func (p *Pipeline) enforcePathRules(files []string) string {
	for _, file := range files {
		normalized := normalizePath(file)
		lower := strings.ToLower(normalized)

		if isAbsoluteOrTraversal(normalized) {
			return fmt.Sprintf("Path traversal violation: %s", file)
		}

		for _, fragment := range p.policy.DeniedPathSnippets {
			if strings.Contains(lower, strings.ToLower(fragment)) {
				return fmt.Sprintf("Path denylist violation: %s is restricted.", file)
			}
		}

		allowed := false
		for _, glob := range p.policy.AllowedPathGlobs {
			if ok, err := doublestar.Match(glob, normalized); err == nil && ok {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Sprintf("Path allowlist violation: %s is not allowed.", file)
		}
	}
	return ""
}

// RedactSecrets replaces pattern-confirmed secrets and returns the count.
func RedactSecrets(content string) (string, int) {
	count := 0

	cleaned := awsAccessKeyPattern.ReplaceAllStringFunc(content, func(string) string {
		count++
		return RedactedMarker
	})

	cleaned = tokenAssignmentPattern.ReplaceAllStringFunc(cleaned, func(match string) string {
		groups := tokenAssignmentPattern.FindStringSubmatch(match)
		count++
		return groups[1] + RedactedMarker + groups[3]
	})

	cleaned = privateKeyPattern.ReplaceAllStringFunc(cleaned, func(string) string {
		count++
		return RedactedMarker
	})

	return cleaned, count
}

// minimizeContext strips known injection phrases and enforces the size cap.
func (p *Pipeline) minimizeContext(content string) (string, bool) {
	minimized := false
	cleaned := content

	for _, phrase := range injectionPhrases {
		if !strings.Contains(strings.ToLower(cleaned), strings.ToLower(phrase)) {
			continue
		}
		pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase))
		cleaned = pattern.ReplaceAllString(cleaned, InjectionMarker)
		minimized = true
	}

	maxChars := p.policy.MaxContextChars
	if maxChars > 0 && len(cleaned) > maxChars {
		cleaned = cleaned[:maxChars] + TruncationNotice
		minimized = true
	}

	return cleaned, minimized
}

func (p *Pipeline) logAudit(audit AuditRecord) {
	logging.Governance("EgressAudit request_id=%s file_count=%d redaction_count=%d high_entropy_redaction_count=%d bytes_sent=%d blocked=%v",
		audit.RequestID, audit.FileCount, audit.RedactionCount, audit.HighEntropyRedactionCount, audit.BytesSent, audit.Blocked)
}

func normalizePath(path string) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(path, "\\", "/"))
	return strings.TrimPrefix(normalized, "./")
}

func isAbsoluteOrTraversal(path string) bool {
	if path == "" {
		return true
	}
	if strings.HasPrefix(path, "/") || windowsDrivePattern.MatchString(path) {
		return true
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
