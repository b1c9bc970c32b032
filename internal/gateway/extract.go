package gateway

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\n(.*?)```")

// ExtractionResult is the outcome of candidate extraction from one raw
// provider response. Syntax validity of the extracted code is not judged
// here; that is the sandbox parse gate's job.
type ExtractionResult struct {
	Success      bool   `json:"success"`
	Code         string `json:"code"`
	Language     string `json:"language"`
	Notes        string `json:"notes"`
	FallbackUsed bool   `json:"fallback_used"`
	Error        string `json:"error,omitempty"`
}

// structuredResponse is the JSON shape the system prompt demands.
type structuredResponse struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Notes    string `json:"notes"`
}

// ExtractCandidate pulls candidate code out of raw model output. The
// structured JSON contract is tried first; a markdown fence is the
// fallback for providers that ignore the response format instruction.
func ExtractCandidate(responseText string) ExtractionResult {
	if strings.TrimSpace(responseText) == "" {
		return ExtractionResult{Error: "raw llm response was empty"}
	}

	if structured, ok := parseStructured(responseText); ok {
		return buildResult(structured.Code, structured.Language, structured.Notes, false)
	}

	return parseMarkdownFallback(responseText)
}

// parseStructured parses the JSON contract, tolerating a ```json fence
// wrapper around the object.
func parseStructured(responseText string) (structuredResponse, bool) {
	cleaned := strings.TrimSpace(responseText)
	if strings.HasPrefix(cleaned, "```json") && strings.HasSuffix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimSuffix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	var parsed structuredResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return structuredResponse{}, false
	}
	if parsed.Code == "" && parsed.Language == "" {
		// Valid JSON that is not the contract shape.
		return structuredResponse{}, false
	}
	return parsed, true
}

func parseMarkdownFallback(responseText string) ExtractionResult {
	match := fencePattern.FindStringSubmatch(responseText)
	if match == nil {
		return ExtractionResult{
			FallbackUsed: true,
			Error:        "could not extract code via JSON or markdown blocks",
		}
	}

	language := match[1]
	if language == "" {
		language = "python"
	}
	return buildResult(strings.TrimSpace(match[2]), language, "", true)
}

func buildResult(code, language, notes string, fallbackUsed bool) ExtractionResult {
	language = strings.ToLower(strings.TrimSpace(language))

	if strings.TrimSpace(code) == "" {
		return ExtractionResult{
			Code:         code,
			Language:     language,
			Notes:        notes,
			FallbackUsed: fallbackUsed,
			Error:        "candidate code is completely empty",
		}
	}

	return ExtractionResult{
		Success:      true,
		Code:         code,
		Language:     language,
		Notes:        notes,
		FallbackUsed: fallbackUsed,
	}
}
