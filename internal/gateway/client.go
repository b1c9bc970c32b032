// Package gateway sends governed context to an OpenAI-compatible cloud
// provider and extracts candidate code from the response. Only payloads
// that already cleared governance may pass through here.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dhi/internal/config"
	"dhi/internal/govern"
	"dhi/internal/logging"
)

// SystemPrompt instructs the provider to respond with a single JSON object.
// The extraction pipeline parses that shape first and only falls back to
// markdown fences when a provider ignores the instruction.
const SystemPrompt = `You are Dhi, an advanced AI software engineer.
You will be provided with context files and a user request context.
Your task is to analyze the context and return a secure, robust code solution.
You MUST format your entire response as a single, valid JSON object containing exactly three keys:
{
  "language": "python",
  "code": "print('hello')",
  "notes": "My reasoning and explanation."
}
DO NOT wrap the code value inside markdown fences within the JSON property.
Your response must be parseable by standard JSON parsers.`

// Client produces raw candidate text from governed context.
type Client interface {
	GenerateCandidate(ctx context.Context, payload govern.ContextPayload, repairPrompt string) (string, error)
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
// Provider differences are confined to construction: endpoint, key, and
// whether strict JSON response formatting is requested.
type HTTPClient struct {
	cfg        config.LLMConfig
	apiBase    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client for the configured provider.
func NewHTTPClient(cfg config.LLMConfig) (*HTTPClient, error) {
	if !config.ValidProvider(cfg.Provider) {
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}

	apiBase := cfg.BaseURL
	apiKey := cfg.APIKey

	if cfg.Provider == config.ProviderNvidia {
		apiBase = cfg.NvidiaAPIBase
		if apiBase == "" {
			apiBase = config.DefaultNvidiaAPIBase
		}
		apiKey = cfg.NvidiaAPIKey
		if apiKey == "" {
			return nil, fmt.Errorf("nvidia provider requires NVIDIA_API_KEY")
		}
	}
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}

	return &HTTPClient{
		cfg:     cfg,
		apiBase: strings.TrimSuffix(apiBase, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutS * float64(time.Second)),
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	TopP           float64         `json:"top_p,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// GenerateCandidate sends the governed payload and returns the raw model
// content. A non-empty repairPrompt is appended to the user prompt on
// retry attempts.
func (c *HTTPClient) GenerateCandidate(ctx context.Context, payload govern.ContextPayload, repairPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("llm api key not configured")
	}

	prompt := buildUserPrompt(payload, repairPrompt)

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	}

	// NVIDIA's OpenAI-compatible endpoint rejects response_format; the
	// markdown fallback in the extractor covers it.
	if c.cfg.Provider != config.ProviderNvidia {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	// Provider-specific extra body fields overlay the standard request.
	if len(c.cfg.ExtraBody) > 0 {
		var merged map[string]interface{}
		if err := json.Unmarshal(jsonData, &merged); err != nil {
			return "", fmt.Errorf("failed to merge extra body: %w", err)
		}
		for k, v := range c.cfg.ExtraBody {
			merged[k] = v
		}
		if jsonData, err = json.Marshal(merged); err != nil {
			return "", fmt.Errorf("failed to marshal chat request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	timer := logging.StartTimer(logging.CategoryGateway, "generate req="+payload.RequestID)
	resp, err := c.httpClient.Do(req)
	timer.Stop()
	if err != nil {
		return "", fmt.Errorf("llm gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm gateway returned status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return "", fmt.Errorf("failed to parse gateway response: %w", err)
	}
	if chat.Error != nil {
		return "", fmt.Errorf("llm gateway error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("llm gateway returned no choices")
	}

	logging.Gateway("candidate generated req=%s attempt=%d bytes=%d",
		payload.RequestID, payload.Attempt, len(chat.Choices[0].Message.Content))
	return chat.Choices[0].Message.Content, nil
}

// buildUserPrompt renders the outbound user message.
func buildUserPrompt(payload govern.ContextPayload, repairPrompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request ID: %s\n\n", payload.RequestID)
	if len(payload.Files) > 0 {
		b.WriteString("CONTEXT FILES:\n")
		b.WriteString(strings.Join(payload.Files, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString("CONTEXT CONTENT:\n")
	b.WriteString(payload.Content)

	if repairPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(repairPrompt)
	}

	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
