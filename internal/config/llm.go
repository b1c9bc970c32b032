package config

import "fmt"

// Supported LLM providers. Provider routing beyond this enumeration is
// opaque to the core.
const (
	ProviderOpenAI = "openai"
	ProviderNvidia = "nvidia"
	ProviderCustom = "custom"
)

// DefaultNvidiaAPIBase is used when provider is nvidia and no base override
// is supplied.
const DefaultNvidiaAPIBase = "https://integrate.api.nvidia.com/v1"

// LLMConfig configures the cloud LLM gateway.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, nvidia, custom
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// Nvidia endpoint settings, filled from NVIDIA_API_KEY/NVIDIA_API_BASE.
	NvidiaAPIKey  string `yaml:"nvidia_api_key"`
	NvidiaAPIBase string `yaml:"nvidia_api_base"`

	TimeoutS    float64 `yaml:"timeout_s"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`

	// ExtraBody holds provider-specific request fields passed through
	// opaquely into the chat completion body.
	ExtraBody map[string]interface{} `yaml:"extra_body"`
}

// DefaultLLMConfig returns sensible gateway defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o",
		TimeoutS: 120,
	}
}

// LLMOverrides carries the per-request gateway overrides the HTTP surface
// accepts. Resource limits are never overridable per request; only gateway
// routing and generation knobs are.
type LLMOverrides struct {
	ModelName   string                 `json:"model_name,omitempty"`
	Provider    string                 `json:"llm_provider,omitempty"`
	APIBase     string                 `json:"llm_api_base,omitempty"`
	APIKey      string                 `json:"llm_api_key,omitempty"`
	ExtraBody   map[string]interface{} `json:"llm_extra_body,omitempty"`
	TimeoutS    float64                `json:"llm_timeout_s,omitempty"`
	MaxTokens   int                    `json:"llm_max_tokens,omitempty"`
	Temperature *float64               `json:"llm_temperature,omitempty"`
	TopP        *float64               `json:"llm_top_p,omitempty"`
}

// Empty reports whether no override field is set.
func (o LLMOverrides) Empty() bool {
	return o.ModelName == "" && o.Provider == "" && o.APIBase == "" &&
		o.APIKey == "" && len(o.ExtraBody) == 0 && o.TimeoutS == 0 &&
		o.MaxTokens == 0 && o.Temperature == nil && o.TopP == nil
}

// Apply layers request overrides onto the process configuration and
// validates the result. The receiver is never mutated.
func (l LLMConfig) Apply(o LLMOverrides) (LLMConfig, error) {
	derived := l
	if o.Provider != "" {
		derived.Provider = o.Provider
	}
	if o.ModelName != "" {
		derived.Model = o.ModelName
	}
	if o.APIBase != "" {
		derived.BaseURL = o.APIBase
	}
	if o.APIKey != "" {
		derived.APIKey = o.APIKey
	}
	if o.TimeoutS != 0 {
		if o.TimeoutS < 1 || o.TimeoutS > 600 {
			return LLMConfig{}, fmt.Errorf("llm_timeout_s must be in [1,600], got %v", o.TimeoutS)
		}
		derived.TimeoutS = o.TimeoutS
	}
	if o.MaxTokens != 0 {
		derived.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		derived.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		derived.TopP = *o.TopP
	}
	if len(o.ExtraBody) > 0 {
		derived.ExtraBody = o.ExtraBody
	}
	if err := derived.Validate(); err != nil {
		return LLMConfig{}, err
	}
	return derived, nil
}

// ValidProvider reports whether name is a supported provider.
func ValidProvider(name string) bool {
	switch name {
	case ProviderOpenAI, ProviderNvidia, ProviderCustom:
		return true
	}
	return false
}

// Validate checks the gateway configuration ranges. Zero values mean
// "provider default" and are accepted.
func (l LLMConfig) Validate() error {
	if !ValidProvider(l.Provider) {
		return fmt.Errorf("unsupported llm provider %q (supported: openai, nvidia, custom)", l.Provider)
	}
	if l.TimeoutS <= 0 || l.TimeoutS > 600 {
		return fmt.Errorf("llm timeout_s must be in (0,600], got %v", l.TimeoutS)
	}
	if l.MaxTokens < 0 || l.MaxTokens > 32768 {
		return fmt.Errorf("llm max_tokens must be in [0,32768], got %d", l.MaxTokens)
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm temperature must be in [0,2], got %v", l.Temperature)
	}
	if l.TopP < 0 || l.TopP > 1 {
		return fmt.Errorf("llm top_p must be in [0,1], got %v", l.TopP)
	}
	return nil
}
