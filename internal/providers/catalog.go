package providers

import "fmt"

// Capability names used in the catalog and in routing rules.
const (
	CapChat            = "chat"
	CapStreaming       = "streaming"
	CapVision          = "vision"
	CapFunctionCalling = "function_calling"
	CapJSONMode        = "json_mode"
	CapReasoning       = "reasoning"
	CapLongContext     = "long_context"
)

// ModelPricing describes one (provider, model) catalog entry: USD cost per
// 1k tokens in each direction plus the model's capability set.
type ModelPricing struct {
	Model        string
	Provider     Name
	InputPer1K   float64
	OutputPer1K  float64
	Capabilities []string
}

// HasCapability reports whether the model advertises the named capability.
func (m ModelPricing) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Covers reports whether the model's capability set includes every entry in
// required.
func (m ModelPricing) Covers(required []string) bool {
	for _, r := range required {
		if !m.HasCapability(r) {
			return false
		}
	}
	return true
}

// AvgPer1K is the cost metric used by routing rules: the mean of input and
// output cost per 1k tokens.
func (m ModelPricing) AvgPer1K() float64 {
	return (m.InputPer1K + m.OutputPer1K) / 2
}

// Catalog is the static pricing and capability table. Prices track the
// public provider price sheets; they feed the routing score and the cost
// tracker, not billing.
var Catalog = []ModelPricing{
	// OpenAI
	{"gpt-4o", OpenAI, 0.0025, 0.01,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapJSONMode}},
	{"gpt-4o-mini", OpenAI, 0.00015, 0.0006,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapJSONMode}},
	{"gpt-4.1", OpenAI, 0.002, 0.008,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapJSONMode, CapLongContext}},
	{"gpt-4.1-mini", OpenAI, 0.0004, 0.0016,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapJSONMode, CapLongContext}},
	{"o3-mini", OpenAI, 0.0011, 0.0044,
		[]string{CapChat, CapStreaming, CapFunctionCalling, CapJSONMode, CapReasoning}},

	// Anthropic
	{"claude-opus-4-5", Anthropic, 0.005, 0.025,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapReasoning, CapLongContext}},
	{"claude-sonnet-4-5", Anthropic, 0.003, 0.015,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapReasoning, CapLongContext}},
	{"claude-haiku-4-5", Anthropic, 0.001, 0.005,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapLongContext}},
	{"claude-3-5-haiku-20241022", Anthropic, 0.0008, 0.004,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling}},

	// Google
	{"gemini-2.5-pro", Google, 0.00125, 0.01,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapJSONMode, CapReasoning, CapLongContext}},
	{"gemini-2.5-flash", Google, 0.0003, 0.0025,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapJSONMode, CapLongContext}},
	{"gemini-2.0-flash", Google, 0.0001, 0.0004,
		[]string{CapChat, CapStreaming, CapVision, CapFunctionCalling, CapJSONMode, CapLongContext}},
}

// LookupModel returns the catalog entry for an exact model id.
func LookupModel(model string) (ModelPricing, bool) {
	for _, m := range Catalog {
		if m.Model == model {
			return m, true
		}
	}
	return ModelPricing{}, false
}

// ResolveProvider maps a model id to the provider that serves it. Unknown
// models are an error — the gateway never guesses a provider for a model it
// has no pricing for.
func ResolveProvider(model string) (Name, error) {
	if m, ok := LookupModel(model); ok {
		return m.Provider, nil
	}
	return "", fmt.Errorf("providers: no provider serves model %q", model)
}

// ModelsFor returns every catalog entry served by the given provider.
func ModelsFor(p Name) []ModelPricing {
	var out []ModelPricing
	for _, m := range Catalog {
		if m.Provider == p {
			out = append(out, m)
		}
	}
	return out
}
