package agent

import "strings"

// Canonical model ids for the short aliases users type in chat and job rows.
const (
	modelOpus   = "claude-opus-4-5-20251101"
	modelSonnet = "claude-sonnet-4-5-20250929"
	modelHaiku  = "claude-haiku-4-5-20251001"
)

// ModelChoice is a resolved model id plus the provider that serves it.
type ModelChoice struct {
	Model    string
	Provider string // claude|ollama
}

// ResolveModel maps a raw model string to a concrete choice. Short aliases
// (opus, sonnet, haiku, case-insensitive) expand to canonical claude ids;
// an "ollama:" prefix routes to the local-model provider with the prefix
// stripped; anything else passes through verbatim as a claude model.
// Empty input resolves to nil.
func ResolveModel(raw string) *ModelChoice {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	switch strings.ToLower(raw) {
	case "opus":
		return &ModelChoice{Model: modelOpus, Provider: "claude"}
	case "sonnet":
		return &ModelChoice{Model: modelSonnet, Provider: "claude"}
	case "haiku":
		return &ModelChoice{Model: modelHaiku, Provider: "claude"}
	}

	if len(raw) > 7 && strings.EqualFold(raw[:7], "ollama:") {
		return &ModelChoice{Model: strings.TrimSpace(raw[7:]), Provider: "ollama"}
	}

	return &ModelChoice{Model: raw, Provider: "claude"}
}
