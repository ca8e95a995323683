// Package llm provides the reasoning-model client used for candidate
// reranking and synthesis merges. The engine only ever asks the model for
// bounded tasks over content it supplies; it never lets the model generate
// open-ended navigation targets.
package llm

import (
	"fmt"

	"trailengine/internal/config"
	"trailengine/internal/types"
)

// NewClient creates an LLM client from configuration.
func NewClient(cfg config.LLMConfig) (types.LLMClient, error) {
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(cfg), nil
	}
	return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
}
