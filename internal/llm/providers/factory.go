package providers

import (
	"fmt"
	"net/http"

	"memoryagent/internal/config"
	"memoryagent/internal/llm"
	"memoryagent/internal/llm/anthropic"
	"memoryagent/internal/llm/google"
	openaillm "memoryagent/internal/llm/openai"
)

// Build constructs the llm.Provider the memory engine's Agent and Distiller
// both talk to, chosen by cfg.LLMClient.Provider:
//   - openai: the Chat Completions client
//   - local: the same client pointed at a self-hosted completions-compatible
//     endpoint (e.g. llama.cpp, vLLM)
//   - anthropic: the Messages API client
//   - google: the Gemini client
func Build(cfg config.Config, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.LLMClient.Provider {
	case "", "openai":
		return openaillm.New(cfg.LLMClient.OpenAI, httpClient), nil
	case "local":
		oc := cfg.LLMClient.OpenAI
		oc.API = "completions"
		return openaillm.New(oc, httpClient), nil
	case "anthropic":
		return anthropic.New(cfg.LLMClient.Anthropic, httpClient), nil
	case "google":
		gc, err := google.New(cfg.LLMClient.Google, httpClient)
		if err != nil {
			return nil, err
		}
		return gc, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLMClient.Provider)
	}
}
