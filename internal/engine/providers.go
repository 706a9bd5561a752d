package engine

import (
	"fmt"
	"net/http"
	"net/url"

	"rotaforge/engine/internal/anthropic"
	"rotaforge/engine/internal/config"
	"rotaforge/engine/internal/egress"
	"rotaforge/engine/internal/llm"
	"rotaforge/engine/internal/ollama"
)

func newToolClient(cfg *config.Config) (llm.ToolClient, string, error) {
	switch cfg.Agent.Provider {
	case config.ProviderAnthropic:
		opts := anthropic.Options{
			BaseURL:   cfg.Agent.BaseURL,
			MaxTokens: cfg.Agent.MaxTokens,
			Timeout:   cfg.Agent.Timeout,
		}
		if cfg.Agent.BaseURL != "" {
			u, err := url.Parse(cfg.Agent.BaseURL)
			if err != nil || u.Hostname() == "" {
				return nil, "", fmt.Errorf("invalid agent.base_url %q", cfg.Agent.BaseURL)
			}
			opts.HTTPClient = &http.Client{
				Timeout:   cfg.Agent.Timeout,
				Transport: egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{u.Hostname()}),
			}
		}
		return anthropic.NewClient(opts), anthropic.ProviderID, nil
	case config.ProviderOllama:
		client, err := ollama.NewClient(ollama.Options{
			BaseURL: cfg.Agent.BaseURL,
			Timeout: cfg.Agent.Timeout,
			NumCtx:  cfg.Agent.NumCtx,
		})
		if err != nil {
			return nil, "", err
		}
		return client, ollama.ProviderID, nil
	case config.ProviderFake:
		return newFakeClient(), config.ProviderFake, nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q", cfg.Agent.Provider)
	}
}
