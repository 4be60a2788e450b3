package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderExec   = "exec"
	ProviderNone   = "none"
)

type FactoryConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	Temperature float64
	MaxRetries  int
	ExecCommand []string
	ExecTimeout time.Duration
}

type Credentials struct {
	OpenAIKey string
	GoogleKey string
}

// NewClient builds the configured provider. Provider "none" yields a nil client,
// which routes every oracle decision through the unavailable path.
func NewClient(ctx context.Context, cfg FactoryConfig, creds Credentials) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		client, err := NewOpenAIClient(OpenAIConfig{
			APIKey:      creds.OpenAIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxRetries:  cfg.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderGemini:
		client, err := NewGeminiClient(ctx, GeminiConfig{
			APIKey:      creds.GoogleKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderExec:
		client, err := NewExecClient(ExecConfig{Command: cfg.ExecCommand, Timeout: cfg.ExecTimeout})
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown oracle provider: %s", cfg.Provider)
	}
}
