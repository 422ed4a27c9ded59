package ai

import (
	"context"
	"fmt"
	"strings"
)

type TaskKind string

const (
	TaskGeneration TaskKind = "generation"
	TaskChat       TaskKind = "chat"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

type ModelRouterConfig struct {
	GenerationPrimary  string
	GenerationFallback string

	ChatPrimary  string
	ChatFallback string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.GenerationPrimary) == "" {
		config.GenerationPrimary = "gpt-4.1"
	}
	if strings.TrimSpace(config.GenerationFallback) == "" {
		config.GenerationFallback = "gpt-4.1-mini"
	}
	if strings.TrimSpace(config.ChatPrimary) == "" {
		config.ChatPrimary = "gpt-4.1-mini"
	}
	if strings.TrimSpace(config.ChatFallback) == "" {
		config.ChatFallback = "gpt-4.1-nano"
	}

	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	switch task {
	case TaskGeneration:
		return ModelProfile{
			PrimaryModel:    r.config.GenerationPrimary,
			FallbackModel:   r.config.GenerationFallback,
			Temperature:     0.7,
			MaxOutputTokens: 4000,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.ChatPrimary,
			FallbackModel:   r.config.ChatFallback,
			Temperature:     0.2,
			MaxOutputTokens: 1200,
		}
	}
}

// SelectModel returns the profile for task with an explicit model taking the primary slot.
func (r *ModelRouter) SelectModel(task TaskKind, model string) ModelProfile {
	profile := r.Select(task)
	if model = strings.TrimSpace(model); model != "" && model != profile.PrimaryModel {
		profile.FallbackModel = profile.PrimaryModel
		profile.PrimaryModel = model
	}
	return profile
}

// GenerateWithFallback tries the primary model, then the fallback model once.
func GenerateWithFallback(
	ctx context.Context,
	generator Generator,
	profile ModelProfile,
	instructions string,
	input string,
) (GenerateResult, error) {
	if generator == nil || !generator.Available() {
		return GenerateResult{}, ErrProviderUnavailable
	}

	primary, err := generator.Generate(ctx, GenerateRequest{
		Model:           profile.PrimaryModel,
		Instructions:    instructions,
		Input:           input,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
	})
	if err == nil {
		primary.ModelID = firstNonEmpty(primary.ModelID, profile.PrimaryModel)
		return primary, nil
	}
	if ctx.Err() != nil {
		return GenerateResult{}, err
	}

	if strings.TrimSpace(profile.FallbackModel) == "" || profile.FallbackModel == profile.PrimaryModel {
		return GenerateResult{}, err
	}

	fallback, fallbackErr := generator.Generate(ctx, GenerateRequest{
		Model:           profile.FallbackModel,
		Instructions:    instructions,
		Input:           input,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
	})
	if fallbackErr != nil {
		return GenerateResult{}, fmt.Errorf("primary model failed: %v; fallback failed: %w", err, fallbackErr)
	}
	fallback.ModelID = firstNonEmpty(fallback.ModelID, profile.FallbackModel)
	return fallback, nil
}
