package pipeline

import (
	"context"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/policy"
	"github.com/iago/knowledge-pipeline/internal/service"
)

const (
	defaultGenerationTokens = 2000
	generationInstructions  = "You are a technical writer for a company knowledge base. " +
		"Write clear, well structured markdown that starts with a single top level heading."
)

type GenerationResult struct {
	DocumentID   string `json:"document_id"`
	Title        string `json:"title"`
	TokensInput  int    `json:"tokens_input"`
	TokensOutput int    `json:"tokens_output"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
}

// Generate writes a draft document from a prompt.
func (p *Pipeline) Generate(ctx context.Context, job *domain.Job, payload domain.Payload) (any, error) {
	in, err := payloadAs[domain.GenerationPayload](payload)
	if err != nil {
		return nil, err
	}
	if err := policy.EnforcePromptPolicy(in.Prompt); err != nil {
		return nil, err
	}

	profile := p.deps.Router.SelectModel(ai.TaskGeneration, in.Model)
	profile.MaxOutputTokens = defaultGenerationTokens
	if in.MaxTokens > 0 {
		profile.MaxOutputTokens = in.MaxTokens
	}

	generated, err := ai.GenerateWithFallback(ctx, p.deps.Generator, profile, generationInstructions, in.Prompt)
	if err != nil {
		return nil, err
	}

	output, err := p.deps.Validator.ValidateGenerated(in.Prompt, generated.Text)
	if err != nil {
		return nil, err
	}
	if output.Corrected || output.Truncated {
		p.logf("generated content sanitized job_id=%s corrected=%t truncated=%t", job.ID, output.Corrected, output.Truncated)
	}

	doc, err := p.createDraft(ctx, job.TenantID, in.UserID, output.Title, output.Content, map[string]any{
		"source": "ai_generation",
		"model":  generated.ModelID,
	})
	if err != nil {
		return nil, err
	}

	p.recordLineage(ctx, doc, domain.LineageAIGenerated, in.UserID, map[string]any{
		"model":         generated.ModelID,
		"provider":      generated.Provider,
		"prompt_length": len(in.Prompt),
		"output_length": len(output.Content),
	})

	tokensIn := generated.Usage.InputTokens
	if tokensIn == 0 {
		tokensIn = chunker.EstimateTokens(in.Prompt)
	}
	tokensOut := generated.Usage.OutputTokens
	if tokensOut == 0 {
		tokensOut = chunker.EstimateTokens(output.Content)
	}

	p.recordUsage(ctx, domain.UsageRecord{
		TenantID:     job.TenantID,
		UserID:       in.UserID,
		QueryType:    domain.QueryTextGeneration,
		Model:        generated.ModelID,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
		Credits:      in.EstimatedCredits,
		Metadata: map[string]any{
			"job_id":         job.ID,
			"document_id":    doc.ID,
			"actual_credits": service.TextGenerationCredits(tokensIn+tokensOut, generated.ModelID),
		},
	})

	return GenerationResult{
		DocumentID:   doc.ID,
		Title:        doc.Title,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		Model:        generated.ModelID,
		Provider:     generated.Provider,
	}, nil
}
