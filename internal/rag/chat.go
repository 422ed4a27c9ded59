// Package rag answers questions over a tenant's corpus with cited search context.
package rag

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/search"
	"github.com/iago/knowledge-pipeline/internal/service"
)

const searchLimit = 50

type Searcher interface {
	Search(ctx context.Context, request search.Request) ([]domain.SearchResult, error)
}

type ChatRequest struct {
	TenantID         string
	UserID           string
	Query            string
	Model            string
	MaxContextChunks int
}

type Answer struct {
	Answer       string            `json:"answer"`
	Citations    []domain.Citation `json:"citations"`
	Model        string            `json:"model"`
	TokensInput  int               `json:"tokens_input"`
	TokensOutput int               `json:"tokens_output"`
}

// StreamOutcome is the terminal value of Stream: the final answer, or Err.
type StreamOutcome struct {
	Answer Answer
	Err    error
}

type Dependencies struct {
	Searcher      Searcher
	Generator     ai.Generator
	Router        *ai.ModelRouter
	Usage         repository.UsageStore
	ContextTokens int
	Logger        *log.Logger
}

type Service struct {
	searcher      Searcher
	generator     ai.Generator
	router        *ai.ModelRouter
	usage         repository.UsageStore
	contextTokens int
	logger        *log.Logger
	now           func() time.Time
}

func NewService(deps Dependencies) *Service {
	if deps.Router == nil {
		deps.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if deps.ContextTokens <= 0 {
		deps.ContextTokens = DefaultContextTokens
	}
	return &Service{
		searcher:      deps.Searcher,
		generator:     deps.Generator,
		router:        deps.Router,
		usage:         deps.Usage,
		contextTokens: deps.ContextTokens,
		logger:        deps.Logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type prepared struct {
	prompt    string
	context   []domain.SearchResult
	citations []domain.Citation
	profile   ai.ModelProfile
}

func (s *Service) prepare(ctx context.Context, request ChatRequest) (prepared, error) {
	request.Query = strings.TrimSpace(request.Query)
	if request.Query == "" {
		return prepared{}, domain.NewValidationError("query", "is required")
	}
	maxChunks := request.MaxContextChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxContextChunks
	}

	results, err := s.searcher.Search(ctx, search.Request{
		TenantID:     request.TenantID,
		Query:        request.Query,
		Limit:        searchLimit,
		UseReranking: true,
		RerankTopN:   maxChunks,
	})
	if err != nil {
		return prepared{}, err
	}

	selected, _ := selectContext(results, maxChunks, s.contextTokens)
	prompt, err := BuildPrompt(request.Query, selected)
	if err != nil {
		return prepared{}, err
	}
	return prepared{
		prompt:    prompt,
		context:   selected,
		citations: citationsFor(selected),
		profile:   s.router.SelectModel(ai.TaskChat, request.Model),
	}, nil
}

// Answer runs a blocking chat completion. Empty context short-circuits to NoContextAnswer.
func (s *Service) Answer(ctx context.Context, request ChatRequest) (Answer, error) {
	p, err := s.prepare(ctx, request)
	if err != nil {
		return Answer{}, err
	}
	if len(p.context) == 0 {
		return Answer{Answer: NoContextAnswer, Citations: p.citations}, nil
	}

	result, err := ai.GenerateWithFallback(ctx, s.generator, p.profile, "", p.prompt)
	if err != nil {
		return Answer{}, err
	}

	answer := Answer{
		Answer:       result.Text,
		Citations:    p.citations,
		Model:        result.ModelID,
		TokensInput:  tokensOr(result.Usage.InputTokens, p.prompt),
		TokensOutput: tokensOr(result.Usage.OutputTokens, result.Text),
	}
	s.recordUsage(ctx, request, answer)
	return answer, nil
}

// Stream forwards text deltas as they arrive and sends one StreamOutcome when done.
// Usage is recorded only after a stream that completes without error.
func (s *Service) Stream(ctx context.Context, request ChatRequest) (<-chan string, <-chan StreamOutcome) {
	deltas := make(chan string, 16)
	done := make(chan StreamOutcome, 1)

	go func() {
		defer close(done)
		defer close(deltas)
		done <- s.runStream(ctx, request, deltas)
	}()

	return deltas, done
}

func (s *Service) runStream(ctx context.Context, request ChatRequest, deltas chan<- string) StreamOutcome {
	p, err := s.prepare(ctx, request)
	if err != nil {
		return StreamOutcome{Err: err}
	}
	if len(p.context) == 0 {
		select {
		case deltas <- NoContextAnswer:
		case <-ctx.Done():
			return StreamOutcome{Err: ctx.Err()}
		}
		return StreamOutcome{Answer: Answer{Answer: NoContextAnswer, Citations: p.citations}}
	}
	if s.generator == nil || !s.generator.Available() {
		return StreamOutcome{Err: ai.ErrProviderUnavailable}
	}

	upstream, result := s.generator.Stream(ctx, ai.GenerateRequest{
		Model:           p.profile.PrimaryModel,
		Input:           p.prompt,
		Temperature:     p.profile.Temperature,
		MaxOutputTokens: p.profile.MaxOutputTokens,
	})

	var text strings.Builder
	for delta := range upstream {
		text.WriteString(delta)
		if ctx.Err() != nil {
			continue
		}
		select {
		case deltas <- delta:
		case <-ctx.Done():
		}
	}

	final := <-result
	if final.Err != nil {
		return StreamOutcome{Err: final.Err}
	}
	if ctx.Err() != nil {
		return StreamOutcome{Err: ctx.Err()}
	}

	answerText := final.Text
	if answerText == "" {
		answerText = text.String()
	}
	answer := Answer{
		Answer:       answerText,
		Citations:    p.citations,
		Model:        firstNonEmpty(final.ModelID, p.profile.PrimaryModel),
		TokensInput:  tokensOr(final.Usage.InputTokens, p.prompt),
		TokensOutput: tokensOr(final.Usage.OutputTokens, answerText),
	}
	s.recordUsage(ctx, request, answer)
	return StreamOutcome{Answer: answer}
}

func (s *Service) recordUsage(ctx context.Context, request ChatRequest, answer Answer) {
	if s.usage == nil {
		return
	}
	now := s.now()
	err := s.usage.RecordUsage(ctx, domain.UsageRecord{
		ID:           uuid.NewString(),
		TenantID:     request.TenantID,
		UserID:       request.UserID,
		QueryType:    domain.QueryRAGQuestion,
		Model:        answer.Model,
		InputTokens:  answer.TokensInput,
		OutputTokens: answer.TokensOutput,
		Credits:      service.RAGQuestionCredits(answer.Model),
		MonthYear:    now.Format("2006-01"),
		Metadata: map[string]any{
			"query_length": len(request.Query),
			"citations":    len(answer.Citations),
		},
		CreatedAt: now,
	})
	if err != nil && !errors.Is(err, context.Canceled) && s.logger != nil {
		s.logger.Printf("rag usage record failed tenant_id=%s err=%v", request.TenantID, err)
	}
}

// tokensOr falls back to an estimate when the provider reports no usage.
func tokensOr(reported int, text string) int {
	if reported > 0 {
		return reported
	}
	return chunker.EstimateTokens(text)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
