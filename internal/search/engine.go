// Package search ranks a tenant's indexed chunks by hybrid vector and full-text score,
// with an optional rerank pass.
package search

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/cache"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/repository"
)

const (
	DefaultLimit        = 50
	MaxLimit            = 200
	DefaultRerankTopN   = 10
	DefaultSimilarLimit = 10
)

type Request struct {
	TenantID     string
	Query        string
	Limit        int
	UseReranking bool
	RerankTopN   int
}

// NewRequest returns a request with the default limit and reranking enabled.
func NewRequest(tenantID, query string) Request {
	return Request{
		TenantID:     tenantID,
		Query:        query,
		Limit:        DefaultLimit,
		UseReranking: true,
		RerankTopN:   DefaultRerankTopN,
	}
}

type Dependencies struct {
	Store      repository.EmbeddingStore
	Embedder   ai.Embedder
	Reranker   ai.Reranker
	QueryCache *cache.TTLCache[[]float32]
	Logger     *log.Logger
}

type Engine struct {
	store      repository.EmbeddingStore
	embedder   ai.Embedder
	reranker   ai.Reranker
	queryCache *cache.TTLCache[[]float32]
	logger     *log.Logger
}

func NewEngine(deps Dependencies) *Engine {
	if deps.QueryCache == nil {
		deps.QueryCache = cache.New[[]float32](cache.Config{})
	}
	return &Engine{
		store:      deps.Store,
		embedder:   deps.Embedder,
		reranker:   deps.Reranker,
		queryCache: deps.QueryCache,
		logger:     deps.Logger,
	}
}

// Search never fails because of the rerank pass: a rerank error returns the first RerankTopN
// hybrid results instead.
func (e *Engine) Search(ctx context.Context, request Request) ([]domain.SearchResult, error) {
	request.Query = strings.TrimSpace(request.Query)
	if request.TenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if request.Query == "" {
		return nil, domain.NewValidationError("query", "is required")
	}
	request = normalizeRequest(request)

	embedding, err := e.queryEmbedding(ctx, request.TenantID, request.Query)
	if err != nil {
		return nil, err
	}

	results, err := e.store.HybridSearch(ctx, repository.HybridQuery{
		TenantID:  request.TenantID,
		Embedding: embedding,
		Text:      request.Query,
		Limit:     request.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	results = scopeToTenant(results, request.TenantID)

	if !request.UseReranking || e.reranker == nil || len(results) == 0 {
		return results, nil
	}
	return e.rerank(ctx, request, results), nil
}

// FindSimilar uses a stored chunk as the query and excludes it from the results.
func (e *Engine) FindSimilar(ctx context.Context, tenantID, chunkID string, limit int) ([]domain.SearchResult, error) {
	if tenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	source, err := e.store.GetChunk(ctx, tenantID, chunkID)
	if err != nil {
		return nil, err
	}

	results, err := e.store.HybridSearch(ctx, repository.HybridQuery{
		TenantID:  tenantID,
		Embedding: source.Embedding,
		Text:      source.ChunkContent,
		Limit:     limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}

	similar := make([]domain.SearchResult, 0, limit)
	for _, result := range scopeToTenant(results, tenantID) {
		if result.ID == source.ID {
			continue
		}
		similar = append(similar, result)
		if len(similar) == limit {
			break
		}
	}
	return similar, nil
}

func (e *Engine) Stats(ctx context.Context, tenantID string) (domain.IndexStats, error) {
	if tenantID == "" {
		return domain.IndexStats{}, domain.NewValidationError("tenant_id", "is required")
	}
	return e.store.Stats(ctx, tenantID)
}

func (e *Engine) queryEmbedding(ctx context.Context, tenantID, query string) ([]float32, error) {
	return e.queryCache.GetOrLoad(ctx, cache.Key(tenantID, query), func(ctx context.Context) ([]float32, error) {
		vectors, err := e.embedder.Embed(ctx, []string{query}, ai.EmbedModeQuery)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(vectors) != 1 || len(vectors[0]) == 0 {
			return nil, fmt.Errorf("embed query: expected one vector, got %d", len(vectors))
		}
		return vectors[0], nil
	})
}

// rerank scores the first 2*topN candidates. Reranked results come first by score,
// the rest keep their hybrid order.
func (e *Engine) rerank(ctx context.Context, request Request, results []domain.SearchResult) []domain.SearchResult {
	candidateCount := 2 * request.RerankTopN
	if candidateCount > len(results) {
		candidateCount = len(results)
	}
	documents := make([]string, candidateCount)
	for i := 0; i < candidateCount; i++ {
		documents[i] = results[i].ChunkContent
	}

	scored, err := e.reranker.Rerank(ctx, request.Query, documents, request.RerankTopN)
	if err != nil {
		e.logf("rerank failed, using hybrid order tenant_id=%s candidates=%d err=%v", request.TenantID, candidateCount, err)
		return topN(results, request.RerankTopN)
	}

	for _, item := range scored {
		if item.Index < 0 || item.Index >= candidateCount {
			continue
		}
		score := item.Score
		results[item.Index].RerankScore = &score
	}

	sort.SliceStable(results, func(i, j int) bool {
		left, right := results[i].RerankScore, results[j].RerankScore
		switch {
		case left != nil && right != nil:
			return *left > *right
		case left != nil:
			return true
		default:
			return false
		}
	})
	return results
}

func normalizeRequest(request Request) Request {
	if request.Limit <= 0 {
		request.Limit = DefaultLimit
	}
	if request.Limit > MaxLimit {
		request.Limit = MaxLimit
	}
	if request.RerankTopN <= 0 {
		request.RerankTopN = DefaultRerankTopN
	}
	return request
}

func scopeToTenant(results []domain.SearchResult, tenantID string) []domain.SearchResult {
	scoped := results[:0]
	for _, result := range results {
		if result.TenantID == tenantID {
			scoped = append(scoped, result)
		}
	}
	return scoped
}

func topN(results []domain.SearchResult, n int) []domain.SearchResult {
	if len(results) > n {
		return results[:n]
	}
	return results
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
