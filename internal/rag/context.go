package rag

import (
	"fmt"
	"strings"

	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/domain"
)

const (
	DefaultMaxContextChunks = 10
	DefaultContextTokens    = 6000
)

// selectContext keeps search order, drops duplicate chunks and stops at maxChunks or the token budget.
// The first result is always kept so a small budget still yields context.
func selectContext(results []domain.SearchResult, maxChunks, tokenBudget int) ([]domain.SearchResult, int) {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxContextChunks
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultContextTokens
	}

	seenChunks := make(map[string]struct{}, len(results))
	seenText := make(map[string]struct{}, len(results))
	selected := make([]domain.SearchResult, 0, maxChunks)
	totalTokens := 0
	for _, result := range results {
		chunkKey := fmt.Sprintf("%s#%d", result.DocumentID, result.ChunkIndex)
		textKey := strings.ToLower(strings.Join(strings.Fields(result.ChunkContent), " "))
		if _, dup := seenChunks[chunkKey]; dup {
			continue
		}
		if _, dup := seenText[textKey]; dup {
			continue
		}

		tokens := chunker.EstimateTokens(result.ChunkContent)
		if tokens == 0 {
			continue
		}
		if len(selected) > 0 && totalTokens+tokens > tokenBudget {
			continue
		}

		seenChunks[chunkKey] = struct{}{}
		seenText[textKey] = struct{}{}
		selected = append(selected, result)
		totalTokens += tokens
		if len(selected) >= maxChunks {
			break
		}
	}
	return selected, totalTokens
}

func citationsFor(results []domain.SearchResult) []domain.Citation {
	citations := make([]domain.Citation, 0, len(results))
	for i, result := range results {
		score := result.CombinedScore
		if result.RerankScore != nil {
			score = *result.RerankScore
		}
		citations = append(citations, domain.Citation{
			Index:      i + 1,
			DocumentID: result.DocumentID,
			ChunkIndex: result.ChunkIndex,
			Title:      blockTitle(result),
			Score:      score,
			Content:    result.ChunkContent,
			Metadata:   result.Metadata,
		})
	}
	return citations
}
