package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/domain"
)

type IndexResult struct {
	DocumentID          string `json:"document_id"`
	ChunksCreated       int    `json:"chunks_created"`
	EmbeddingsGenerated int    `json:"embeddings_generated"`
}

// Index chunks a document, embeds every chunk and swaps the stored embeddings in one step.
func (p *Pipeline) Index(ctx context.Context, job *domain.Job, payload domain.Payload) (any, error) {
	in, err := payloadAs[domain.IndexingPayload](payload)
	if err != nil {
		return nil, err
	}
	if p.deps.Embedder == nil {
		return nil, ai.ErrProviderUnavailable
	}

	doc, err := p.deps.Documents.GetDocument(ctx, job.TenantID, in.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", in.DocumentID, err)
	}

	chunks, err := p.deps.Chunker.Chunk(doc.Content, doc.Title)
	if err != nil {
		return nil, err
	}

	report := p.deps.Chunker.Validate(chunks)
	for _, issue := range report.Issues {
		p.logf("chunk validation document_id=%s index=%d problem=%q", doc.ID, issue.Index, issue.Problem)
	}
	stats := chunker.ComputeStats(chunks)
	p.logf("document chunked document_id=%s chunks=%d tokens=%d avg_tokens=%.1f min=%d max=%d headed=%d",
		doc.ID, stats.TotalChunks, stats.TotalTokens, stats.AvgTokens, stats.MinTokens, stats.MaxTokens, stats.HeadedSections)

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	opts := p.deps.EmbedOptions
	opts.Mode = ai.EmbedModeDocument
	vectors, err := ai.EmbedAll(ctx, p.deps.Embedder, texts, opts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, &domain.DataIntegrityError{Reason: fmt.Sprintf("embedded %d of %d chunks", len(vectors), len(chunks))}
	}

	now := p.now()
	records := make([]domain.EmbeddingRecord, len(chunks))
	for i, chunk := range chunks {
		records[i] = domain.EmbeddingRecord{
			ID:           uuid.NewString(),
			DocumentID:   doc.ID,
			TenantID:     doc.TenantID,
			ChunkIndex:   chunk.Index,
			ChunkContent: chunk.Content,
			Embedding:    vectors[i],
			Metadata:     chunkMetadata(doc, chunk),
			CreatedAt:    now,
		}
	}

	if err := p.deps.Embeddings.ReplaceEmbeddings(ctx, doc.TenantID, doc.ID, records); err != nil {
		return nil, fmt.Errorf("store embeddings: %w", err)
	}
	if err := p.deps.Documents.MarkIndexed(ctx, doc.TenantID, doc.ID, now); err != nil {
		return nil, fmt.Errorf("mark indexed: %w", err)
	}

	return IndexResult{
		DocumentID:          doc.ID,
		ChunksCreated:       len(chunks),
		EmbeddingsGenerated: len(records),
	}, nil
}

func chunkMetadata(doc *domain.Document, chunk domain.SemanticChunk) map[string]any {
	metadata := map[string]any{
		"title":       doc.Title,
		"chunk_type":  chunk.Type,
		"token_count": chunk.TokenCount,
		"has_context": chunk.HasContext,
	}
	if chunk.Heading != "" {
		metadata["heading"] = chunk.Heading
		metadata["heading_level"] = chunk.HeadingLevel
	}
	return metadata
}
