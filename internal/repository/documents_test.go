package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

func record(id, tenantID, documentID string, index int, content string, vector []float32) domain.EmbeddingRecord {
	return domain.EmbeddingRecord{
		ID:           id,
		DocumentID:   documentID,
		TenantID:     tenantID,
		ChunkIndex:   index,
		ChunkContent: content,
		Embedding:    vector,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestHybridSearchNeverCrossesTenants(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.ReplaceEmbeddings(ctx, "t1", "d1", []domain.EmbeddingRecord{
		record("c1", "t1", "d1", 0, "billing invoices and refunds", []float32{1, 0}),
	})
	_ = store.ReplaceEmbeddings(ctx, "t2", "d2", []domain.EmbeddingRecord{
		record("c2", "t2", "d2", 0, "billing invoices and refunds", []float32{1, 0}),
	})

	results, err := store.HybridSearch(ctx, HybridQuery{TenantID: "t1", Embedding: []float32{1, 0}, Text: "billing", Limit: 10})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].TenantID != "t1" {
		t.Fatalf("expected only tenant t1 results, got %+v", results)
	}
	if results[0].CombinedScore <= results[0].Similarity*VectorWeight {
		t.Fatalf("expected text rank to contribute to combined score")
	}

	if _, err := store.GetChunk(ctx, "t1", "c2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cross-tenant chunk lookup to fail, got %v", err)
	}
}

func TestReplaceEmbeddingsSwapsWholeDocument(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.ReplaceEmbeddings(ctx, "t1", "d1", []domain.EmbeddingRecord{
		record("a", "t1", "d1", 0, "one", []float32{1}),
		record("b", "t1", "d1", 1, "two", []float32{1}),
		record("c", "t1", "d1", 2, "three", []float32{1}),
	})
	if err := store.ReplaceEmbeddings(ctx, "t1", "d1", []domain.EmbeddingRecord{
		record("d", "t1", "d1", 0, "fresh", []float32{1}),
	}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	stats, _ := store.Stats(ctx, "t1")
	if stats.TotalChunks != 1 || stats.TotalDocuments != 1 || stats.AvgChunksPerDocument != 1 {
		t.Fatalf("unexpected stats after replace: %+v", stats)
	}

	err := store.ReplaceEmbeddings(ctx, "t1", "d1", []domain.EmbeddingRecord{
		record("e", "t1", "d1", 0, "x", []float32{1}),
		record("f", "t1", "d1", 0, "y", []float32{1}),
	})
	var integrity *domain.DataIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected integrity error for duplicate chunk index, got %v", err)
	}
}

func TestAnonymizeUsageMarksMetadata(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.RecordUsage(ctx, domain.UsageRecord{ID: "u1", TenantID: "t1", UserID: "user-1", QueryType: domain.QueryTextGeneration})
	_ = store.RecordUsage(ctx, domain.UsageRecord{ID: "u2", TenantID: "t1", UserID: "user-2", QueryType: domain.QueryTextGeneration})

	updated, err := store.AnonymizeUsage(ctx, "t1", "user-1", time.Now())
	if err != nil || updated != 1 {
		t.Fatalf("expected 1 anonymized record, got %d (%v)", updated, err)
	}
	for _, usage := range store.Usage() {
		if usage.ID == "u1" && (usage.UserID != "" || usage.Metadata["anonymized"] != true) {
			t.Fatalf("expected u1 anonymized, got %+v", usage)
		}
		if usage.ID == "u2" && usage.UserID != "user-2" {
			t.Fatalf("expected u2 untouched")
		}
	}
}
