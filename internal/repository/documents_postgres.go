package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore implements Store on Postgres with the pgvector extension.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.pool.QueryRow(ctx, `SELECT id, name, active FROM tenants WHERE id = $1`, tenantID).
		Scan(&tenant.ID, &tenant.Name, &tenant.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return &tenant, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, tenantID, documentID string) (*domain.Document, error) {
	var (
		doc      domain.Document
		status   string
		authorID *string
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, content, status, author_id, metadata, last_indexed_at, created_at, updated_at
		FROM documents
		WHERE id = $1 AND tenant_id = $2
	`, documentID, tenantID).Scan(
		&doc.ID,
		&doc.TenantID,
		&doc.Title,
		&doc.Content,
		&status,
		&authorID,
		&metadata,
		&doc.LastIndexedAt,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query document: %w", err)
	}

	doc.Status = domain.DocumentStatus(status)
	if authorID != nil {
		doc.AuthorID = *authorID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode document metadata: %w", err)
		}
	}
	return &doc, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	metadata, err := domain.MarshalMetadata(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode document metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (id, tenant_id, title, content, status, author_id, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		doc.ID,
		doc.TenantID,
		doc.Title,
		doc.Content,
		string(doc.Status),
		doc.AuthorID,
		metadata,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkIndexed(ctx context.Context, tenantID, documentID string, at time.Time) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE documents SET last_indexed_at = $3, updated_at = $3
		WHERE id = $1 AND tenant_id = $2
	`, documentID, tenantID, at)
	if err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDocumentIDsByAuthor(ctx context.Context, tenantID, authorID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text FROM documents WHERE tenant_id = $1 AND author_id = $2 ORDER BY id
	`, tenantID, authorID)
	if err != nil {
		return nil, fmt.Errorf("list documents by author: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan document ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteDocuments(ctx context.Context, tenantID string, documentIDs []string) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	command, err := s.pool.Exec(ctx, `
		DELETE FROM documents WHERE tenant_id = $1 AND id::text = ANY($2)
	`, tenantID, documentIDs)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) ReplaceEmbeddings(
	ctx context.Context,
	tenantID string,
	documentID string,
	records []domain.EmbeddingRecord,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin embeddings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM document_embeddings WHERE document_id = $1 AND tenant_id = $2
	`, documentID, tenantID); err != nil {
		return fmt.Errorf("delete previous embeddings: %w", err)
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		if record.TenantID != tenantID || record.DocumentID != documentID {
			return &domain.DataIntegrityError{Reason: "embedding record does not belong to document"}
		}
		metadata, err := domain.MarshalMetadata(record.Metadata)
		if err != nil {
			return fmt.Errorf("encode embedding metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO document_embeddings (id, document_id, tenant_id, chunk_index, chunk_content, embedding, metadata, created_at)
			VALUES ($1,$2,$3,$4,$5,$6::vector,$7,$8)
		`,
			record.ID,
			record.DocumentID,
			record.TenantID,
			record.ChunkIndex,
			record.ChunkContent,
			pgvector.NewVector(record.Embedding),
			metadata,
			record.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert embeddings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit embeddings tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEmbeddings(ctx context.Context, tenantID string, documentIDs []string) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	command, err := s.pool.Exec(ctx, `
		DELETE FROM document_embeddings WHERE tenant_id = $1 AND document_id::text = ANY($2)
	`, tenantID, documentIDs)
	if err != nil {
		return 0, fmt.Errorf("delete embeddings: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) HybridSearch(ctx context.Context, query HybridQuery) ([]domain.SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		WITH q AS (
			SELECT $2::vector AS v, plainto_tsquery('english', $3) AS tsq
		)
		SELECT e.id, e.document_id, e.tenant_id, e.chunk_index, e.chunk_content, e.embedding, e.metadata, e.created_at,
			1 - (e.embedding <=> q.v) AS similarity,
			ts_rank(e.content_tsv, q.tsq) AS text_rank
		FROM document_embeddings e, q
		WHERE e.tenant_id = $1
		ORDER BY $4::float8 * (1 - (e.embedding <=> q.v)) + $5::float8 * ts_rank(e.content_tsv, q.tsq) DESC
		LIMIT $6
	`, query.TenantID, pgvector.NewVector(query.Embedding), query.Text, VectorWeight, TextWeight, query.Limit)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	defer rows.Close()

	results := make([]domain.SearchResult, 0, query.Limit)
	for rows.Next() {
		var result domain.SearchResult
		record, err := scanEmbedding(rows, &result.Similarity, &result.TextRank)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		result.EmbeddingRecord = *record
		result.CombinedScore = VectorWeight*result.Similarity + TextWeight*result.TextRank
		results = append(results, result)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate search results: %w", rows.Err())
	}
	return results, nil
}

func (s *PostgresStore) GetChunk(ctx context.Context, tenantID, chunkID string) (*domain.EmbeddingRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, document_id, tenant_id, chunk_index, chunk_content, embedding, metadata, created_at
		FROM document_embeddings
		WHERE id::text = $1 AND tenant_id = $2
	`, chunkID, tenantID)
	record, err := scanEmbedding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query chunk: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (domain.IndexStats, error) {
	var stats domain.IndexStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT document_id) FROM document_embeddings WHERE tenant_id = $1
	`, tenantID).Scan(&stats.TotalChunks, &stats.TotalDocuments)
	if err != nil {
		return domain.IndexStats{}, fmt.Errorf("query embedding stats: %w", err)
	}
	stats.AvgChunksPerDocument = averageChunks(stats.TotalChunks, stats.TotalDocuments)
	return stats, nil
}

func (s *PostgresStore) RecordLineage(ctx context.Context, event domain.LineageEvent) error {
	metadata, err := domain.MarshalMetadata(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode lineage metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO document_lineage (id, document_id, tenant_id, event_type, actor_id, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, event.ID, event.DocumentID, event.TenantID, string(event.EventType), event.ActorID, metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lineage: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLineage(ctx context.Context, tenantID string, documentIDs []string) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	command, err := s.pool.Exec(ctx, `
		DELETE FROM document_lineage WHERE tenant_id = $1 AND document_id::text = ANY($2)
	`, tenantID, documentIDs)
	if err != nil {
		return 0, fmt.Errorf("delete lineage: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, record domain.UsageRecord) error {
	metadata, err := domain.MarshalMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode usage metadata: %w", err)
	}
	var userID *string
	if record.UserID != "" {
		userID = &record.UserID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO query_usage (id, tenant_id, user_id, query_type, model, input_tokens, output_tokens, credits, month_year, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		record.ID,
		record.TenantID,
		userID,
		string(record.QueryType),
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.Credits,
		record.MonthYear,
		metadata,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) AnonymizeUsage(ctx context.Context, tenantID, userID string, at time.Time) (int, error) {
	command, err := s.pool.Exec(ctx, `
		UPDATE query_usage
		SET user_id = NULL,
			metadata = metadata || jsonb_build_object(
				'anonymized', true,
				'original_user_deleted', true,
				'deletion_date', $3::text
			)
		WHERE tenant_id = $1 AND user_id = $2 AND query_type <> $4
	`, tenantID, userID, at.UTC().Format(time.RFC3339), string(domain.QueryAccountDeletion))
	if err != nil {
		return 0, fmt.Errorf("anonymize usage: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) AnonymizeUser(ctx context.Context, tenantID, userID string, at time.Time) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE users SET email = $3, full_name = $4, status = $5, updated_at = $6
		WHERE id = $1 AND tenant_id = $2
	`, userID, tenantID, AnonymizedEmail(userID), AnonymizedName, string(domain.UserStatusDeleted), at)
	if err != nil {
		return fmt.Errorf("anonymize user: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTemplatesByOwner(ctx context.Context, tenantID, ownerID string) (int, error) {
	command, err := s.pool.Exec(ctx, `
		DELETE FROM templates WHERE tenant_id = $1 AND owner_id = $2
	`, tenantID, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete templates: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func scanEmbedding(row pgx.Row, extra ...any) (*domain.EmbeddingRecord, error) {
	var (
		record   domain.EmbeddingRecord
		vector   pgvector.Vector
		metadata []byte
	)
	dest := []any{
		&record.ID,
		&record.DocumentID,
		&record.TenantID,
		&record.ChunkIndex,
		&record.ChunkContent,
		&vector,
		&metadata,
		&record.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	record.Embedding = vector.Slice()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode embedding metadata: %w", err)
		}
	}
	return &record, nil
}
