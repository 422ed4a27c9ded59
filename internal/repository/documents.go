package repository

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

const (
	VectorWeight = 0.7
	TextWeight   = 0.3
)

type DocumentStore interface {
	GetDocument(ctx context.Context, tenantID, documentID string) (*domain.Document, error)
	CreateDocument(ctx context.Context, doc *domain.Document) error
	MarkIndexed(ctx context.Context, tenantID, documentID string, at time.Time) error
	ListDocumentIDsByAuthor(ctx context.Context, tenantID, authorID string) ([]string, error)
	DeleteDocuments(ctx context.Context, tenantID string, documentIDs []string) (int, error)
}

// HybridQuery scores chunks of one tenant by vector similarity and full-text rank.
type HybridQuery struct {
	TenantID  string
	Embedding []float32
	Text      string
	Limit     int
}

type EmbeddingStore interface {
	// ReplaceEmbeddings swaps every record of a document inside one transaction.
	ReplaceEmbeddings(ctx context.Context, tenantID, documentID string, records []domain.EmbeddingRecord) error
	DeleteEmbeddings(ctx context.Context, tenantID string, documentIDs []string) (int, error)
	HybridSearch(ctx context.Context, query HybridQuery) ([]domain.SearchResult, error)
	GetChunk(ctx context.Context, tenantID, chunkID string) (*domain.EmbeddingRecord, error)
	Stats(ctx context.Context, tenantID string) (domain.IndexStats, error)
}

type LineageStore interface {
	RecordLineage(ctx context.Context, event domain.LineageEvent) error
	DeleteLineage(ctx context.Context, tenantID string, documentIDs []string) (int, error)
}

type UsageStore interface {
	RecordUsage(ctx context.Context, record domain.UsageRecord) error
	AnonymizeUsage(ctx context.Context, tenantID, userID string, at time.Time) (int, error)
}

type AccountStore interface {
	AnonymizeUser(ctx context.Context, tenantID, userID string, at time.Time) error
	DeleteTemplatesByOwner(ctx context.Context, tenantID, ownerID string) (int, error)
}

type TenantDirectory interface {
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
}

// Store bundles every document-side store the pipeline needs.
type Store interface {
	DocumentStore
	EmbeddingStore
	LineageStore
	UsageStore
	AccountStore
	TenantDirectory
}

// MemoryStore implements Store in memory for local development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]domain.Tenant
	users      map[string]domain.User
	documents  map[string]domain.Document
	embeddings map[string][]domain.EmbeddingRecord
	lineage    []domain.LineageEvent
	usage      []domain.UsageRecord
	templates  map[string]domain.Template
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]domain.Tenant),
		users:      make(map[string]domain.User),
		documents:  make(map[string]domain.Document),
		embeddings: make(map[string][]domain.EmbeddingRecord),
		templates:  make(map[string]domain.Template),
	}
}

func (s *MemoryStore) PutTenant(tenant domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = tenant
}

func (s *MemoryStore) PutUser(user domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *MemoryStore) PutTemplate(template domain.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[template.ID] = template
}

func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &tenant, nil
}

func (s *MemoryStore) GetUser(tenantID, userID string) (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok || user.TenantID != tenantID {
		return domain.User{}, false
	}
	return user, true
}

func (s *MemoryStore) GetDocument(_ context.Context, tenantID, documentID string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok || doc.TenantID != tenantID {
		return nil, ErrNotFound
	}
	doc.Metadata = cloneMap(doc.Metadata)
	return &doc, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ID]; exists {
		return domain.ErrConflict
	}
	stored := *doc
	stored.Metadata = cloneMap(doc.Metadata)
	s.documents[doc.ID] = stored
	return nil
}

func (s *MemoryStore) MarkIndexed(_ context.Context, tenantID, documentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok || doc.TenantID != tenantID {
		return ErrNotFound
	}
	indexedAt := at
	doc.LastIndexedAt = &indexedAt
	doc.UpdatedAt = at
	s.documents[documentID] = doc
	return nil
}

func (s *MemoryStore) ListDocumentIDsByAuthor(_ context.Context, tenantID, authorID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, doc := range s.documents {
		if doc.TenantID == tenantID && doc.AuthorID == authorID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) DeleteDocuments(_ context.Context, tenantID string, documentIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range documentIDs {
		doc, ok := s.documents[id]
		if !ok || doc.TenantID != tenantID {
			continue
		}
		delete(s.documents, id)
		delete(s.embeddings, id)
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) ReplaceEmbeddings(
	_ context.Context,
	tenantID string,
	documentID string,
	records []domain.EmbeddingRecord,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]struct{}, len(records))
	copied := make([]domain.EmbeddingRecord, 0, len(records))
	for _, record := range records {
		if record.TenantID != tenantID || record.DocumentID != documentID {
			return &domain.DataIntegrityError{Reason: "embedding record does not belong to document"}
		}
		if _, dup := seen[record.ChunkIndex]; dup {
			return &domain.DataIntegrityError{Reason: "duplicate chunk index in embedding batch"}
		}
		seen[record.ChunkIndex] = struct{}{}
		copied = append(copied, cloneRecord(record))
	}
	s.embeddings[documentID] = copied
	return nil
}

func (s *MemoryStore) DeleteEmbeddings(_ context.Context, tenantID string, documentIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range documentIDs {
		records := s.embeddings[id]
		if len(records) == 0 || records[0].TenantID != tenantID {
			continue
		}
		deleted += len(records)
		delete(s.embeddings, id)
	}
	return deleted, nil
}

// HybridSearch approximates the Postgres ranking: cosine similarity plus the share of query
// terms present in the chunk.
func (s *MemoryStore) HybridSearch(_ context.Context, query HybridQuery) ([]domain.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := tokenize(query.Text)
	results := make([]domain.SearchResult, 0)
	for _, records := range s.embeddings {
		for _, record := range records {
			if record.TenantID != query.TenantID {
				continue
			}
			similarity := cosineSimilarity(query.Embedding, record.Embedding)
			rank := termRank(terms, record.ChunkContent)
			results = append(results, domain.SearchResult{
				EmbeddingRecord: cloneRecord(record),
				Similarity:      similarity,
				TextRank:        rank,
				CombinedScore:   VectorWeight*similarity + TextWeight*rank,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore == results[j].CombinedScore {
			return results[i].ID < results[j].ID
		}
		return results[i].CombinedScore > results[j].CombinedScore
	})
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

func (s *MemoryStore) GetChunk(_ context.Context, tenantID, chunkID string) (*domain.EmbeddingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, records := range s.embeddings {
		for _, record := range records {
			if record.ID == chunkID && record.TenantID == tenantID {
				clone := cloneRecord(record)
				return &clone, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Stats(_ context.Context, tenantID string) (domain.IndexStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.IndexStats{}
	for _, records := range s.embeddings {
		if len(records) == 0 || records[0].TenantID != tenantID {
			continue
		}
		stats.TotalChunks += len(records)
		stats.TotalDocuments++
	}
	stats.AvgChunksPerDocument = averageChunks(stats.TotalChunks, stats.TotalDocuments)
	return stats, nil
}

func (s *MemoryStore) RecordLineage(_ context.Context, event domain.LineageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Metadata = cloneMap(event.Metadata)
	s.lineage = append(s.lineage, event)
	return nil
}

func (s *MemoryStore) DeleteLineage(_ context.Context, tenantID string, documentIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		targets[id] = struct{}{}
	}
	kept := s.lineage[:0]
	deleted := 0
	for _, event := range s.lineage {
		if _, hit := targets[event.DocumentID]; hit && event.TenantID == tenantID {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	s.lineage = kept
	return deleted, nil
}

func (s *MemoryStore) Lineage() []domain.LineageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.LineageEvent(nil), s.lineage...)
}

func (s *MemoryStore) RecordUsage(_ context.Context, record domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Metadata = cloneMap(record.Metadata)
	s.usage = append(s.usage, record)
	return nil
}

func (s *MemoryStore) AnonymizeUsage(_ context.Context, tenantID, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for i := range s.usage {
		record := &s.usage[i]
		if record.TenantID != tenantID || record.UserID != userID {
			continue
		}
		if record.QueryType == domain.QueryAccountDeletion {
			continue
		}
		record.UserID = ""
		record.Metadata = anonymizedMetadata(record.Metadata, at)
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) Usage() []domain.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageRecord(nil), s.usage...)
}

func (s *MemoryStore) AnonymizeUser(_ context.Context, tenantID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok || user.TenantID != tenantID {
		return ErrNotFound
	}
	user.Email = AnonymizedEmail(userID)
	user.FullName = AnonymizedName
	user.Status = domain.UserStatusDeleted
	user.UpdatedAt = at
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) DeleteTemplatesByOwner(_ context.Context, tenantID, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, template := range s.templates {
		if template.TenantID == tenantID && template.OwnerID == ownerID {
			delete(s.templates, id)
			deleted++
		}
	}
	return deleted, nil
}

const AnonymizedName = "Deleted User"

func AnonymizedEmail(userID string) string {
	return "deleted-" + userID + "@anonymized.local"
}

func anonymizedMetadata(metadata map[string]any, at time.Time) map[string]any {
	cloned := cloneMap(metadata)
	if cloned == nil {
		cloned = make(map[string]any, 3)
	}
	cloned["anonymized"] = true
	cloned["original_user_deleted"] = true
	cloned["deletion_date"] = at.UTC().Format(time.RFC3339)
	return cloned
}

func averageChunks(chunks, documents int) float64 {
	if documents == 0 {
		return 0
	}
	return math.Round(float64(chunks)/float64(documents)*100) / 100
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 3 {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		terms = append(terms, field)
	}
	return terms
}

func termRank(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lowered := strings.ToLower(content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func cloneRecord(record domain.EmbeddingRecord) domain.EmbeddingRecord {
	record.Embedding = append([]float32(nil), record.Embedding...)
	record.Metadata = cloneMap(record.Metadata)
	return record
}

func cloneMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	cloned := make(map[string]any, len(value))
	for key, child := range value {
		cloned[key] = child
	}
	return cloned
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ Store          = (*PostgresStore)(nil)
	_ JobsRepository = (*MemoryJobsRepository)(nil)
	_ JobsRepository = (*PostgresJobsRepository)(nil)
)
