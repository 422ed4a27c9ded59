package domain

import (
	"encoding/json"
	"time"
)

type DocumentStatus string

const (
	DocumentStatusDraft     DocumentStatus = "draft"
	DocumentStatusPublished DocumentStatus = "published"
	DocumentStatusDeleted   DocumentStatus = "deleted"
)

type Document struct {
	ID            string
	TenantID      string
	Title         string
	Content       string
	Status        DocumentStatus
	AuthorID      string
	Metadata      map[string]any
	LastIndexedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SemanticChunk is a transient unit produced by the chunker.
type SemanticChunk struct {
	Index        int    `json:"index"`
	Content      string `json:"content"`
	Heading      string `json:"heading,omitempty"`
	HeadingLevel int    `json:"heading_level,omitempty"`
	Type         string `json:"type"`
	TokenCount   int    `json:"token_count"`
	HasContext   bool   `json:"has_context"`
}

const (
	ChunkTypeHeading   = "heading"
	ChunkTypeParagraph = "paragraph"
)

// EmbeddingRecord is one indexed chunk of a document.
type EmbeddingRecord struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id"`
	TenantID     string         `json:"-"`
	ChunkIndex   int            `json:"chunk_index"`
	ChunkContent string         `json:"chunk_content"`
	Embedding    []float32      `json:"-"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type SearchResult struct {
	EmbeddingRecord
	Similarity    float64  `json:"similarity"`
	TextRank      float64  `json:"text_rank"`
	CombinedScore float64  `json:"combined_score"`
	RerankScore   *float64 `json:"rerank_score,omitempty"`
}

// Title returns the document title stored in the chunk metadata.
func (r SearchResult) Title() string {
	if r.Metadata == nil {
		return ""
	}
	title, _ := r.Metadata["title"].(string)
	return title
}

type Citation struct {
	Index      int            `json:"index"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Title      string         `json:"title"`
	Score      float64        `json:"score"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type LineageEventType string

const (
	LineageAIGenerated           LineageEventType = "ai_generated"
	LineageConvertedFromPDF      LineageEventType = "converted_from_pdf"
	LineageConvertedFromDOCX     LineageEventType = "converted_from_docx"
	LineageConvertedFromMarkdown LineageEventType = "converted_from_markdown"
	LineageConvertedFromVideo    LineageEventType = "converted_from_video"
)

type LineageEvent struct {
	ID         string
	DocumentID string
	TenantID   string
	EventType  LineageEventType
	ActorID    string
	Metadata   map[string]any
	CreatedAt  time.Time
}

type QueryType string

const (
	QueryTextGeneration     QueryType = "text_generation"
	QueryDocumentConversion QueryType = "document_conversion"
	QueryVideoIngestion     QueryType = "video_ingestion"
	QueryRAGQuestion        QueryType = "rag_question"
	QueryAccountDeletion    QueryType = "gdpr_account_deletion"
)

type UsageRecord struct {
	ID           string
	TenantID     string
	UserID       string
	QueryType    QueryType
	Model        string
	InputTokens  int
	OutputTokens int
	Credits      int
	MonthYear    string
	Metadata     map[string]any
	CreatedAt    time.Time
}

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

type User struct {
	ID        string
	TenantID  string
	Email     string
	FullName  string
	Status    UserStatus
	UpdatedAt time.Time
}

type Template struct {
	ID        string
	TenantID  string
	OwnerID   string
	Name      string
	Body      string
	CreatedAt time.Time
}

type Tenant struct {
	ID     string
	Name   string
	Active bool
}

// IndexStats summarizes the embeddings stored for a tenant.
type IndexStats struct {
	TotalChunks          int     `json:"total_chunks"`
	TotalDocuments       int     `json:"total_documents"`
	AvgChunksPerDocument float64 `json:"avg_chunks_per_document"`
}

// MarshalMetadata encodes nil metadata as an empty object.
func MarshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}
