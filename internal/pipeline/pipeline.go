// Package pipeline holds the job handlers the worker routes claimed jobs to.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/convert"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/quality"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/storage"
	"github.com/iago/knowledge-pipeline/internal/transcribe"
)

const defaultMaxUploadBytes = 100 << 20

type VideoTranscriber interface {
	Transcribe(ctx context.Context, source transcribe.Source) (transcribe.Result, error)
}

type Deps struct {
	Documents  repository.DocumentStore
	Embeddings repository.EmbeddingStore
	Lineage    repository.LineageStore
	Usage      repository.UsageStore
	Accounts   repository.AccountStore

	Chunker      *chunker.Chunker
	Embedder     ai.Embedder
	EmbedOptions ai.EmbedOptions
	Generator    ai.Generator
	Router       *ai.ModelRouter
	Validator    *quality.OutputValidator

	Converter   *convert.Converter
	Transcriber VideoTranscriber
	Objects     storage.ObjectStore

	DeleteVideoAfterProcessing bool
	MaxUploadBytes             int64
	Logger                     *log.Logger
}

// NewDepsFromStore fills every store dependency from one repository.Store.
func NewDepsFromStore(store repository.Store) Deps {
	return Deps{
		Documents:  store,
		Embeddings: store,
		Lineage:    store,
		Usage:      store,
		Accounts:   store,
	}
}

type Pipeline struct {
	deps Deps
	now  func() time.Time
}

func New(deps Deps) *Pipeline {
	if deps.Chunker == nil {
		deps.Chunker = chunker.New(chunker.DefaultOptions())
	}
	if deps.Router == nil {
		deps.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if deps.Validator == nil {
		deps.Validator = quality.NewOutputValidator()
	}
	if deps.Converter == nil {
		deps.Converter = convert.New()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Pipeline{
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Handler processes one decoded job and returns the value stored as its result.
type Handler func(ctx context.Context, job *domain.Job, payload domain.Payload) (any, error)

// Handlers maps every job type to its handler.
func (p *Pipeline) Handlers() map[domain.JobType]Handler {
	return map[domain.JobType]Handler{
		domain.JobTypeDocumentIndexing: p.Index,
		domain.JobTypeDocumentConvert:  p.Convert,
		domain.JobTypeVideoIngestion:   p.IngestVideo,
		domain.JobTypeAIGeneration:     p.Generate,
		domain.JobTypeAccountDeletion:  p.DeleteAccount,
	}
}

func payloadAs[T domain.Payload](payload domain.Payload) (T, error) {
	typed, ok := payload.(T)
	if !ok {
		var zero T
		return zero, domain.NewValidationError("payload", fmt.Sprintf("unexpected payload %T", payload))
	}
	return typed, nil
}

// createDraft stores a new draft document. Failures here fail the job.
func (p *Pipeline) createDraft(ctx context.Context, tenantID, authorID, title, content string, metadata map[string]any) (*domain.Document, error) {
	now := p.now()
	doc := &domain.Document{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Title:     title,
		Content:   content,
		Status:    domain.DocumentStatusDraft,
		AuthorID:  authorID,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.deps.Documents.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (p *Pipeline) recordLineage(ctx context.Context, doc *domain.Document, eventType domain.LineageEventType, actorID string, metadata map[string]any) {
	if p.deps.Lineage == nil {
		return
	}
	err := p.deps.Lineage.RecordLineage(ctx, domain.LineageEvent{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		EventType:  eventType,
		ActorID:    actorID,
		Metadata:   metadata,
		CreatedAt:  p.now(),
	})
	if err != nil {
		p.logf("lineage record failed event=%s document_id=%s err=%v", eventType, doc.ID, err)
	}
}

func (p *Pipeline) recordUsage(ctx context.Context, record domain.UsageRecord) {
	if p.deps.Usage == nil {
		return
	}
	now := p.now()
	record.ID = uuid.NewString()
	record.MonthYear = now.Format("2006-01")
	record.CreatedAt = now
	if err := p.deps.Usage.RecordUsage(ctx, record); err != nil && !errors.Is(err, context.Canceled) {
		p.logf("usage record failed query_type=%s tenant_id=%s err=%v", record.QueryType, record.TenantID, err)
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.deps.Logger != nil {
		p.deps.Logger.Printf(format, args...)
	}
}
