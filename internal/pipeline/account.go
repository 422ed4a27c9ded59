package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
)

type AccountDeletionResult struct {
	UserID                 string    `json:"user_id"`
	UserAnonymized         bool      `json:"user_anonymized"`
	DocumentsDeleted       int       `json:"documents_deleted"`
	EmbeddingsDeleted      int       `json:"embeddings_deleted"`
	TemplatesDeleted       int       `json:"templates_deleted"`
	UsageHistoryAnonymized int       `json:"usage_history_anonymized"`
	LineageDeleted         int       `json:"lineage_deleted"`
	CompletedAt            time.Time `json:"completed_at"`
}

// DeleteAccount anonymizes a user and removes the content they authored.
// Every step is idempotent so a retried job finishes the remaining work.
func (p *Pipeline) DeleteAccount(ctx context.Context, job *domain.Job, payload domain.Payload) (any, error) {
	in, err := payloadAs[domain.AccountDeletionPayload](payload)
	if err != nil {
		return nil, err
	}
	if p.deps.Accounts == nil {
		return nil, errors.New("account store is not configured")
	}
	tenantID := job.TenantID
	started := p.now()

	if err := p.deps.Accounts.AnonymizeUser(ctx, tenantID, in.UserID, started); err != nil {
		return nil, fmt.Errorf("anonymize user: %w", err)
	}
	p.auditDeletion(ctx, job, in, "started", nil)

	result := AccountDeletionResult{UserID: in.UserID, UserAnonymized: true}

	if p.deps.Usage != nil {
		result.UsageHistoryAnonymized, err = p.deps.Usage.AnonymizeUsage(ctx, tenantID, in.UserID, started)
		if err != nil {
			return nil, fmt.Errorf("anonymize usage: %w", err)
		}
	}

	documentIDs, err := p.deps.Documents.ListDocumentIDsByAuthor(ctx, tenantID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	if len(documentIDs) > 0 {
		if result.EmbeddingsDeleted, err = p.deps.Embeddings.DeleteEmbeddings(ctx, tenantID, documentIDs); err != nil {
			return nil, fmt.Errorf("delete embeddings: %w", err)
		}
		if result.DocumentsDeleted, err = p.deps.Documents.DeleteDocuments(ctx, tenantID, documentIDs); err != nil {
			return nil, fmt.Errorf("delete documents: %w", err)
		}
	}

	if result.TemplatesDeleted, err = p.deps.Accounts.DeleteTemplatesByOwner(ctx, tenantID, in.UserID); err != nil {
		return nil, fmt.Errorf("delete templates: %w", err)
	}

	if len(documentIDs) > 0 && p.deps.Lineage != nil {
		if result.LineageDeleted, err = p.deps.Lineage.DeleteLineage(ctx, tenantID, documentIDs); err != nil {
			return nil, fmt.Errorf("delete lineage: %w", err)
		}
	}

	result.CompletedAt = p.now()
	p.auditDeletion(ctx, job, in, "completed", map[string]any{
		"documents_deleted":        result.DocumentsDeleted,
		"embeddings_deleted":       result.EmbeddingsDeleted,
		"templates_deleted":        result.TemplatesDeleted,
		"usage_history_anonymized": result.UsageHistoryAnonymized,
		"completed_at":             result.CompletedAt.Format(time.RFC3339),
	})

	p.logf("account deleted job_id=%s user_id=%s documents=%d embeddings=%d templates=%d",
		job.ID, in.UserID, result.DocumentsDeleted, result.EmbeddingsDeleted, result.TemplatesDeleted)
	return result, nil
}

func (p *Pipeline) auditDeletion(ctx context.Context, job *domain.Job, in domain.AccountDeletionPayload, phase string, extra map[string]any) {
	metadata := map[string]any{
		"job_id":       job.ID,
		"phase":        phase,
		"requested_at": in.RequestedAt.UTC().Format(time.RFC3339),
		"requested_by": in.RequestedBy,
	}
	if in.IPAddress != "" {
		metadata["ip_address"] = in.IPAddress
	}
	if in.UserAgent != "" {
		metadata["user_agent"] = in.UserAgent
	}
	for key, value := range extra {
		metadata[key] = value
	}
	p.recordUsage(ctx, domain.UsageRecord{
		TenantID:  job.TenantID,
		UserID:    in.UserID,
		QueryType: domain.QueryAccountDeletion,
		Model:     "system",
		Metadata:  metadata,
	})
}
