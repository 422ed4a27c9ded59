package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/knowledge-pipeline/internal/convert"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/service"
	"github.com/iago/knowledge-pipeline/internal/storage"
)

type ConvertResult struct {
	DocumentID    string `json:"document_id"`
	Title         string `json:"title"`
	ContentLength int    `json:"content_length"`
}

// Convert downloads an uploaded file, converts it to markdown and stores it as a draft.
func (p *Pipeline) Convert(ctx context.Context, job *domain.Job, payload domain.Payload) (any, error) {
	in, err := payloadAs[domain.ConvertPayload](payload)
	if err != nil {
		return nil, err
	}
	if p.deps.Objects == nil {
		return nil, errors.New("object storage is not configured")
	}

	data, err := storage.ReadAll(ctx, p.deps.Objects, in.StoragePath, p.deps.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", in.StoragePath, err)
	}

	converted, err := p.deps.Converter.Convert(ctx, data, in.Mimetype)
	if err != nil {
		return nil, err
	}

	title := convert.TitleFromFilename(in.OriginalFilename)
	if title == "" {
		title = "Untitled Document"
	}

	doc, err := p.createDraft(ctx, job.TenantID, in.UserID, title, converted.Markdown, map[string]any{
		"source":            "conversion",
		"original_filename": in.OriginalFilename,
		"mimetype":          in.Mimetype,
	})
	if err != nil {
		return nil, err
	}

	lineage := map[string]any{
		"original_filename": in.OriginalFilename,
		"file_size":         in.FileSize,
		"mimetype":          in.Mimetype,
		"storage_path":      in.StoragePath,
	}
	if converted.Pages > 0 {
		lineage["pages"] = converted.Pages
	}
	p.recordLineage(ctx, doc, converted.Kind.LineageEvent(), in.UserID, lineage)

	p.recordUsage(ctx, domain.UsageRecord{
		TenantID:  job.TenantID,
		UserID:    in.UserID,
		QueryType: domain.QueryDocumentConversion,
		Model:     "system",
		Credits:   service.ConversionCredits(),
		Metadata: map[string]any{
			"job_id":      job.ID,
			"document_id": doc.ID,
			"file_size":   in.FileSize,
			"format":      string(converted.Kind),
		},
	})

	p.logf("document converted job_id=%s document_id=%s kind=%s length=%d", job.ID, doc.ID, converted.Kind, len(converted.Markdown))
	return ConvertResult{
		DocumentID:    doc.ID,
		Title:         doc.Title,
		ContentLength: len(converted.Markdown),
	}, nil
}
