package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/service"
	"github.com/iago/knowledge-pipeline/internal/storage"
	"github.com/iago/knowledge-pipeline/internal/transcribe"
)

type VideoResult struct {
	DocumentID          string `json:"document_id"`
	Title               string `json:"title"`
	DurationMinutes     int    `json:"duration_minutes"`
	CreditsUsed         int    `json:"credits_used"`
	TranscriptLength    int    `json:"transcript_length"`
	IsYouTube           bool   `json:"is_youtube"`
	UsedFallback        bool   `json:"used_fallback"`
	TranscriptionMethod string `json:"transcription_method"`
}

// IngestVideo transcribes an uploaded or remote video into a draft document.
func (p *Pipeline) IngestVideo(ctx context.Context, job *domain.Job, payload domain.Payload) (any, error) {
	in, err := payloadAs[domain.VideoPayload](payload)
	if err != nil {
		return nil, err
	}
	if p.deps.Transcriber == nil {
		return nil, errors.New("transcription is not configured")
	}

	source, err := p.videoSource(ctx, in)
	if err != nil {
		return nil, err
	}

	transcript, err := p.deps.Transcriber.Transcribe(ctx, source)
	if err != nil {
		return nil, err
	}

	minutes := transcribe.EstimateDurationMinutes(transcript.Text, in.FileSize)
	if transcript.DurationSeconds > 0 {
		minutes = max(minutes, int(math.Ceil(transcript.DurationSeconds/60)))
	}
	credits := service.VideoCredits(minutes)
	title := transcribe.VideoTitle(source.Filename, transcript.Text)
	remote := in.RemoteURL() != ""

	doc, err := p.createDraft(ctx, job.TenantID, in.UserID, title, transcript.Text, map[string]any{
		"source":            "video",
		"original_filename": source.Filename,
	})
	if err != nil {
		return nil, err
	}

	p.recordLineage(ctx, doc, domain.LineageConvertedFromVideo, in.UserID, map[string]any{
		"original_filename":    source.Filename,
		"file_size":            in.FileSize,
		"mimetype":             firstNonEmpty(in.Mimetype, "video/mp4"),
		"storage_path":         in.StoragePath,
		"duration_minutes":     minutes,
		"is_youtube":           source.YouTube,
		"youtube_url":          in.RemoteURL(),
		"used_fallback":        transcript.UsedFallback,
		"transcription_method": transcript.Method,
	})

	p.recordUsage(ctx, domain.UsageRecord{
		TenantID:     job.TenantID,
		UserID:       in.UserID,
		QueryType:    domain.QueryVideoIngestion,
		Model:        transcript.Model,
		InputTokens:  int(math.Ceil(float64(in.FileSize) / 1000)),
		OutputTokens: chunker.EstimateTokens(transcript.Text),
		Credits:      credits,
		Metadata: map[string]any{
			"job_id":               job.ID,
			"document_id":          doc.ID,
			"duration_minutes":     minutes,
			"file_size":            in.FileSize,
			"is_youtube":           source.YouTube,
			"used_fallback":        transcript.UsedFallback,
			"transcription_method": transcript.Method,
		},
	})

	if !remote && in.StoragePath != "" && p.deps.DeleteVideoAfterProcessing && p.deps.Objects != nil {
		if err := p.deps.Objects.Delete(ctx, in.StoragePath); err != nil {
			p.logf("video delete failed job_id=%s storage_path=%s err=%v", job.ID, in.StoragePath, err)
		}
	}

	p.logf("video ingested job_id=%s document_id=%s minutes=%d credits=%d method=%s", job.ID, doc.ID, minutes, credits, transcript.Method)
	return VideoResult{
		DocumentID:          doc.ID,
		Title:               doc.Title,
		DurationMinutes:     minutes,
		CreditsUsed:         credits,
		TranscriptLength:    len(transcript.Text),
		IsYouTube:           source.YouTube,
		UsedFallback:        transcript.UsedFallback,
		TranscriptionMethod: transcript.Method,
	}, nil
}

func (p *Pipeline) videoSource(ctx context.Context, in domain.VideoPayload) (transcribe.Source, error) {
	if remote := in.RemoteURL(); remote != "" {
		filename := in.OriginalFilename
		if filename == "" {
			filename = "YouTube Video - " + p.now().Format("2006-01-02T15:04:05Z")
		}
		return transcribe.Source{
			URL:      remote,
			YouTube:  in.YouTubeURL != "" || transcribe.IsYouTubeURL(remote),
			Filename: filename,
		}, nil
	}

	if p.deps.Objects == nil {
		return transcribe.Source{}, errors.New("object storage is not configured")
	}
	signed, err := p.deps.Objects.SignedURL(ctx, in.StoragePath, storage.SignedURLTTL)
	if err != nil {
		return transcribe.Source{}, fmt.Errorf("sign video url: %w", err)
	}
	return transcribe.Source{URL: signed, Filename: in.OriginalFilename}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
