package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePayloadReturnsVariantForType(t *testing.T) {
	payload, err := DecodePayload(JobTypeDocumentIndexing, json.RawMessage(`{"document_id":"doc-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	indexing, ok := payload.(IndexingPayload)
	if !ok {
		t.Fatalf("expected IndexingPayload, got %T", payload)
	}
	if indexing.DocumentID != "doc-1" {
		t.Fatalf("expected document id doc-1, got %q", indexing.DocumentID)
	}
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	_, err := DecodePayload(JobType("summary"), json.RawMessage(`{}`))
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodePayloadRejectsMissingFields(t *testing.T) {
	cases := map[JobType]string{
		JobTypeDocumentIndexing: `{}`,
		JobTypeDocumentConvert:  `{"storage_path":"a","original_filename":"a.pdf","file_size":0,"mimetype":"application/pdf","user_id":"u"}`,
		JobTypeVideoIngestion:   `{"user_id":"u"}`,
		JobTypeAIGeneration:     `{"prompt":"hi","model":"gpt","user_id":"u","estimated_credits":0}`,
		JobTypeAccountDeletion:  `{"user_id":"u","requested_by":"u"}`,
	}
	for jobType, raw := range cases {
		_, err := DecodePayload(jobType, json.RawMessage(raw))
		if err == nil {
			t.Fatalf("expected error for %s", jobType)
		}
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %s, got %v", jobType, err)
		}
	}
}

func TestDecodePayloadRejectsEmptyPayload(t *testing.T) {
	if _, err := DecodePayload(JobTypeAIGeneration, nil); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := DecodePayload(JobTypeAIGeneration, json.RawMessage("null")); !IsValidation(err) {
		t.Fatalf("expected validation error for null, got %v", err)
	}
}

func TestVideoPayloadPrefersYouTubeURL(t *testing.T) {
	payload := VideoPayload{YouTubeURL: "https://youtu.be/x", URL: "https://example.com/v.mp4", UserID: "u"}
	if payload.RemoteURL() != "https://youtu.be/x" {
		t.Fatalf("expected youtube url, got %q", payload.RemoteURL())
	}
}
