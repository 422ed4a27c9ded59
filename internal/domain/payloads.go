package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload is implemented by every job payload variant.
type Payload interface {
	JobType() JobType
	Validate() error
}

type IndexingPayload struct {
	DocumentID string `json:"document_id"`
}

func (IndexingPayload) JobType() JobType { return JobTypeDocumentIndexing }

func (p IndexingPayload) Validate() error {
	if strings.TrimSpace(p.DocumentID) == "" {
		return NewValidationError("document_id", "is required")
	}
	return nil
}

type ConvertPayload struct {
	StoragePath      string `json:"storage_path"`
	OriginalFilename string `json:"original_filename"`
	FileSize         int64  `json:"file_size"`
	Mimetype         string `json:"mimetype"`
	UserID           string `json:"user_id"`
}

func (ConvertPayload) JobType() JobType { return JobTypeDocumentConvert }

func (p ConvertPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.StoragePath) == "":
		return NewValidationError("storage_path", "is required")
	case strings.TrimSpace(p.OriginalFilename) == "":
		return NewValidationError("original_filename", "is required")
	case p.FileSize <= 0:
		return NewValidationError("file_size", "must be positive")
	case strings.TrimSpace(p.Mimetype) == "":
		return NewValidationError("mimetype", "is required")
	case strings.TrimSpace(p.UserID) == "":
		return NewValidationError("user_id", "is required")
	}
	return nil
}

type VideoPayload struct {
	StoragePath      string `json:"storage_path,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	FileSize         int64  `json:"file_size,omitempty"`
	Mimetype         string `json:"mimetype,omitempty"`
	YouTubeURL       string `json:"youtube_url,omitempty"`
	URL              string `json:"url,omitempty"`
	UserID           string `json:"user_id"`
}

func (VideoPayload) JobType() JobType { return JobTypeVideoIngestion }

func (p VideoPayload) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return NewValidationError("user_id", "is required")
	}
	if p.StoragePath == "" && p.YouTubeURL == "" && p.URL == "" {
		return NewValidationError("source", "one of storage_path, youtube_url or url is required")
	}
	if p.FileSize < 0 {
		return NewValidationError("file_size", "must not be negative")
	}
	return nil
}

// RemoteURL returns the remote source, preferring the YouTube link.
func (p VideoPayload) RemoteURL() string {
	if p.YouTubeURL != "" {
		return p.YouTubeURL
	}
	return p.URL
}

type GenerationPayload struct {
	Prompt           string `json:"prompt"`
	Model            string `json:"model"`
	MaxTokens        int    `json:"max_tokens,omitempty"`
	UserID           string `json:"user_id"`
	EstimatedCredits int    `json:"estimated_credits"`
}

func (GenerationPayload) JobType() JobType { return JobTypeAIGeneration }

func (p GenerationPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.Prompt) == "":
		return NewValidationError("prompt", "is required")
	case strings.TrimSpace(p.Model) == "":
		return NewValidationError("model", "is required")
	case p.MaxTokens < 0:
		return NewValidationError("max_tokens", "must not be negative")
	case strings.TrimSpace(p.UserID) == "":
		return NewValidationError("user_id", "is required")
	case p.EstimatedCredits <= 0:
		return NewValidationError("estimated_credits", "must be positive")
	}
	return nil
}

type AccountDeletionPayload struct {
	UserID      string    `json:"user_id"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by"`
	IPAddress   string    `json:"ip_address,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}

func (AccountDeletionPayload) JobType() JobType { return JobTypeAccountDeletion }

func (p AccountDeletionPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.UserID) == "":
		return NewValidationError("user_id", "is required")
	case p.RequestedAt.IsZero():
		return NewValidationError("requested_at", "is required")
	case strings.TrimSpace(p.RequestedBy) == "":
		return NewValidationError("requested_by", "is required")
	}
	return nil
}

// DecodePayload parses raw into the variant registered for jobType and validates it.
func DecodePayload(jobType JobType, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, NewValidationError("payload", "is required")
	}

	var payload Payload
	var err error
	switch jobType {
	case JobTypeDocumentIndexing:
		payload, err = decodeInto[IndexingPayload](raw)
	case JobTypeDocumentConvert:
		payload, err = decodeInto[ConvertPayload](raw)
	case JobTypeVideoIngestion:
		payload, err = decodeInto[VideoPayload](raw)
	case JobTypeAIGeneration:
		payload, err = decodeInto[GenerationPayload](raw)
	case JobTypeAccountDeletion:
		payload, err = decodeInto[AccountDeletionPayload](raw)
	default:
		return nil, NewValidationError("type", fmt.Sprintf("unknown job type %q", jobType))
	}
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, NewValidationError("payload", "is malformed: "+err.Error())
	}
	return value, nil
}
