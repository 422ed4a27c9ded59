package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrProviderUnavailable = errors.New("ai provider unavailable")

type EmbedMode string

const (
	EmbedModeDocument EmbedMode = "document"
	EmbedModeQuery    EmbedMode = "query"
)

// MaxEmbedBatch is the largest number of texts sent in one embedding call.
const MaxEmbedBatch = 96

type Embedder interface {
	Embed(ctx context.Context, texts []string, mode EmbedMode) ([][]float32, error)
}

type RerankResult struct {
	Index int
	Score float64
}

type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type GenerateRequest struct {
	Model           string
	Instructions    string
	Input           string
	Temperature     float64
	MaxOutputTokens int
}

type GenerateResult struct {
	Text     string
	ModelID  string
	Provider string
	Usage    TokenUsage
}

// StreamResult is the single terminal value of a stream: the full text and usage, or Err.
type StreamResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
	Err     error
}

type Generator interface {
	Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error)
	// Stream sends text deltas on the first channel and exactly one StreamResult on the second.
	// Both channels are closed when the stream ends.
	Stream(ctx context.Context, request GenerateRequest) (<-chan string, <-chan StreamResult)
	Available() bool
}

type TranscribeRequest struct {
	Filename string
	Audio    io.Reader
	Language string
}

type Transcript struct {
	Text            string
	Language        string
	DurationSeconds float64
	ModelID         string
}

type Transcriber interface {
	Transcribe(ctx context.Context, request TranscribeRequest) (Transcript, error)
}

// ProviderError classifies a provider failure. Transient errors are worth retrying.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func newStatusError(provider string, status int, message string) *ProviderError {
	message = strings.TrimSpace(message)
	if len(message) > 700 {
		message = message[:700]
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    message,
		Transient:  transientStatus(status),
	}
}

func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.StatusCode == http.StatusTooManyRequests
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
