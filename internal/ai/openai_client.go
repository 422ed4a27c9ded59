package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const providerOpenAI = "openai"

type OpenAIClientConfig struct {
	APIKey              string
	BaseURL             string
	Timeout             time.Duration
	MaxRetries          int
	HTTPClient          *http.Client
	Organization        string
	EmbeddingModel      string
	EmbeddingDimensions int
	TranscriptionModel  string
}

// OpenAIClient serves generation, streaming, embeddings and transcription from one OpenAI-compatible API.
type OpenAIClient struct {
	client              *openai.Client
	apiKey              string
	timeout             time.Duration
	maxRetries          int
	embeddingModel      string
	embeddingDimensions int
	transcriptionModel  string
}

func NewOpenAIClient(config OpenAIClientConfig) *OpenAIClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(config.EmbeddingModel) == "" {
		config.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if strings.TrimSpace(config.TranscriptionModel) == "" {
		config.TranscriptionModel = openai.Whisper1
	}

	apiKey := strings.TrimSpace(config.APIKey)
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	clientConfig.HTTPClient = config.HTTPClient
	clientConfig.OrgID = strings.TrimSpace(config.Organization)

	return &OpenAIClient{
		client:              openai.NewClientWithConfig(clientConfig),
		apiKey:              apiKey,
		timeout:             config.Timeout,
		maxRetries:          config.MaxRetries,
		embeddingModel:      config.EmbeddingModel,
		embeddingDimensions: config.EmbeddingDimensions,
		transcriptionModel:  config.TranscriptionModel,
	}
}

func (c *OpenAIClient) Available() bool {
	return c.apiKey != ""
}

func (c *OpenAIClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrProviderUnavailable
	}
	chatRequest, err := buildChatRequest(request)
	if err != nil {
		return GenerateResult{}, err
	}

	var result GenerateResult
	err = c.withRetry(ctx, func(callCtx context.Context) error {
		response, callErr := c.client.CreateChatCompletion(callCtx, chatRequest)
		if callErr != nil {
			return classifyOpenAIError(callErr)
		}
		if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Message.Content) == "" {
			return &ProviderError{Provider: providerOpenAI, Message: "response without text output"}
		}
		result = GenerateResult{
			Text:     strings.TrimSpace(response.Choices[0].Message.Content),
			ModelID:  firstNonEmpty(response.Model, request.Model),
			Provider: providerOpenAI,
			Usage: TokenUsage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
				TotalTokens:  response.Usage.TotalTokens,
			},
		}
		return nil
	})
	return result, err
}

func (c *OpenAIClient) Stream(ctx context.Context, request GenerateRequest) (<-chan string, <-chan StreamResult) {
	deltas := make(chan string, 16)
	done := make(chan StreamResult, 1)

	go func() {
		defer close(done)
		defer close(deltas)
		done <- c.runStream(ctx, request, deltas)
	}()

	return deltas, done
}

func (c *OpenAIClient) runStream(ctx context.Context, request GenerateRequest, deltas chan<- string) StreamResult {
	if !c.Available() {
		return StreamResult{Err: ErrProviderUnavailable}
	}
	chatRequest, err := buildChatRequest(request)
	if err != nil {
		return StreamResult{Err: err}
	}
	chatRequest.Stream = true
	chatRequest.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatRequest)
	if err != nil {
		return StreamResult{Err: classifyOpenAIError(err)}
	}
	defer stream.Close()

	var text strings.Builder
	result := StreamResult{ModelID: request.Model}
	for {
		response, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				return StreamResult{Err: ctx.Err()}
			}
			return StreamResult{Err: classifyOpenAIError(recvErr)}
		}

		result.ModelID = firstNonEmpty(response.Model, result.ModelID)
		if response.Usage != nil {
			result.Usage = TokenUsage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
				TotalTokens:  response.Usage.TotalTokens,
			}
		}
		for _, choice := range response.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			select {
			case deltas <- choice.Delta.Content:
			case <-ctx.Done():
				return StreamResult{Err: ctx.Err()}
			}
		}
	}

	result.Text = text.String()
	return result
}

// Embed ignores mode: OpenAI embeddings are symmetric.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string, _ EmbedMode) ([][]float32, error) {
	if !c.Available() {
		return nil, ErrProviderUnavailable
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > MaxEmbedBatch {
		return nil, fmt.Errorf("embedding batch of %d exceeds max %d", len(texts), MaxEmbedBatch)
	}

	request := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.embeddingModel),
		Dimensions: c.embeddingDimensions,
	}

	var vectors [][]float32
	err := c.withRetry(ctx, func(callCtx context.Context) error {
		response, callErr := c.client.CreateEmbeddings(callCtx, request)
		if callErr != nil {
			return classifyOpenAIError(callErr)
		}
		if len(response.Data) != len(texts) {
			return &ProviderError{
				Provider: providerOpenAI,
				Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(response.Data)),
			}
		}
		sort.Slice(response.Data, func(i, j int) bool { return response.Data[i].Index < response.Data[j].Index })
		vectors = make([][]float32, len(response.Data))
		for i, item := range response.Data {
			vectors[i] = item.Embedding
		}
		return nil
	})
	return vectors, err
}

// Transcribe is not retried: the audio reader is consumed by the first call.
func (c *OpenAIClient) Transcribe(ctx context.Context, request TranscribeRequest) (Transcript, error) {
	if !c.Available() {
		return Transcript{}, ErrProviderUnavailable
	}
	if request.Audio == nil {
		return Transcript{}, errors.New("audio is required")
	}

	response, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcriptionModel,
		FilePath: firstNonEmpty(request.Filename, "audio.mp4"),
		Reader:   request.Audio,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: request.Language,
	})
	if err != nil {
		return Transcript{}, classifyOpenAIError(err)
	}
	if strings.TrimSpace(response.Text) == "" {
		return Transcript{}, &ProviderError{Provider: providerOpenAI, Message: "transcription without text"}
	}
	return Transcript{
		Text:            strings.TrimSpace(response.Text),
		Language:        response.Language,
		DurationSeconds: response.Duration,
		ModelID:         c.transcriptionModel,
	}, nil
}

func (c *OpenAIClient) withRetry(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
		callErr := call(timeoutCtx)
		cancel()
		if callErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = callErr

		// Rate limits are left to the caller, which applies its own delay.
		if !IsTransient(callErr) || IsRateLimited(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown openai error")
	}
	return lastErr
}

func buildChatRequest(request GenerateRequest) (openai.ChatCompletionRequest, error) {
	if strings.TrimSpace(request.Model) == "" {
		return openai.ChatCompletionRequest{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return openai.ChatCompletionRequest{}, errors.New("input is required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(request.Instructions) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: strings.TrimSpace(request.Instructions),
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: request.Input,
	})

	return openai.ChatCompletionRequest{
		Model:       request.Model,
		Messages:    messages,
		Temperature: float32(request.Temperature),
		MaxTokens:   request.MaxOutputTokens,
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := newStatusError(providerOpenAI, apiErr.HTTPStatusCode, apiErr.Message)
		providerErr.Err = err
		return providerErr
	}
	var requestErr *openai.RequestError
	if errors.As(err, &requestErr) {
		providerErr := newStatusError(providerOpenAI, requestErr.HTTPStatusCode, requestErr.Error())
		providerErr.Err = err
		return providerErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: providerOpenAI, Message: "timeout", Transient: true, Err: err}
	}
	return &ProviderError{Provider: providerOpenAI, Message: err.Error(), Transient: IsTransient(err), Err: err}
}
