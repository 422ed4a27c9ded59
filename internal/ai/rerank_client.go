package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const providerRerank = "rerank"

type RerankClientConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// RerankClient talks to a Cohere-compatible /rerank endpoint.
type RerankClient struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewRerankClient(config RerankClientConfig) *RerankClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.cohere.com/v2"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "rerank-v3.5"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &RerankClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		model:      strings.TrimSpace(config.Model),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

func (c *RerankClient) Available() bool {
	return c.apiKey != ""
}

func (c *RerankClient) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if !c.Available() {
		return nil, ErrProviderUnavailable
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	encoded, err := json.Marshal(map[string]any{
		"model":     c.model,
		"query":     query,
		"documents": documents,
		"top_n":     topN,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		results, callErr := c.callRerankAPI(ctx, encoded, len(documents))
		if callErr == nil {
			return results, nil
		}
		lastErr = callErr

		if !IsTransient(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown rerank error")
	}
	return nil, lastErr
}

func (c *RerankClient) callRerankAPI(ctx context.Context, payload []byte, documentCount int) ([]RerankResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, &ProviderError{Provider: providerRerank, Message: "timeout", Transient: true, Err: err}
		}
		return nil, &ProviderError{Provider: providerRerank, Message: "transport error", Transient: true, Err: err}
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank body: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return nil, newStatusError(providerRerank, httpResponse.StatusCode, string(body))
	}

	var raw rerankResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	results := make([]RerankResult, 0, len(raw.Results))
	for _, item := range raw.Results {
		if item.Index < 0 || item.Index >= documentCount {
			return nil, &ProviderError{
				Provider: providerRerank,
				Message:  fmt.Sprintf("result index %d out of range", item.Index),
			}
		}
		results = append(results, RerankResult{Index: item.Index, Score: item.RelevanceScore})
	}
	return results, nil
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}
