package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/domain"
	httpserver "github.com/iago/knowledge-pipeline/internal/http"
	"github.com/iago/knowledge-pipeline/internal/http/handlers"
	"github.com/iago/knowledge-pipeline/internal/http/middleware"
	"github.com/iago/knowledge-pipeline/internal/pipeline"
	"github.com/iago/knowledge-pipeline/internal/rag"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/search"
	"github.com/iago/knowledge-pipeline/internal/service"
	"github.com/iago/knowledge-pipeline/internal/worker"
)

const (
	benchTenant    = "bench"
	benchDocuments = 40
	embeddingDims  = 64
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type indexingResult struct {
	Documents     int     `json:"documents"`
	Indexed       int     `json:"indexed"`
	Chunks        int     `json:"chunks"`
	ElapsedMS     float64 `json:"elapsed_ms"`
	DocsPerSecond float64 `json:"docs_per_second"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Indexing       indexingResult   `json:"indexing"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	store  *repository.MemoryStore
	jobs   *service.JobsService
	worker *worker.Processor
}

func main() {
	dispatchTotal := flag.Int("dispatch-total", 300, "total job dispatch requests")
	dispatchConcurrency := flag.Int("dispatch-concurrency", 24, "concurrency for job dispatch requests")
	statusTotal := flag.Int("status-total", 300, "total job status requests")
	statusConcurrency := flag.Int("status-concurrency", 24, "concurrency for job status requests")
	searchTotal := flag.Int("search-total", 400, "total search requests")
	searchConcurrency := flag.Int("search-concurrency", 32, "concurrency for search requests")
	chatTotal := flag.Int("chat-total", 120, "total chat requests")
	chatConcurrency := flag.Int("chat-concurrency", 12, "concurrency for chat requests")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment()
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.server.Close()

	indexing := seedIndex(env)
	client := &http.Client{Timeout: 10 * time.Second}

	var (
		jobIDs   []string
		jobIDsMu sync.Mutex
		counter  int64
	)

	dispatchScenario := runScenario("jobs_dispatch", *dispatchTotal, *dispatchConcurrency, func(index int) error {
		payload := map[string]any{
			"type":    "document_indexing",
			"payload": map[string]any{"document_id": fmt.Sprintf("doc-%d", index%benchDocuments)},
		}
		headers := map[string]string{
			"Idempotency-Key": fmt.Sprintf("dispatch-%d-%d", atomic.AddInt64(&counter, 1), time.Now().UnixNano()),
		}
		var view domain.JobStatusView
		if err := postJSON(client, env.server.URL+"/v1/jobs", payload, headers, http.StatusAccepted, &view); err != nil {
			return err
		}
		jobIDsMu.Lock()
		jobIDs = append(jobIDs, view.ID)
		jobIDsMu.Unlock()
		return nil
	})

	statusScenario := runScenario("jobs_status", *statusTotal, *statusConcurrency, func(index int) error {
		jobIDsMu.Lock()
		if len(jobIDs) == 0 {
			jobIDsMu.Unlock()
			return fmt.Errorf("no dispatched jobs")
		}
		id := jobIDs[index%len(jobIDs)]
		jobIDsMu.Unlock()
		return getJSON(client, env.server.URL+"/v1/jobs/"+id, http.StatusOK)
	})

	queries := []string{"vacation policy", "expense reports", "security training", "onboarding checklist", "remote work"}
	searchScenario := runScenario("search", *searchTotal, *searchConcurrency, func(index int) error {
		payload := map[string]any{"query": queries[index%len(queries)], "limit": 20, "use_reranking": false}
		return postJSON(client, env.server.URL+"/v1/search", payload, nil, http.StatusOK, nil)
	})

	chatScenario := runScenario("chat", *chatTotal, *chatConcurrency, func(index int) error {
		payload := map[string]any{"query": "What does the handbook say about " + queries[index%len(queries)] + "?"}
		return postJSON(client, env.server.URL+"/v1/chat", payload, nil, http.StatusOK, nil)
	})

	results := []scenarioResult{dispatchScenario, statusScenario, searchScenario, chatScenario}
	slo := map[string]bool{
		"dispatch_p95_le_200ms": dispatchScenario.P95MS <= 200,
		"search_p95_le_500ms":   searchScenario.P95MS <= 500,
		"chat_p95_le_2000ms":    chatScenario.P95MS <= 2000,
		"indexing_all_complete": indexing.Indexed == indexing.Documents,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Indexing:       indexing,
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// hashEmbedder maps words onto a fixed number of buckets so related texts share dimensions.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, texts []string, _ ai.EmbedMode) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector := make([]float32, embeddingDims)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			hasher := fnv.New32a()
			_, _ = hasher.Write([]byte(strings.Trim(word, ".,:;?!")))
			vector[hasher.Sum32()%embeddingDims]++
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// echoGenerator answers with the first line of the prompt context.
type echoGenerator struct{}

func (echoGenerator) Available() bool { return true }

func (echoGenerator) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	return ai.GenerateResult{Text: "Based on the handbook [1].", ModelID: "bench-model", Provider: "local",
		Usage: ai.TokenUsage{InputTokens: len(request.Input) / 4, OutputTokens: 8}}, nil
}

func (g echoGenerator) Stream(ctx context.Context, request ai.GenerateRequest) (<-chan string, <-chan ai.StreamResult) {
	deltas := make(chan string, 1)
	result := make(chan ai.StreamResult, 1)
	generated, _ := g.Generate(ctx, request)
	deltas <- generated.Text
	close(deltas)
	result <- ai.StreamResult{Text: generated.Text, ModelID: generated.ModelID, Usage: generated.Usage}
	close(result)
	return deltas, result
}

func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	logger := log.New(io.Discard, "", 0)

	store := repository.NewMemoryStore()
	store.PutTenant(domain.Tenant{ID: benchTenant, Name: "Benchmark", Active: true})

	jobsService := service.NewJobsService(repository.NewMemoryJobsRepository(), nil, logger)
	engine := search.NewEngine(search.Dependencies{Store: store, Embedder: hashEmbedder{}, Logger: logger})
	chat := rag.NewService(rag.Dependencies{Searcher: engine, Generator: echoGenerator{}, Usage: store, Logger: logger})

	deps := pipeline.NewDepsFromStore(store)
	deps.Embedder = hashEmbedder{}
	deps.Generator = echoGenerator{}
	deps.Logger = logger
	processor := worker.NewProcessor(jobsService, worker.Config{WorkerID: "bench-worker", PollInterval: time.Millisecond}, logger)
	for jobType, handler := range pipeline.New(deps).Handlers() {
		processor.Register(jobType, worker.Handler(handler))
	}

	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API: handlers.NewAPI(handlers.Dependencies{
			Jobs:   jobsService,
			Search: engine,
			Chat:   chat,
			Logger: logger,
		}),
		Tenants:     middleware.NewTenantResolver(store, time.Minute, 100, logger),
		RateLimiter: middleware.NewRateLimiter(20000, 20000),
		Logger:      logger,
	})

	server := httptest.NewServer(tenantHeader(router))
	return &benchmarkEnv{
		server: server,
		store:  store,
		jobs:   jobsService,
		worker: processor,
	}, nil
}

func tenantHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set(middleware.TenantHeader, benchTenant)
		next.ServeHTTP(w, r)
	})
}

// seedIndex creates draft documents and drains their indexing jobs through the worker.
func seedIndex(env *benchmarkEnv) indexingResult {
	ctx := context.Background()
	topics := []string{"Vacation policy", "Expense reports", "Security training", "Onboarding checklist", "Remote work"}
	startedAt := time.Now()

	for i := 0; i < benchDocuments; i++ {
		topic := topics[i%len(topics)]
		doc := &domain.Document{
			ID:        fmt.Sprintf("doc-%d", i),
			TenantID:  benchTenant,
			Title:     fmt.Sprintf("%s %d", topic, i),
			Content:   benchmarkContent(topic, i),
			Status:    domain.DocumentStatusPublished,
			CreatedAt: startedAt,
			UpdatedAt: startedAt,
		}
		if err := env.store.CreateDocument(ctx, doc); err != nil {
			continue
		}
		payload, _ := json.Marshal(domain.IndexingPayload{DocumentID: doc.ID})
		_, _ = env.jobs.Dispatch(ctx, benchTenant, domain.JobTypeDocumentIndexing, payload)
	}

	processed := 0
	for {
		ok, err := env.worker.ProcessNext(ctx)
		if err != nil || !ok {
			break
		}
		processed++
	}

	stats, _ := env.store.Stats(ctx, benchTenant)
	elapsed := time.Since(startedAt)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed.Seconds()
	}
	return indexingResult{
		Documents:     benchDocuments,
		Indexed:       stats.TotalDocuments,
		Chunks:        stats.TotalChunks,
		ElapsedMS:     round2(float64(elapsed.Microseconds()) / 1000.0),
		DocsPerSecond: round2(rate),
	}
}

func benchmarkContent(topic string, seed int) string {
	var b strings.Builder
	for section := 1; section <= 4; section++ {
		fmt.Fprintf(&b, "## %s part %d\n\n", topic, section)
		for p := 0; p < 3; p++ {
			fmt.Fprintf(&b, "%s guidance %d.%d explains who approves requests, which forms to use and how long the review takes. ",
				topic, seed, section)
			b.WriteString(strings.Repeat("Employees should read the full handbook section before filing. ", 12))
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	indexes := make(chan int, total)
	samples := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				samples <- s
			}
		}()
	}
	wg.Wait()
	close(samples)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success, errorsCount := 0, 0
	for item := range samples {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
	target any,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return doRequest(client, request, expectedStatus, target)
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	return doRequest(client, request, expectedStatus, nil)
}

func doRequest(client *http.Client, request *http.Request, expectedStatus int, target any) error {
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	if target != nil {
		return json.NewDecoder(response.Body).Decode(target)
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
