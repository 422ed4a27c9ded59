// Package bootstrap wires configuration into the stores, providers and services shared by
// the api and worker binaries.
package bootstrap

import (
	"context"
	"log"
	"time"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/cache"
	"github.com/iago/knowledge-pipeline/internal/chunker"
	"github.com/iago/knowledge-pipeline/internal/config"
	"github.com/iago/knowledge-pipeline/internal/convert"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/pipeline"
	"github.com/iago/knowledge-pipeline/internal/queue"
	"github.com/iago/knowledge-pipeline/internal/rag"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/search"
	"github.com/iago/knowledge-pipeline/internal/service"
	"github.com/iago/knowledge-pipeline/internal/storage"
	"github.com/iago/knowledge-pipeline/internal/transcribe"
	"github.com/iago/knowledge-pipeline/internal/worker"
)

const localEventBuffer = 512

// Stores pairs the job repository with the document-side store.
type Stores struct {
	Jobs  repository.JobsRepository
	Store repository.Store
	close func()
}

func (s Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStores connects to Postgres when DATABASE_URL is set and falls back to memory otherwise.
func OpenStores(ctx context.Context, cfg config.Config, logger *log.Logger) Stores {
	if cfg.DatabaseURL == "" {
		logf(logger, "DATABASE_URL not configured, using in-memory repositories")
		return memoryStores()
	}

	pool, err := repository.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logf(logger, "failed to connect postgres, fallback to memory: %v", err)
		return memoryStores()
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		logf(logger, "failed to migrate postgres schema, fallback to memory: %v", err)
		return memoryStores()
	}
	logf(logger, "postgres repositories initialized")
	return Stores{
		Jobs:  repository.NewPostgresJobsRepository(pool),
		Store: repository.NewPostgresStore(pool),
		close: pool.Close,
	}
}

func memoryStores() Stores {
	return Stores{
		Jobs:  repository.NewMemoryJobsRepository(),
		Store: repository.NewMemoryStore(),
	}
}

// OpenPublisher returns the job event publisher: Redis streams when REDIS_ADDR is set, the local
// publisher otherwise, wrapped in the batching publisher when enabled.
func OpenPublisher(ctx context.Context, cfg config.Config, logger *log.Logger) (queue.Publisher, func()) {
	var (
		base       queue.Publisher
		baseCloser = func() {}
	)

	if cfg.RedisAddr != "" {
		streams, err := queue.NewStreamsPublisher(ctx, streamsConfig(cfg))
		if err == nil {
			logf(logger, "redis streams publisher initialized stream=%s", cfg.RedisEventsStream)
			base = streams
			baseCloser = func() { _ = streams.Close() }
		} else {
			logf(logger, "failed to initialize redis streams, fallback to local events: %v", err)
		}
	} else {
		logf(logger, "REDIS_ADDR not configured, using local event publisher")
	}
	if base == nil {
		local := queue.NewLocalPublisher(localEventBuffer, logger)
		go func() {
			_ = local.Subscribe(ctx, func(_ context.Context, event domain.JobEvent) error {
				logf(logger, "job event event=%s job_id=%s type=%s status=%s attempts=%d",
					event.Event, event.JobID, event.Type, event.Status, event.Attempts)
				return nil
			})
		}()
		base = local
	}

	if !cfg.QueueBatchingEnabled {
		return base, baseCloser
	}
	batching := queue.NewBatchingPublisher(ctx, base, queue.BatchingConfig{
		MaxBatchSize:  cfg.QueueBatchSize,
		FlushInterval: time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
		FlushTimeout:  time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
		QueueCapacity: cfg.QueueBatchQueueCapacity,
	})
	logf(logger, "event batching enabled size=%d flush_ms=%d queue_capacity=%d",
		cfg.QueueBatchSize, cfg.QueueBatchFlushMS, cfg.QueueBatchQueueCapacity)
	return batching, func() {
		batching.Close()
		stats := batching.Stats()
		logf(logger, "event batching closed batches=%d events=%d deduplicated=%d rejected=%d",
			stats.Batches, stats.Events, stats.Deduplicated, stats.Rejected)
		baseCloser()
	}
}

func streamsConfig(cfg config.Config) queue.StreamsConfig {
	return queue.StreamsConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Stream:    cfg.RedisEventsStream,
		DLQStream: cfg.RedisDLQStream,
		Group:     cfg.RedisGroup,
		Consumer:  cfg.RedisConsumer,
	}
}

// OpenEventStream connects a streams publisher for reading events back out.
func OpenEventStream(ctx context.Context, cfg config.Config) (*queue.StreamsPublisher, error) {
	return queue.NewStreamsPublisher(ctx, streamsConfig(cfg))
}

// Providers holds the AI gateway clients.
type Providers struct {
	OpenAI   *ai.OpenAIClient
	Reranker ai.Reranker
	Router   *ai.ModelRouter
}

func NewProviders(cfg config.Config) Providers {
	openAI := ai.NewOpenAIClient(ai.OpenAIClientConfig{
		APIKey:              cfg.OpenAIAPIKey,
		BaseURL:             cfg.OpenAIBaseURL,
		Timeout:             cfg.OpenAITimeout(),
		MaxRetries:          cfg.OpenAIMaxRetries,
		EmbeddingModel:      cfg.OpenAIEmbedModel,
		EmbeddingDimensions: cfg.EmbeddingDims,
		TranscriptionModel:  cfg.TranscribeModel,
	})

	var reranker ai.Reranker
	if rerank := ai.NewRerankClient(ai.RerankClientConfig{
		APIKey:     cfg.RerankAPIKey,
		BaseURL:    cfg.RerankBaseURL,
		Model:      cfg.RerankModel,
		Timeout:    cfg.OpenAITimeout(),
		MaxRetries: cfg.OpenAIMaxRetries,
	}); rerank.Available() {
		reranker = rerank
	}

	return Providers{
		OpenAI:   openAI,
		Reranker: reranker,
		Router: ai.NewModelRouter(ai.ModelRouterConfig{
			GenerationPrimary:  cfg.OpenAIGenModel,
			GenerationFallback: cfg.OpenAIChatModel,
			ChatPrimary:        cfg.OpenAIChatModel,
			ChatFallback:       cfg.OpenAIGenModel,
		}),
	}
}

func NewSearchEngine(cfg config.Config, store repository.EmbeddingStore, providers Providers, logger *log.Logger) *search.Engine {
	return search.NewEngine(search.Dependencies{
		Store:    store,
		Embedder: providers.OpenAI,
		Reranker: providers.Reranker,
		QueryCache: cache.New[[]float32](cache.Config{
			TTL:        time.Duration(cfg.QueryCacheTTLSeconds) * time.Second,
			MaxEntries: cfg.TenantCacheMaxEntries,
		}),
		Logger: logger,
	})
}

func NewChatService(cfg config.Config, searcher rag.Searcher, store repository.UsageStore, providers Providers, logger *log.Logger) *rag.Service {
	return rag.NewService(rag.Dependencies{
		Searcher:      searcher,
		Generator:     providers.OpenAI,
		Router:        providers.Router,
		Usage:         store,
		ContextTokens: cfg.Tuning.Search.ContextTokens,
		Logger:        logger,
	})
}

func NewObjectStore(cfg config.Config) (*storage.LocalStore, error) {
	return storage.NewLocalStore(storage.LocalConfig{
		Root:       cfg.StorageRoot,
		SigningKey: cfg.StorageSigningKey,
		BaseURL:    cfg.StorageBaseURL,
	})
}

func NewChunker(cfg config.Config) *chunker.Chunker {
	tuning := cfg.Tuning.Chunker
	return chunker.New(chunker.Options{
		TargetWords:  tuning.TargetWords,
		OverlapWords: tuning.OverlapWords,
		MinWords:     tuning.MinWords,
		MaxWords:     tuning.MaxWords,
	})
}

// NewProcessor builds a worker with every pipeline handler registered.
func NewProcessor(
	cfg config.Config,
	stores Stores,
	jobs *service.JobsService,
	objects storage.ObjectStore,
	providers Providers,
	logger *log.Logger,
) *worker.Processor {
	deps := pipeline.NewDepsFromStore(stores.Store)
	deps.Chunker = NewChunker(cfg)
	deps.Embedder = providers.OpenAI
	deps.EmbedOptions = ai.EmbedOptions{Mode: ai.EmbedModeDocument, Concurrency: cfg.EmbedConcurrency}
	deps.Generator = providers.OpenAI
	deps.Router = providers.Router
	deps.Converter = convert.New()
	deps.Transcriber = transcribe.NewService(transcribe.Config{
		Cloud:        providers.OpenAI,
		WhisperModel: cfg.WhisperModel,
		Logger:       logger,
	})
	deps.Objects = objects
	deps.DeleteVideoAfterProcessing = cfg.DeleteVideoAfterProcessing
	deps.Logger = logger

	processor := worker.NewProcessor(jobs, worker.Config{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.WorkerPollInterval(),
		Timeouts:     JobTimeouts(cfg),
	}, logger)
	for jobType, handler := range pipeline.New(deps).Handlers() {
		processor.Register(jobType, worker.Handler(handler))
	}
	return processor
}

// JobTimeouts overlays the YAML per-type timeouts onto the defaults.
func JobTimeouts(cfg config.Config) map[domain.JobType]time.Duration {
	timeouts := worker.DefaultTimeouts()
	for name, seconds := range cfg.Tuning.Worker.TimeoutsSeconds {
		jobType := domain.JobType(name)
		if !jobType.Valid() || seconds <= 0 {
			continue
		}
		timeouts[jobType] = time.Duration(seconds) * time.Second
	}
	return timeouts
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
