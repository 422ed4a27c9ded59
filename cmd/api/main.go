package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/knowledge-pipeline/internal/bootstrap"
	"github.com/iago/knowledge-pipeline/internal/config"
	httpserver "github.com/iago/knowledge-pipeline/internal/http"
	"github.com/iago/knowledge-pipeline/internal/http/handlers"
	"github.com/iago/knowledge-pipeline/internal/http/middleware"
	"github.com/iago/knowledge-pipeline/internal/service"
	"github.com/iago/knowledge-pipeline/internal/storage"
)

func main() {
	logger := log.New(os.Stdout, "[kp-api] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg, err := config.LoadWithOverlay()
	if err != nil {
		logger.Fatalf("failed loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores := bootstrap.OpenStores(ctx, cfg, logger)
	defer stores.Close()

	publisher, publisherCloser := bootstrap.OpenPublisher(ctx, cfg, logger)
	defer publisherCloser()

	providers := bootstrap.NewProviders(cfg)
	engine := bootstrap.NewSearchEngine(cfg, stores.Store, providers, logger)
	chat := bootstrap.NewChatService(cfg, engine, stores.Store, providers, logger)
	jobsService := service.NewJobsService(stores.Jobs, publisher, logger)

	var (
		objects        storage.ObjectStore
		objectsHandler http.Handler
	)
	if local, err := bootstrap.NewObjectStore(cfg); err != nil {
		logger.Printf("object storage disabled: %v", err)
	} else {
		objects = local
		objectsHandler = local.Handler()
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Sweep(ctx)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API: handlers.NewAPI(handlers.Dependencies{
			Jobs:   jobsService,
			Search: engine,
			Chat:   chat,
			Logger: logger,
		}),
		Tenants: middleware.NewTenantResolver(
			stores.Store,
			time.Duration(cfg.TenantCacheTTLSeconds)*time.Second,
			cfg.TenantCacheMaxEntries,
			logger,
		),
		RateLimiter: limiter,
		Objects:     objectsHandler,
		Logger:      logger,
		AuthToken:   cfg.AuthToken,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		processor := bootstrap.NewProcessor(cfg, stores, jobsService, objects, providers, logger)
		go func() {
			defer close(workerDone)
			processor.Start(ctx)
		}()
		logger.Printf("embedded worker enabled worker_id=%s", processor.WorkerID())
	} else {
		close(workerDone)
		logger.Printf("embedded worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Chat streams can outlive a short write deadline.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	<-workerDone
}
