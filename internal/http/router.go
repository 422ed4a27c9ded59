package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/knowledge-pipeline/internal/http/handlers"
	"github.com/iago/knowledge-pipeline/internal/http/middleware"
)

type RouterDependencies struct {
	API         *handlers.API
	Tenants     *middleware.TenantResolver
	RateLimiter *middleware.RateLimiter
	Logger      *log.Logger
	AuthToken   string
	CORSOrigins []string

	// Objects serves signed object storage downloads under /objects/. Optional.
	Objects http.Handler
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/jobs", deps.API.Jobs)
	mux.HandleFunc("/v1/jobs/{id}", deps.API.JobStatus)
	mux.HandleFunc("/v1/search", deps.API.Search)
	mux.HandleFunc("/v1/similar/{chunkID}", deps.API.Similar)
	mux.HandleFunc("/v1/stats", deps.API.Stats)
	mux.HandleFunc("/v1/chat", deps.API.Chat)
	if deps.Objects != nil {
		mux.Handle("/objects/", deps.Objects)
	}

	handler := http.Handler(mux)
	handler = middleware.Tenant(deps.Tenants)(handler)
	handler = middleware.Auth(deps.AuthToken)(handler)
	if deps.RateLimiter != nil {
		handler = deps.RateLimiter.Middleware(handler)
	}
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
