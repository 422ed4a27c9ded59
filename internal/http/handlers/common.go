package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/knowledge-pipeline/internal/ai"
	"github.com/iago/knowledge-pipeline/internal/cache"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/http/middleware"
	"github.com/iago/knowledge-pipeline/internal/policy"
	"github.com/iago/knowledge-pipeline/internal/rag"
	"github.com/iago/knowledge-pipeline/internal/repository"
	"github.com/iago/knowledge-pipeline/internal/search"
)

const (
	maxBodyBytes   = 1 << 20
	idempotencyTTL = 24 * time.Hour
)

var errInvalidPayload = errors.New("invalid payload")

type JobService interface {
	Dispatch(ctx context.Context, tenantID string, jobType domain.JobType, payload json.RawMessage) (*domain.Job, error)
	Get(ctx context.Context, tenantID, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter repository.JobFilter) ([]*domain.Job, int, error)
}

type SearchService interface {
	Search(ctx context.Context, request search.Request) ([]domain.SearchResult, error)
	FindSimilar(ctx context.Context, tenantID, chunkID string, limit int) ([]domain.SearchResult, error)
	Stats(ctx context.Context, tenantID string) (domain.IndexStats, error)
}

type ChatService interface {
	Answer(ctx context.Context, request rag.ChatRequest) (rag.Answer, error)
	Stream(ctx context.Context, request rag.ChatRequest) (<-chan string, <-chan rag.StreamOutcome)
}

type Dependencies struct {
	Jobs   JobService
	Search SearchService
	Chat   ChatService
	Logger *log.Logger
}

type API struct {
	jobs        JobService
	search      SearchService
	chat        ChatService
	logger      *log.Logger
	idempotency *cache.TTLCache[idempotencyEntry]
}

func NewAPI(deps Dependencies) *API {
	return &API{
		jobs:        deps.Jobs,
		search:      deps.Search,
		chat:        deps.Chat,
		logger:      deps.Logger,
		idempotency: cache.New[idempotencyEntry](cache.Config{TTL: idempotencyTTL, MaxEntries: 10000}),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps domain and provider errors onto HTTP responses.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *domain.ValidationError
		policyErr     *policy.PolicyViolationError
		providerErr   *ai.ProviderError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, r, http.StatusBadRequest, "invalid_request", validationErr.Error())
	case errors.As(err, &policyErr):
		writeError(w, r, http.StatusUnprocessableEntity, "policy_violation", policyErr.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, ai.ErrProviderUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "provider_unavailable", "ai provider unavailable")
	case errors.As(err, &providerErr):
		api.logf("provider error request_id=%s err=%v", middleware.GetRequestID(r.Context()), err)
		writeError(w, r, http.StatusBadGateway, "provider_error", "upstream provider failed")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		api.logf("request failed request_id=%s path=%s err=%v", middleware.GetRequestID(r.Context()), r.URL.Path, err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errInvalidPayload
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errInvalidPayload
	}
	return value, nil
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	return false
}

type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
}

func hashPayload(parts ...[]byte) uint64 {
	hasher := fnv.New64a()
	for _, part := range parts {
		_, _ = hasher.Write(part)
		_, _ = hasher.Write([]byte{0})
	}
	return hasher.Sum64()
}

func (api *API) logf(format string, args ...any) {
	if api.logger != nil {
		api.logger.Printf(format, args...)
	}
}
