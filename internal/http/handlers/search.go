package handlers

import (
	"net/http"
	"strings"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/http/middleware"
	"github.com/iago/knowledge-pipeline/internal/search"
)

type searchRequest struct {
	Query        string `json:"query"`
	Limit        int    `json:"limit,omitempty"`
	UseReranking *bool  `json:"use_reranking,omitempty"`
	RerankTopN   int    `json:"rerank_top_n,omitempty"`
}

type searchResponse struct {
	Results []domain.SearchResult `json:"results"`
	Count   int                   `json:"count"`
}

func (api *API) Search(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var body searchRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid search payload")
		return
	}

	request := search.NewRequest(middleware.GetTenantID(r.Context()), body.Query)
	if body.Limit > 0 {
		request.Limit = body.Limit
	}
	if body.UseReranking != nil {
		request.UseReranking = *body.UseReranking
	}
	if body.RerankTopN > 0 {
		request.RerankTopN = body.RerankTopN
	}

	results, err := api.search.Search(r.Context(), request)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: nonNilResults(results), Count: len(results)})
}

// Similar serves GET /v1/similar/{chunkID}.
func (api *API) Similar(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	chunkID := strings.TrimSpace(r.PathValue("chunkID"))
	limit, err := queryInt(r, "limit", search.DefaultSimilarLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}

	results, err := api.search.FindSimilar(r.Context(), middleware.GetTenantID(r.Context()), chunkID, limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: nonNilResults(results), Count: len(results)})
}

func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := api.search.Stats(r.Context(), middleware.GetTenantID(r.Context()))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func nonNilResults(results []domain.SearchResult) []domain.SearchResult {
	if results == nil {
		return []domain.SearchResult{}
	}
	return results
}
