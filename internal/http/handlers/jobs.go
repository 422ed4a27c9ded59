package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/http/middleware"
	"github.com/iago/knowledge-pipeline/internal/repository"
)

type dispatchRequest struct {
	Type    domain.JobType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type jobListResponse struct {
	Jobs     []domain.JobStatusView `json:"jobs"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// Jobs serves POST /v1/jobs (dispatch) and GET /v1/jobs (tenant scoped listing).
func (api *API) Jobs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		api.dispatchJob(w, r)
		return
	}
	api.listJobs(w, r)
}

func (api *API) dispatchJob(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var request dispatchRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body must be {type, payload}")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	cacheKey := tenantID + "|" + idempotencyKey
	payloadHash := hashPayload([]byte(request.Type), request.Payload)
	if idempotencyKey != "" {
		if entry, ok := api.idempotency.Get(cacheKey); ok {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different payload")
				return
			}
			job, err := api.jobs.Get(r.Context(), tenantID, entry.JobID)
			if err == nil {
				writeJSON(w, http.StatusAccepted, job.StatusView())
				return
			}
		}
	}

	job, err := api.jobs.Dispatch(r.Context(), tenantID, request.Type, request.Payload)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Set(cacheKey, idempotencyEntry{PayloadHash: payloadHash, JobID: job.ID})
	}

	api.logf("job dispatched request_id=%s tenant_id=%s type=%s job_id=%s",
		middleware.GetRequestID(r.Context()), tenantID, job.Type, job.ID)
	writeJSON(w, http.StatusAccepted, job.StatusView())
}

func (api *API) listJobs(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "page must be a positive integer")
		return
	}
	pageSize, err := queryInt(r, "page_size", 20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "page_size must be a positive integer")
		return
	}

	filter := repository.JobFilter{
		TenantID: middleware.GetTenantID(r.Context()),
		Status:   domain.JobStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Type:     domain.JobType(strings.TrimSpace(r.URL.Query().Get("type"))),
		Page:     page,
		PageSize: pageSize,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "unknown job type")
		return
	}

	jobs, total, err := api.jobs.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	views := make([]domain.JobStatusView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.StatusView())
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: views, Total: total, Page: page, PageSize: pageSize})
}

// JobStatus serves GET /v1/jobs/{id}.
func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	job, err := api.jobs.Get(r.Context(), middleware.GetTenantID(r.Context()), jobID)
	if err != nil {
		if err == repository.ErrNotFound {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.StatusView())
}
