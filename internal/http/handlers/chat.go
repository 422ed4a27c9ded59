package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/http/middleware"
	"github.com/iago/knowledge-pipeline/internal/rag"
)

type chatRequest struct {
	Query            string `json:"query"`
	MaxContextChunks int    `json:"max_context_chunks,omitempty"`
	Model            string `json:"model,omitempty"`
	Stream           bool   `json:"stream,omitempty"`
	UserID           string `json:"user_id,omitempty"`
}

type streamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type citationsFrame struct {
	Type      string            `json:"type"`
	Citations []domain.Citation `json:"citations"`
}

// Chat answers a question over the tenant's documents, as JSON or as server-sent events.
func (api *API) Chat(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var body chatRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid chat payload")
		return
	}

	request := rag.ChatRequest{
		TenantID:         middleware.GetTenantID(r.Context()),
		UserID:           body.UserID,
		Query:            body.Query,
		Model:            body.Model,
		MaxContextChunks: body.MaxContextChunks,
	}

	if !body.Stream {
		answer, err := api.chat.Answer(r.Context(), request)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		if answer.Citations == nil {
			answer.Citations = []domain.Citation{}
		}
		writeJSON(w, http.StatusOK, answer)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deltas, done := api.chat.Stream(r.Context(), request)
	for delta := range deltas {
		writeFrame(w, streamFrame{Type: "chunk", Content: delta})
		flusher.Flush()
	}

	outcome := <-done
	if outcome.Err != nil {
		api.logf("chat stream failed request_id=%s tenant_id=%s err=%v",
			middleware.GetRequestID(r.Context()), request.TenantID, outcome.Err)
		writeFrame(w, streamFrame{Type: "error", Error: streamErrorMessage(outcome.Err)})
		flusher.Flush()
		return
	}

	citations := outcome.Answer.Citations
	if citations == nil {
		citations = []domain.Citation{}
	}
	writeFrame(w, citationsFrame{Type: "citations", Citations: citations})
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeFrame(w http.ResponseWriter, frame any) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", encoded)
}

func streamErrorMessage(err error) string {
	if domain.IsValidation(err) {
		return err.Error()
	}
	return "failed to generate answer"
}
