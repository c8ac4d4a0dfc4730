package reporter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/granary-io/granary/internal/catalog"
)

type (
	// Submitter is the coordinator surface the boundary needs. The
	// production implementation is saga.Coordinator.
	Submitter interface {
		Submit(ctx context.Context, m catalog.Mutation) catalog.Result
	}

	// Handler is the minimal transport boundary around the coordinator: it
	// decodes one mutation per request, submits it, publishes the audit
	// event, and writes the status mapping from StatusFor. Authentication,
	// authorization, and schema validation belong to middleware deployed in
	// front of it.
	Handler struct {
		submitter Submitter
		publisher *Publisher
		logger    *slog.Logger
	}

	// response is the JSON body written for every mutation request.
	response struct {
		Message      string   `json:"message"`
		Verdict      string   `json:"verdict"`
		BlockingRefs []string `json:"blockingRefs,omitempty"`
	}
)

// NewHandler creates the mutation submission handler. publisher may be nil
// when audit publishing is disabled.
func NewHandler(submitter Submitter, publisher *Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "boundary")),
	}
}

// ServeHTTP implements http.Handler for POST requests carrying one mutation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	var m catalog.Mutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "malformed mutation: "+err.Error(), http.StatusBadRequest)

		return
	}

	res := h.submitter.Submit(r.Context(), m)

	if h.publisher != nil {
		// Best-effort: a failed audit write is logged by the publisher and
		// never changes the mutation outcome.
		_ = h.publisher.Publish(r.Context(), m, res)
	}

	code, message := StatusFor(m, res)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(response{
		Message:      message,
		Verdict:      res.Verdict.String(),
		BlockingRefs: res.BlockingRefs,
	}); err != nil {
		h.logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}
