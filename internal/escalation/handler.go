package escalation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"quagmire/internal/metadata"
)

// Handler exposes the scoring pipeline over HTTP on the internal listener.
type Handler struct {
	engine *Engine
}

// NewHandler creates the HTTP surface for an engine.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the escalation endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/escalate", h.handleEscalate)
}

// handleEscalate scores the posted metadata and returns the decision.
// Enforcement fires for malicious verdicts before the response is written.
func (h *Handler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	md, ok := decodeMetadata(w, r)
	if !ok {
		return
	}
	decision := h.engine.Process(r.Context(), md)
	writeJSON(w, http.StatusOK, decision)
}

func decodeMetadata(w http.ResponseWriter, r *http.Request) (metadata.RequestMetadata, bool) {
	var md metadata.RequestMetadata
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return md, false
	}
	if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
		http.Error(w, "invalid metadata payload", http.StatusBadRequest)
		return md, false
	}
	if md.SourceIP == "" {
		http.Error(w, "source_ip is required", http.StatusBadRequest)
		return md, false
	}
	return md, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Reporter adapts the engine to the tarpit's fire-and-forget contract for
// in-process deployments.
type Reporter struct {
	engine  *Engine
	timeout time.Duration
}

// NewReporter creates a reporter with a per-report deadline.
func NewReporter(engine *Engine, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reporter{engine: engine, timeout: timeout}
}

// Report scores md in the background; the caller never blocks.
func (r *Reporter) Report(md metadata.RequestMetadata) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.engine.Process(ctx, md)
	}()
}
