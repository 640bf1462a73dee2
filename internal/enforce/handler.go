package enforce

import (
	"context"
	"encoding/json"
	"net/http"

	"quagmire/internal/metadata"
)

// Handler exposes the enforcement webhook on the internal listener.
type Handler struct {
	service *Service
}

// NewHandler creates the HTTP surface for a service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the enforcement endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/analyze", h.handleAnalyze)
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req metadata.EnforcementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid enforcement payload", http.StatusBadRequest)
		return
	}
	if req.Decision.SourceIP == "" {
		http.Error(w, "decision.source_ip is required", http.StatusBadRequest)
		return
	}
	if err := h.service.Apply(r.Context(), req); err != nil {
		http.Error(w, "enforcement failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// Deliverer adapts the service to the escalation engine's delivery
// contract for single-process deployments.
type Deliverer struct {
	service *Service
}

// NewDeliverer wraps a service for in-process delivery.
func NewDeliverer(service *Service) *Deliverer {
	return &Deliverer{service: service}
}

// Deliver applies the enforcement request directly.
func (d *Deliverer) Deliver(ctx context.Context, req metadata.EnforcementRequest) error {
	return d.service.Apply(ctx, req)
}
