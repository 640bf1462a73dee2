// Package control exposes the admin API on the internal listener: health,
// stats, blocklist management, archived hits, and corpus training.
package control

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quagmire/internal/archive"
	"quagmire/internal/enforce"
	"quagmire/internal/feed"
	"quagmire/internal/markov"
	"quagmire/internal/metadata"
	"quagmire/internal/state"
)

// Handler handles control API requests.
type Handler struct {
	store    state.Store
	enforcer *enforce.Service
	chain    *markov.Store
	hits     *archive.Archive // nil when archiving is disabled
	feed     *feed.Hub        // nil when the live stream is disabled
	apiKey   string
	mux      *http.ServeMux
}

// New creates the control API handler. An empty apiKey disables auth.
func New(store state.Store, enforcer *enforce.Service, chain *markov.Store, hits *archive.Archive, apiKey string) *Handler {
	h := &Handler{
		store:    store,
		enforcer: enforcer,
		chain:    chain,
		hits:     hits,
		apiKey:   apiKey,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/blocklist", h.handleBlocklist)
	h.mux.HandleFunc("/control/blocklist/", h.handleBlocklistEntry)
	h.mux.HandleFunc("/control/hits", h.handleHits)
	h.mux.HandleFunc("/control/train", h.handleTrain)
	h.mux.HandleFunc("/control/live", h.handleLive)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) == 1
}

// handleHealth handles GET /control/health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleStats handles GET /control/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{}

	records, err := h.store.ListBlocks(r.Context())
	if err != nil {
		slog.Error("stats blocklist read failed", "error", err)
	}
	stats["blocked"] = len(records)

	if h.chain != nil {
		words, sequences, err := h.chain.Stats()
		if err != nil {
			slog.Error("stats chain read failed", "error", err)
		}
		stats["corpus_words"] = words
		stats["corpus_sequences"] = sequences
	}

	if h.hits != nil {
		counts, err := h.hits.CountByIP(10)
		if err != nil {
			slog.Error("stats archive read failed", "error", err)
		}
		stats["top_visitors"] = counts
	}

	writeJSON(w, http.StatusOK, stats)
}

// blockRequest is the POST /control/blocklist payload.
type blockRequest struct {
	IP       string  `json:"ip"`
	Reason   string  `json:"reason"`
	TTLHours float64 `json:"ttl_hours,omitempty"`
}

// handleBlocklist handles GET (list) and POST (manual block).
func (h *Handler) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := h.store.ListBlocks(r.Context())
		if err != nil {
			http.Error(w, "blocklist unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":   len(records),
			"blocked": records,
		})

	case http.MethodPost:
		var req blockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
			http.Error(w, "ip is required", http.StatusBadRequest)
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "manual block"
		}
		dec := metadata.EscalationDecision{
			SourceIP:  req.IP,
			Score:     1.0,
			Reasons:   []string{reason},
			Trigger:   metadata.TriggerHeuristic,
			Timestamp: time.Now().UTC(),
		}
		if err := h.enforcer.Block(r.Context(), dec); err != nil {
			http.Error(w, "block failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "blocked", "ip": req.IP})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBlocklistEntry handles DELETE /control/blocklist/{ip}.
func (h *Handler) handleBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimPrefix(r.URL.Path, "/control/blocklist/")
	if ip == "" {
		http.Error(w, "IP required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.enforcer.Unblock(r.Context(), ip); err != nil {
		http.Error(w, "unblock failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": ip})
}

// handleHits handles GET /control/hits with optional ip and limit params.
func (h *Handler) handleHits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.hits == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}

	opts := archive.ListOptions{IP: r.URL.Query().Get("ip")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	hits, err := h.hits.ListHits(opts)
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(hits),
		"hits":  hits,
	})
}

// handleTrain handles POST /control/train: the raw body is ingested into
// the corpus chain.
func (h *Handler) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.chain == nil {
		http.Error(w, "corpus unavailable", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil || len(body) == 0 {
		http.Error(w, "corpus text required", http.StatusBadRequest)
		return
	}
	added, err := h.chain.Train(string(body))
	if err != nil {
		slog.Error("corpus training failed", "error", err)
		http.Error(w, "training failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": added})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
