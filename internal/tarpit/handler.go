package tarpit

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"quagmire/internal/metadata"
	"quagmire/internal/metrics"
	"quagmire/internal/state"
)

// Escalator receives metadata for every labyrinth hit. Implementations must
// not block the serving goroutine.
type Escalator interface {
	Report(md metadata.RequestMetadata)
}

// Overflow is invoked when a visitor exhausts the hop budget. The
// implementation decides the consequence (normally a blocklist write).
type Overflow func(ctx context.Context, ip string, hops int64)

// Handler serves the labyrinth: hop accounting, visit flagging, and the
// slow drip of generated pages.
type Handler struct {
	store     state.Store
	gen       *Generator
	escalator Escalator
	overflow  Overflow

	maxHops   int64
	hopWindow time.Duration
	flagTTL   time.Duration
	delayMin  time.Duration
	delayMax  time.Duration
	chunkSize int
	zipDecoys bool

	mu  sync.Mutex
	rng *rand.Rand // stream pacing only; page bytes come from the generator

	sleep func(ctx context.Context, d time.Duration) bool // test hook
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	MaxHops    int64
	HopWindow  time.Duration
	FlagTTL    time.Duration
	DelayMin   time.Duration
	DelayMax   time.Duration
	ChunkBytes int
	ZipDecoys  bool
}

// NewHandler creates the labyrinth handler.
func NewHandler(store state.Store, gen *Generator, escalator Escalator, overflow Overflow, opts HandlerOptions) *Handler {
	chunk := opts.ChunkBytes
	if chunk <= 0 {
		chunk = 256
	}
	return &Handler{
		store:     store,
		gen:       gen,
		escalator: escalator,
		overflow:  overflow,
		maxHops:   opts.MaxHops,
		hopWindow: opts.HopWindow,
		flagTTL:   opts.FlagTTL,
		delayMin:  opts.DelayMin,
		delayMax:  opts.DelayMax,
		chunkSize: chunk,
		zipDecoys: opts.ZipDecoys,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/favicon.ico" || strings.HasSuffix(r.URL.Path, "/favicon.ico") {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ip := metadata.ClientIP(r)
	ctx := r.Context()

	// Mark the visit before anything else so the escalation engine sees
	// tarpit context even if this stream dies early.
	if err := h.store.MarkTarpit(ctx, ip, h.flagTTL); err != nil {
		metrics.StateErrors.WithLabelValues("mark_tarpit").Inc()
		slog.Warn("tarpit flag write failed", "ip", ip, "error", err)
	}

	hops, err := h.store.IncrHops(ctx, ip, h.hopWindow)
	if err != nil {
		metrics.StateErrors.WithLabelValues("incr_hops").Inc()
		slog.Warn("hop accounting failed", "ip", ip, "error", err)
		// Keep serving; losing a hop count must not release the visitor.
	}

	if h.escalator != nil {
		md := metadata.FromRequest(r)
		md.Source = "tarpit"
		h.escalator.Report(md)
	}

	if hops > h.maxHops {
		metrics.HopOverflows.Inc()
		slog.Info("hop budget exhausted", "ip", ip, "hops", hops)
		if h.overflow != nil {
			h.overflow(ctx, ip, hops)
		}
		http.Error(w, "Access Denied.", http.StatusForbidden)
		return
	}

	if h.zipDecoys && strings.HasSuffix(r.URL.Path, ".zip") {
		h.serveZip(w, r)
		return
	}
	h.servePage(w, r)
}

func (h *Handler) serveZip(w http.ResponseWriter, r *http.Request) {
	data, err := h.gen.Zip(r.URL.Path)
	if err != nil {
		slog.Error("decoy archive generation failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (h *Handler) servePage(w http.ResponseWriter, r *http.Request) {
	page, err := h.gen.Page(r.URL.Path)
	if err != nil {
		slog.Error("page generation failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	body, err := page.HTML()
	if err != nil {
		slog.Error("page render failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	metrics.TarpitPages.Inc()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
	w.WriteHeader(http.StatusOK)

	metrics.TarpitActive.Inc()
	defer metrics.TarpitActive.Dec()
	start := time.Now()
	defer func() { metrics.TarpitStreamSeconds.Observe(time.Since(start).Seconds()) }()

	flusher, canFlush := w.(http.Flusher)
	ctx := r.Context()
	for off := 0; off < len(body); off += h.chunkSize {
		end := off + h.chunkSize
		if end > len(body) {
			end = len(body)
		}
		if _, err := w.Write(body[off:end]); err != nil {
			return // client gone
		}
		if canFlush {
			flusher.Flush()
		}
		if end < len(body) {
			if !h.sleep(ctx, h.delay()) {
				return
			}
		}
	}
}

// delay draws a uniform pause between the configured bounds.
func (h *Handler) delay() time.Duration {
	if h.delayMax <= h.delayMin {
		return h.delayMin
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delayMin + time.Duration(h.rng.Int63n(int64(h.delayMax-h.delayMin)))
}

// sleepCtx waits for d or the context, whichever ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
