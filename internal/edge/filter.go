// Package edge implements the request filter in front of the protected
// origin. It consults the shared blocklist, screens user agents, and
// rewrites suspicious traffic into the tarpit instead of revealing that
// anything was detected.
package edge

import (
	"log/slog"
	"net/http"
	"strings"

	"quagmire/internal/metadata"
	"quagmire/internal/metrics"
	"quagmire/internal/state"
)

// ReasonHeader carries the rewrite cause into the tarpit handler so hits
// can be archived with their trigger. It is stripped from responses.
const ReasonHeader = "X-Tarpit-Reason"

// Filter inspects requests in a fixed order: blocklist, agent screen,
// tarpit revisit flag, header heuristics. Only requests that clear every
// stage reach the origin handler.
type Filter struct {
	store  state.Store
	tarpit http.Handler
	next   http.Handler

	tarpitPrefix       string
	knownBadAgents     []string
	benignAgents       []string
	requireHeaders     []string
	checkGenericAccept bool
}

// Options configures a Filter.
type Options struct {
	TarpitPathPrefix   string
	KnownBadAgents     []string
	BenignAgents       []string
	RequireHeaders     []string
	CheckGenericAccept bool // flag an Accept header of exactly */*
}

// NewFilter creates the edge filter. The tarpit handler serves rewritten
// traffic; next serves everything that passes.
func NewFilter(store state.Store, tarpit, next http.Handler, opts Options) *Filter {
	lower := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = strings.ToLower(s)
		}
		return out
	}
	return &Filter{
		store:              store,
		tarpit:             tarpit,
		next:               next,
		tarpitPrefix:       strings.TrimSuffix(opts.TarpitPathPrefix, "/"),
		knownBadAgents:     lower(opts.KnownBadAgents),
		benignAgents:       lower(opts.BenignAgents),
		requireHeaders:     opts.RequireHeaders,
		checkGenericAccept: opts.CheckGenericAccept,
	}
}

func (f *Filter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := metadata.ClientIP(r)
	ctx := r.Context()

	// Stage 1: blocklist. A read failure fails open; the filter must not
	// take the site down when Redis is unreachable.
	rec, blocked, err := f.store.CheckBlock(ctx, ip)
	if err != nil {
		metrics.StateErrors.WithLabelValues("check_block").Inc()
		slog.Warn("blocklist check failed, failing open", "ip", ip, "error", err)
	}
	if blocked {
		metrics.EdgeRequests.WithLabelValues("blocked").Inc()
		slog.Info("blocked request refused", "ip", ip, "reason", rec.Reason)
		http.Error(w, "Access Denied.", http.StatusForbidden)
		return
	}

	// Stage 2: agent screen. Benign crawlers are exempt from the bad list
	// so a "scan"-style substring cannot catch Googlebot variants.
	agent := strings.ToLower(r.UserAgent())
	if f.matchesAny(agent, f.knownBadAgents) && !f.matchesAny(agent, f.benignAgents) {
		metrics.EdgeRequests.WithLabelValues("forbidden_agent").Inc()
		slog.Info("known-bad agent refused", "ip", ip, "user_agent", r.UserAgent())
		http.Error(w, "Access Denied.", http.StatusForbidden)
		return
	}

	// Stage 3: anything already inside or flagged for the labyrinth stays
	// there.
	if f.tarpitPrefix != "" && (r.URL.Path == f.tarpitPrefix || strings.HasPrefix(r.URL.Path, f.tarpitPrefix+"/")) {
		f.rewrite(w, r, "labyrinth_path")
		return
	}
	in, err := f.store.InTarpit(ctx, ip)
	if err != nil {
		metrics.StateErrors.WithLabelValues("in_tarpit").Inc()
		slog.Warn("tarpit flag check failed, failing open", "ip", ip, "error", err)
	}
	if in {
		f.rewrite(w, r, "revisit")
		return
	}

	// Stage 4: header heuristics. Real browsers send these; bare HTTP
	// clients rarely bother. Every tripped check is recorded so the
	// reason header carries the full set.
	var reasons []string
	if agent == "" {
		reasons = append(reasons, "empty_agent")
	}
	for _, name := range f.requireHeaders {
		if r.Header.Get(name) == "" {
			reasons = append(reasons, "missing_header:"+strings.ToLower(name))
		}
	}
	if f.checkGenericAccept && strings.TrimSpace(r.Header.Get("Accept")) == "*/*" {
		reasons = append(reasons, "generic_accept")
	}
	if len(reasons) > 0 {
		f.rewrite(w, r, strings.Join(reasons, ";"))
		return
	}

	metrics.EdgeRequests.WithLabelValues("pass").Inc()
	f.next.ServeHTTP(w, r)
}

// rewrite hands the request to the tarpit. The response looks like any
// other page; only the internal reason header distinguishes it.
func (f *Filter) rewrite(w http.ResponseWriter, r *http.Request, reason string) {
	metrics.EdgeRequests.WithLabelValues("tarpit").Inc()
	slog.Debug("request rewritten to tarpit", "ip", metadata.ClientIP(r), "path", r.URL.Path, "reason", reason)
	r.Header.Set(ReasonHeader, reason)
	f.tarpit.ServeHTTP(w, r)
}

func (f *Filter) matchesAny(agent string, needles []string) bool {
	if agent == "" {
		return false
	}
	for _, n := range needles {
		if n != "" && strings.Contains(agent, n) {
			return true
		}
	}
	return false
}
