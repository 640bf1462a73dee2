package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quagmire/internal/archive"
	"quagmire/internal/config"
	"quagmire/internal/control"
	"quagmire/internal/edge"
	"quagmire/internal/enforce"
	"quagmire/internal/escalation"
	"quagmire/internal/feed"
	"quagmire/internal/markov"
	"quagmire/internal/metadata"
	"quagmire/internal/state"
	"quagmire/internal/tarpit"
	"quagmire/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/quagmire.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting quagmire",
		"version", "0.1.0",
		"edge_listen", cfg.Edge.Listen,
		"escalation_listen", cfg.Escalation.Listen,
		"state_store", cfg.State.Store,
	)

	// Initialize shared state based on configuration
	var store state.Store
	switch cfg.State.Store {
	case "redis":
		redisStore, err := state.NewRedisStore(state.RedisOptions{
			Addr:      cfg.State.Redis.Addr,
			Password:  cfg.State.Redis.Password,
			DB:        cfg.State.Redis.DB,
			KeyPrefix: cfg.State.Redis.KeyPrefix,
			Timeout:   cfg.State.Redis.Timeout,
		})
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("using Redis shared state", "addr", cfg.State.Redis.Addr)
	default:
		store = state.NewMemoryStore()
		slog.Info("using in-memory shared state")
	}

	// Open the corpus database
	if dir := filepath.Dir(cfg.Markov.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dir)
			os.Exit(1)
		}
	}
	chain, err := markov.Open(cfg.Markov.Path)
	if err != nil {
		slog.Error("failed to open corpus database", "error", err, "path", cfg.Markov.Path)
		os.Exit(1)
	}
	if words, sequences, err := chain.Stats(); err == nil {
		slog.Info("corpus loaded", "words", words, "sequences", sequences)
		if sequences == 0 {
			slog.Warn("corpus is empty; train it via the control API before serving tarpit traffic")
		}
	}

	// Initialize the hit archive
	var hits *archive.Archive
	if cfg.Archive.Enabled {
		dataDir := filepath.Dir(cfg.Archive.Path)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
		hits, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			slog.Error("failed to open hit archive", "error", err)
			os.Exit(1)
		}
		slog.Info("hit archive enabled", "path", cfg.Archive.Path, "retention_days", cfg.Archive.RetentionDays)
	}

	// Initialize telemetry (graceful degradation if initialization fails)
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		var err error
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled",
				"exporter", cfg.Telemetry.Exporter,
				"endpoint", cfg.Telemetry.Endpoint,
			)
		}
	}

	// Enforcement service: community reporting and alert channels are optional
	var reporter *enforce.CommunityReporter
	if cfg.Enforcement.Community.Enabled {
		reporter = enforce.NewCommunityReporter(
			cfg.Enforcement.Community.Endpoint,
			cfg.Enforcement.Community.APIKey,
			cfg.Enforcement.Community.Timeout,
		)
		slog.Info("community reporting enabled", "endpoint", cfg.Enforcement.Community.Endpoint)
	}
	var alerter *enforce.Alerter
	alerts := cfg.Enforcement.Alerts
	if alerts.Webhook != "" || alerts.SlackWebhook != "" || alerts.SMTP.Enabled {
		alerter = enforce.NewAlerter(alerts.Webhook, alerts.SlackWebhook, enforce.SMTPSettings{
			Enabled:  alerts.SMTP.Enabled,
			Host:     alerts.SMTP.Host,
			Port:     alerts.SMTP.Port,
			Username: alerts.SMTP.Username,
			Password: alerts.SMTP.Password,
			From:     alerts.SMTP.From,
			To:       alerts.SMTP.To,
		}, alerts.Timeout)
		slog.Info("alerting enabled",
			"webhook", alerts.Webhook != "",
			"slack", alerts.SlackWebhook != "",
			"email", alerts.SMTP.Enabled,
			"min_severity", alerts.MinSeverity,
		)
	}
	enforcer := enforce.NewService(store, reporter, alerter, enforce.Options{
		BlockTTL:      cfg.Enforcement.BlockTTL,
		SeverityOrder: alerts.SeverityOrder,
		MinSeverity:   alerts.MinSeverity,
	})

	// Live event hub feeds the operator websocket stream
	events := feed.NewHub()
	enforcer.SetEventFeed(events)

	// Scoring pipeline
	classifier, err := escalation.LoadClassifier(cfg.Escalation.ModelPath)
	if err != nil {
		slog.Warn("failed to load model artifact, scoring with rules only", "error", err, "path", cfg.Escalation.ModelPath)
		classifier = nil
	} else if classifier != nil {
		slog.Info("model artifact loaded", "path", cfg.Escalation.ModelPath)
	}
	rules := escalation.NewRuleset(cfg.Edge.KnownBadAgents, cfg.Edge.BenignAgents, cfg.Escalation.RobotsDisallow)

	var steps []escalation.ScoreStep
	if cfg.Escalation.Reputation.Enabled {
		steps = append(steps, escalation.NewReputationStep(
			cfg.Escalation.Reputation.Endpoint,
			cfg.Escalation.Reputation.APIKey,
			cfg.Escalation.Reputation.Bonus,
			cfg.Escalation.Reputation.Timeout,
		))
		slog.Info("reputation lookup enabled", "endpoint", cfg.Escalation.Reputation.Endpoint)
	}
	if cfg.Escalation.LLM.Enabled {
		steps = append(steps, escalation.NewLLMStep(
			cfg.Escalation.LLM.Endpoint,
			cfg.Escalation.LLM.APIKey,
			cfg.Escalation.LLM.Model,
			cfg.Escalation.LLM.Timeout,
		))
		slog.Info("llm second opinion enabled", "model", cfg.Escalation.LLM.Model)
	}

	// Malicious verdicts go to a remote enforcement webhook when one is
	// configured, otherwise straight to the in-process service.
	var deliverer escalation.Deliverer
	if cfg.Escalation.Webhook.URL != "" {
		deliverer = escalation.NewWebhookDeliverer(
			cfg.Escalation.Webhook.URL,
			cfg.Escalation.Webhook.Timeout,
			cfg.Escalation.Webhook.MaxRetries,
			cfg.Escalation.Webhook.RetryBase,
		)
		slog.Info("enforcement delivery via webhook", "url", cfg.Escalation.Webhook.URL)
	} else {
		deliverer = enforce.NewDeliverer(enforcer)
	}

	engine := escalation.NewEngine(store, rules, classifier, steps, deliverer, escalation.EngineOptions{
		ThresholdLow:    cfg.Escalation.ThresholdLow,
		ThresholdHigh:   cfg.Escalation.ThresholdHigh,
		FrequencyWindow: cfg.Escalation.FrequencyWindow,
		CaptchaEnabled:  cfg.Escalation.Captcha.Enabled,
		CaptchaLow:      cfg.Escalation.Captcha.ThresholdLow,
		CaptchaHigh:     cfg.Escalation.Captcha.ThresholdHigh,
		ChallengeURL:    cfg.Escalation.Captcha.VerificationURL,
	})
	engine.SetEventFeed(events)

	// Tarpit: every served page reports back into the escalation engine and,
	// when archiving is on, into the hit archive.
	escalators := fanoutEscalator{escalation.NewReporter(engine, 0)}
	if hits != nil {
		escalators = append(escalators, &archiveEscalator{hits: hits})
	}
	generator := tarpit.NewGenerator(chain, tarpit.GeneratorOptions{
		Seed:         cfg.Tarpit.SystemSeed,
		MinWords:     cfg.Tarpit.MinWords,
		MaxWords:     cfg.Tarpit.MaxWords,
		LinksPerPage: cfg.Tarpit.LinksPerPage,
		PathPrefix:   cfg.Edge.TarpitPathPrefix,
	})
	labyrinth := tarpit.NewHandler(store, generator, escalators, enforcer.BlockHopOverflow, tarpit.HandlerOptions{
		MaxHops:    cfg.Tarpit.MaxHops,
		HopWindow:  cfg.Tarpit.HopWindow,
		FlagTTL:    cfg.Tarpit.FlagTTL,
		DelayMin:   cfg.Tarpit.DelayMin,
		DelayMax:   cfg.Tarpit.DelayMax,
		ChunkBytes: cfg.Tarpit.ChunkBytes,
		ZipDecoys:  cfg.Tarpit.ZipDecoys,
	})

	// Traffic that passes the edge filter goes to the protected origin
	var next http.Handler
	if cfg.Edge.Upstream != "" {
		upstream, err := url.Parse(cfg.Edge.Upstream)
		if err != nil {
			slog.Error("invalid upstream URL", "error", err, "upstream", cfg.Edge.Upstream)
			os.Exit(1)
		}
		next = httputil.NewSingleHostReverseProxy(upstream)
		slog.Info("proxying clean traffic", "upstream", cfg.Edge.Upstream)
	} else {
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintln(w, "ok")
		})
		slog.Warn("no upstream configured, clean traffic gets a placeholder response")
	}

	filter := edge.NewFilter(store, labyrinth, next, edge.Options{
		TarpitPathPrefix:   cfg.Edge.TarpitPathPrefix,
		KnownBadAgents:     cfg.Edge.KnownBadAgents,
		BenignAgents:       cfg.Edge.BenignAgents,
		RequireHeaders:     cfg.Edge.RequireHeaders,
		CheckGenericAccept: cfg.Edge.CheckGenericAccept,
	})

	var edgeHandler http.Handler = filter
	if !cfg.Edge.TrustForwarded {
		edgeHandler = stripForwarded(edgeHandler)
	}
	if tp != nil && tp.Enabled() {
		edgeHandler = traceRequests(tp, edgeHandler)
	}

	edgeMux := http.NewServeMux()
	edgeMux.HandleFunc("/health", handleHealth)
	edgeMux.Handle("/", edgeHandler)

	// Internal listener: escalation intake, enforcement, control API, metrics
	internalMux := http.NewServeMux()
	escalation.NewHandler(engine).Register(internalMux)
	enforce.NewHandler(enforcer).Register(internalMux)
	if cfg.Control.Enabled {
		apiKey := ""
		if cfg.Control.Auth.Enabled {
			apiKey = cfg.Control.Auth.APIKey
		}
		ctl := control.New(store, enforcer, chain, hits, apiKey)
		ctl.AttachFeed(events)
		internalMux.Handle("/control/", ctl)
	}
	internalMux.Handle("/metrics", promhttp.Handler())
	internalMux.HandleFunc("/health", handleHealth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if hits != nil && cfg.Archive.RetentionDays > 0 {
		go pruneArchive(ctx, hits, time.Duration(cfg.Archive.RetentionDays)*24*time.Hour)
	}

	// Setup HTTP servers
	edgeServer := &http.Server{
		Addr:         cfg.Edge.Listen,
		Handler:      edgeMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Disable for the tarpit's slow streaming
		IdleTimeout:  120 * time.Second,
	}
	internalServer := &http.Server{
		Addr:         cfg.Escalation.Listen,
		Handler:      internalMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start servers
	errChan := make(chan error, 2)

	go func() {
		slog.Info("edge server starting", "addr", cfg.Edge.Listen)
		if err := edgeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("edge server error: %w", err)
		}
	}()

	go func() {
		slog.Info("internal server starting", "addr", cfg.Escalation.Listen)
		if err := internalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("internal server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := edgeServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("edge server shutdown error", "error", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("internal server shutdown error", "error", err)
	}

	if err := store.Close(); err != nil {
		slog.Error("state store close error", "error", err)
	}
	if err := chain.Close(); err != nil {
		slog.Error("corpus close error", "error", err)
	}
	if hits != nil {
		if err := hits.Close(); err != nil {
			slog.Error("hit archive close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("quagmire stopped")
}

// handleHealth answers liveness probes on both listeners.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"healthy"}`)
}

// fanoutEscalator reports tarpit hits to every registered sink.
type fanoutEscalator []tarpit.Escalator

func (f fanoutEscalator) Report(md metadata.RequestMetadata) {
	for _, e := range f {
		e.Report(md)
	}
}

// archiveEscalator records tarpit hits into the archive, tagging each with
// the rewrite reason the edge filter stamped on the request.
type archiveEscalator struct {
	hits *archive.Archive
}

func (a *archiveEscalator) Report(md metadata.RequestMetadata) {
	if err := a.hits.Record(md, md.Headers[edge.ReasonHeader]); err != nil {
		slog.Warn("failed to archive hit", "error", err, "ip", md.SourceIP)
	}
}

// pruneArchive deletes hits older than the retention window once an hour.
func pruneArchive(ctx context.Context, hits *archive.Archive, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := hits.Prune(retention)
			if err != nil {
				slog.Error("archive prune failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("pruned archived hits", "deleted", deleted)
			}
		}
	}
}

// stripForwarded drops client-supplied forwarding headers so the transport
// remote address is authoritative.
func stripForwarded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del("X-Forwarded-For")
		r.Header.Del("X-Real-Ip")
		next.ServeHTTP(w, r)
	})
}

// traceRequests wraps the edge handler in a server span per request.
func traceRequests(tp *telemetry.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tp.StartRequestSpan(r.Context(), metadata.ClientIP(r), r.Method, r.URL.Path)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		verdict := "pass"
		switch {
		case r.Header.Get(edge.ReasonHeader) != "":
			verdict = "tarpit"
		case sw.status == http.StatusForbidden:
			verdict = "blocked"
		}
		tp.EndRequestSpan(span, verdict, sw.status, nil)
	})
}

// statusWriter records the response code while preserving streaming.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
