package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quagmire/internal/feed"
	"quagmire/internal/metadata"
	"quagmire/internal/metrics"
	"quagmire/internal/state"
)

// Deliverer hands a malicious verdict to enforcement.
type Deliverer interface {
	Deliver(ctx context.Context, req metadata.EnforcementRequest) error
}

// Engine runs the scoring pipeline.
type Engine struct {
	store      state.Store
	rules      *Ruleset
	classifier *Classifier
	steps      []ScoreStep
	deliverer  Deliverer
	events     *feed.Hub // nil when no live feed

	thresholdLow  float64
	thresholdHigh float64
	freqWindow    time.Duration

	captchaEnabled bool
	captchaLow     float64
	captchaHigh    float64
	challengeURL   string
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	ThresholdLow    float64
	ThresholdHigh   float64
	FrequencyWindow time.Duration

	// Captcha band: suspicious verdicts whose score falls in
	// [CaptchaLow, CaptchaHigh) carry the challenge URL.
	CaptchaEnabled bool
	CaptchaLow     float64
	CaptchaHigh    float64
	ChallengeURL   string
}

// NewEngine assembles the pipeline. classifier and steps may be empty;
// deliverer may be nil for analyze-only deployments.
func NewEngine(store state.Store, rules *Ruleset, classifier *Classifier, steps []ScoreStep, deliverer Deliverer, opts EngineOptions) *Engine {
	return &Engine{
		store:          store,
		rules:          rules,
		classifier:     classifier,
		steps:          steps,
		deliverer:      deliverer,
		thresholdLow:   opts.ThresholdLow,
		thresholdHigh:  opts.ThresholdHigh,
		freqWindow:     opts.FrequencyWindow,
		captchaEnabled: opts.CaptchaEnabled,
		captchaLow:     opts.CaptchaLow,
		captchaHigh:    opts.CaptchaHigh,
		challengeURL:   opts.ChallengeURL,
	}
}

// SetEventFeed attaches a live event hub. Every decision is published to it.
func (e *Engine) SetEventFeed(hub *feed.Hub) {
	e.events = hub
}

// Evaluate scores one request. It always returns a decision; shared state
// failures degrade to rules-only scoring rather than erroring out.
func (e *Engine) Evaluate(ctx context.Context, md metadata.RequestMetadata) metadata.EscalationDecision {
	at := md.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	freq, err := e.store.RecordRequest(ctx, md.SourceIP, at, e.freqWindow)
	if err != nil {
		metrics.StateErrors.WithLabelValues("record_request").Inc()
		slog.Warn("frequency tracking failed, scoring without it", "ip", md.SourceIP, "error", err)
		freq = state.Frequency{}
	}

	ruleScore, reasons := e.rules.Score(md, freq)
	score := ruleScore
	trigger := metadata.TriggerHeuristic
	if FrequencyDriven(reasons) {
		trigger = metadata.TriggerFrequency
	}

	if e.classifier != nil {
		model := e.classifier.Predict(md, freq)
		score = clamp01(ruleWeight*ruleScore + modelWeight*model)
		trigger = metadata.TriggerModel
		if model >= 0.5 {
			reasons = append(reasons, fmt.Sprintf("classifier probability %.2f", model))
		}
	}

	// External stages only see the borderline band; clear verdicts would
	// waste the calls.
	if score >= e.thresholdLow && score < e.thresholdHigh {
		for _, step := range e.steps {
			delta, reason, err := step.Score(ctx, md, score)
			if err != nil {
				slog.Warn("scoring step failed, skipping", "step", step.Name(), "error", err)
				continue
			}
			if delta == 0 {
				continue
			}
			score = clamp01(score + delta)
			if reason != "" {
				reasons = append(reasons, reason)
			}
			switch step.Name() {
			case "reputation":
				trigger = metadata.TriggerReputation
			case "llm":
				trigger = metadata.TriggerLLM
			}
		}
	}

	decision := metadata.EscalationDecision{
		ID:        uuid.NewString(),
		SourceIP:  md.SourceIP,
		Score:     score,
		Reasons:   reasons,
		Trigger:   trigger,
		Timestamp: time.Now().UTC(),
	}
	switch {
	case score < e.thresholdLow:
		decision.Classification = metadata.ClassBenign
	case score >= e.thresholdHigh:
		decision.Classification = metadata.ClassMalicious
	default:
		decision.Classification = metadata.ClassSuspicious
		if e.captchaEnabled && score >= e.captchaLow && score < e.captchaHigh {
			decision.ChallengeURL = e.challengeURL
		}
	}

	metrics.Escalations.WithLabelValues(string(decision.Classification)).Inc()
	if e.events != nil {
		e.events.Publish(feed.Event{
			Type:           feed.EventDecision,
			SourceIP:       decision.SourceIP,
			Score:          decision.Score,
			Classification: string(decision.Classification),
			Trigger:        string(decision.Trigger),
			Reasons:        decision.Reasons,
		})
	}
	slog.Debug("request scored",
		"ip", md.SourceIP,
		"score", score,
		"classification", decision.Classification,
		"trigger", decision.Trigger,
	)
	return decision
}

// Process evaluates a request and, on a malicious verdict, hands it to
// enforcement.
func (e *Engine) Process(ctx context.Context, md metadata.RequestMetadata) metadata.EscalationDecision {
	decision := e.Evaluate(ctx, md)
	if decision.Classification == metadata.ClassMalicious && e.deliverer != nil {
		if err := e.deliverer.Deliver(ctx, metadata.EnforcementRequest{Decision: decision, Metadata: md}); err != nil {
			slog.Error("enforcement delivery failed",
				"ip", md.SourceIP,
				"decision_id", decision.ID,
				"error", err,
			)
		}
	}
	return decision
}
