// Package enforce is the only writer of blocklist state. It applies
// escalation verdicts, reports offenders to the community feed, and
// notifies operators through the configured alert channels.
package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quagmire/internal/feed"
	"quagmire/internal/metadata"
	"quagmire/internal/metrics"
	"quagmire/internal/state"
)

// Service applies enforcement actions.
type Service struct {
	store    state.Store
	blockTTL time.Duration

	reporter *CommunityReporter // nil when disabled
	alerter  *Alerter           // nil when disabled
	events   *feed.Hub          // nil when no live feed

	severityRank map[metadata.Trigger]int
	minSeverity  int
}

// Options configures a Service.
type Options struct {
	BlockTTL      time.Duration
	SeverityOrder []string
	MinSeverity   string
}

// NewService creates the enforcement service. reporter and alerter may be
// nil.
func NewService(store state.Store, reporter *CommunityReporter, alerter *Alerter, opts Options) *Service {
	rank := make(map[metadata.Trigger]int, len(opts.SeverityOrder))
	for i, name := range opts.SeverityOrder {
		rank[metadata.Trigger(name)] = i
	}
	min, ok := rank[metadata.Trigger(opts.MinSeverity)]
	if !ok {
		min = 0
	}
	return &Service{
		store:        store,
		blockTTL:     opts.BlockTTL,
		reporter:     reporter,
		alerter:      alerter,
		severityRank: rank,
		minSeverity:  min,
	}
}

// SetEventFeed attaches a live event hub. Block and unblock actions are
// published to it.
func (s *Service) SetEventFeed(hub *feed.Hub) {
	s.events = hub
}

// Apply executes a full enforcement action: blocklist write, community
// report, and operator alert. The blocklist write is the one step that can
// fail the call; reporting and alerting degrade to log lines.
func (s *Service) Apply(ctx context.Context, req metadata.EnforcementRequest) error {
	dec := req.Decision
	if dec.SourceIP == "" {
		return fmt.Errorf("enforcement request missing source IP")
	}

	if err := s.Block(ctx, dec); err != nil {
		return err
	}

	if s.reporter != nil {
		if err := s.reporter.Report(ctx, req); err != nil {
			slog.Warn("community report failed", "ip", dec.SourceIP, "error", err)
		}
	}

	if s.alerter != nil && s.shouldAlert(dec.Trigger) {
		s.alerter.Send(ctx, req)
	}
	return nil
}

// Block writes the blocklist record. Re-blocking never shortens an
// existing block; the store guarantees the max-TTL rule.
func (s *Service) Block(ctx context.Context, dec metadata.EscalationDecision) error {
	rec := state.BlockRecord{
		IP:        dec.SourceIP,
		Reason:    strings.Join(dec.Reasons, "; "),
		Score:     dec.Score,
		Source:    string(dec.Trigger),
		Timestamp: time.Now().UTC(),
	}
	if rec.Reason == "" {
		rec.Reason = string(dec.Trigger)
	}

	effective, err := s.store.PutBlock(ctx, rec, s.blockTTL)
	if err != nil {
		metrics.StateErrors.WithLabelValues("put_block").Inc()
		return fmt.Errorf("blocklist write for %s: %w", dec.SourceIP, err)
	}

	metrics.Blocks.WithLabelValues(string(dec.Trigger)).Inc()
	if s.events != nil {
		s.events.Publish(feed.Event{
			Type:           feed.EventBlock,
			SourceIP:       dec.SourceIP,
			Score:          dec.Score,
			Classification: string(dec.Classification),
			Trigger:        string(dec.Trigger),
			Reasons:        dec.Reasons,
		})
	}
	slog.Info("address blocked",
		"ip", dec.SourceIP,
		"score", dec.Score,
		"trigger", dec.Trigger,
		"ttl", effective,
	)
	return nil
}

// Unblock removes a blocklist record, typically from the control API.
func (s *Service) Unblock(ctx context.Context, ip string) error {
	if err := s.store.RemoveBlock(ctx, ip); err != nil {
		return fmt.Errorf("blocklist removal for %s: %w", ip, err)
	}
	if s.events != nil {
		s.events.Publish(feed.Event{Type: feed.EventUnblock, SourceIP: ip})
	}
	slog.Info("address unblocked", "ip", ip)
	return nil
}

// BlockHopOverflow handles the tarpit's hop budget breach: a direct block
// with a synthetic decision, bypassing the scoring pipeline.
func (s *Service) BlockHopOverflow(ctx context.Context, ip string, hops int64) {
	req := metadata.EnforcementRequest{
		Decision: metadata.EscalationDecision{
			SourceIP:       ip,
			Score:          1.0,
			Reasons:        []string{fmt.Sprintf("tarpit hop budget exceeded (%d hops)", hops)},
			Classification: metadata.ClassMalicious,
			Trigger:        metadata.TriggerHopLimit,
			Timestamp:      time.Now().UTC(),
		},
		Metadata: metadata.RequestMetadata{SourceIP: ip, Source: "tarpit"},
	}
	if err := s.Apply(ctx, req); err != nil {
		slog.Error("hop overflow enforcement failed", "ip", ip, "error", err)
	}
}

// shouldAlert applies the severity floor to a decision trigger. Unknown
// triggers alert; silence is the more expensive failure.
func (s *Service) shouldAlert(trigger metadata.Trigger) bool {
	rank, ok := s.severityRank[trigger]
	if !ok {
		return true
	}
	return rank >= s.minSeverity
}
