// Package metadata defines the request descriptor and decision types that
// travel between the edge filter, tarpit, escalation engine, and enforcement
// service.
package metadata

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Classification is the outcome of scoring a request.
type Classification string

const (
	ClassBenign     Classification = "benign"
	ClassSuspicious Classification = "suspicious"
	ClassMalicious  Classification = "malicious"
)

// Trigger identifies which pipeline stage produced a decision.
type Trigger string

const (
	TriggerFrequency  Trigger = "frequency"
	TriggerHeuristic  Trigger = "heuristic"
	TriggerModel      Trigger = "model"
	TriggerReputation Trigger = "reputation"
	TriggerLLM        Trigger = "llm"
	TriggerHopLimit   Trigger = "hop_limit"
)

// RequestMetadata describes a single observed request. It is the payload of
// the escalation endpoint and is attached to enforcement webhooks.
type RequestMetadata struct {
	SourceIP  string            `json:"source_ip"`
	UserAgent string            `json:"user_agent"`
	Referer   string            `json:"referer,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Timestamp time.Time         `json:"timestamp_utc"`
	Source    string            `json:"source,omitempty"` // originating component, e.g. "tarpit"
}

// FromRequest builds metadata from an incoming HTTP request. The source IP
// honors X-Forwarded-For (first token) before the transport remote address.
func FromRequest(r *http.Request) RequestMetadata {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return RequestMetadata{
		SourceIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Headers:   headers,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Timestamp: time.Now().UTC(),
	}
}

// ClientIP extracts the originating client address. The first comma-separated
// token of X-Forwarded-For wins; otherwise the transport remote address.
// IPv4-mapped IPv6 addresses are normalized to dotted form. Returns "" when
// no address can be determined.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return normalizeIP(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return normalizeIP(host)
}

func normalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return strings.TrimSpace(s)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// EscalationDecision is the result of the scoring pipeline.
type EscalationDecision struct {
	ID             string         `json:"id,omitempty"`
	SourceIP       string         `json:"source_ip"`
	Score          float64        `json:"score"`
	Reasons        []string       `json:"reasons"`
	Classification Classification `json:"classification"`
	Trigger        Trigger        `json:"trigger,omitempty"`
	ChallengeURL   string         `json:"challenge_url,omitempty"`
	Timestamp      time.Time      `json:"timestamp_utc"`
}

// EnforcementRequest is the payload of the enforcement webhook.
type EnforcementRequest struct {
	Decision EscalationDecision `json:"decision"`
	Metadata RequestMetadata    `json:"metadata"`
}
