package enforce

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quagmire/internal/metadata"
)

// Community feed categories (AbuseIPDB numbering).
const (
	categoryPortScan    = 14
	categoryBruteForce  = 18
	categoryWebScraping = 19
	categoryHoneypot    = 22
)

// CommunityReporter submits blocked addresses to a shared abuse feed.
type CommunityReporter struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewCommunityReporter creates the feed client.
func NewCommunityReporter(endpoint, apiKey string, timeout time.Duration) *CommunityReporter {
	return &CommunityReporter{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Report submits one enforcement event. The comment carries the decision
// reasons but never raw headers; those may hold visitor data the feed has
// no business seeing.
func (r *CommunityReporter) Report(ctx context.Context, req metadata.EnforcementRequest) error {
	dec := req.Decision

	form := url.Values{}
	form.Set("ip", dec.SourceIP)
	form.Set("categories", joinInts(Categories(dec.Trigger)))
	form.Set("comment", fmt.Sprintf("Automated scraping defense: %s (score %.2f)",
		strings.Join(dec.Reasons, "; "), dec.Score))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Key", r.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("community report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("community report: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Categories maps a decision trigger to feed categories.
func Categories(trigger metadata.Trigger) []int {
	switch trigger {
	case metadata.TriggerHopLimit:
		return []int{categoryHoneypot, categoryWebScraping}
	case metadata.TriggerFrequency:
		return []int{categoryWebScraping, categoryBruteForce}
	default:
		return []int{categoryWebScraping}
	}
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
