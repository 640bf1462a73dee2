package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"quagmire/internal/metadata"
)

// ScoreStep is an optional pipeline stage consulted for borderline
// verdicts. Steps adjust the running score; a step error skips the step
// without failing the decision.
type ScoreStep interface {
	Name() string
	Score(ctx context.Context, md metadata.RequestMetadata, current float64) (delta float64, reason string, err error)
}

// ReputationStep queries an external IP reputation service and adds a
// fixed bonus when the address is known-bad.
type ReputationStep struct {
	endpoint string
	apiKey   string
	bonus    float64
	client   *http.Client
}

// NewReputationStep creates the reputation stage.
func NewReputationStep(endpoint, apiKey string, bonus float64, timeout time.Duration) *ReputationStep {
	return &ReputationStep{
		endpoint: endpoint,
		apiKey:   apiKey,
		bonus:    bonus,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *ReputationStep) Name() string { return "reputation" }

// reputationResponse is the subset of the provider payload we read.
type reputationResponse struct {
	Data struct {
		AbuseConfidenceScore int  `json:"abuseConfidenceScore"`
		IsTor                bool `json:"isTor"`
	} `json:"data"`
}

func (s *ReputationStep) Score(ctx context.Context, md metadata.RequestMetadata, _ float64) (float64, string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return 0, "", fmt.Errorf("reputation endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ipAddress", md.SourceIP)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("reputation lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("reputation lookup: status %d", resp.StatusCode)
	}

	var body reputationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, "", fmt.Errorf("reputation response: %w", err)
	}

	if body.Data.AbuseConfidenceScore >= 50 || body.Data.IsTor {
		return s.bonus, fmt.Sprintf("ip reputation score %d", body.Data.AbuseConfidenceScore), nil
	}
	return 0, "", nil
}

// LLMStep asks a chat-completion endpoint for a second opinion on the raw
// request metadata. Only borderline traffic ever reaches it.
type LLMStep struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewLLMStep creates the LLM stage.
func NewLLMStep(endpoint, apiKey, model string, timeout time.Duration) *LLMStep {
	return &LLMStep{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *LLMStep) Name() string { return "llm" }

const llmPrompt = `You classify HTTP request metadata as automated scraping or normal browsing.
Respond with a single JSON object: {"automated": <true|false>, "confidence": <0..1>}.`

type llmRequest struct {
	Model    string       `json:"model"`
	Messages []llmMessage `json:"messages"`
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type llmVerdict struct {
	Automated  bool    `json:"automated"`
	Confidence float64 `json:"confidence"`
}

func (s *LLMStep) Score(ctx context.Context, md metadata.RequestMetadata, _ float64) (float64, string, error) {
	sample, err := json.Marshal(md)
	if err != nil {
		return 0, "", err
	}
	payload, err := json.Marshal(llmRequest{
		Model: s.model,
		Messages: []llmMessage{
			{Role: "system", Content: llmPrompt},
			{Role: "user", Content: string(sample)},
		},
	})
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("llm request: status %d", resp.StatusCode)
	}

	var body llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, "", fmt.Errorf("llm response: %w", err)
	}
	if len(body.Choices) == 0 {
		return 0, "", fmt.Errorf("llm response: no choices")
	}

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(body.Choices[0].Message.Content), &verdict); err != nil {
		return 0, "", fmt.Errorf("llm verdict: %w", err)
	}
	if !verdict.Automated {
		return 0, "", nil
	}
	// Scale the adjustment by the model's confidence, capped well below a
	// full threshold jump so the LLM alone cannot condemn an address.
	delta := 0.3 * clamp01(verdict.Confidence)
	return delta, fmt.Sprintf("llm verdict automated (confidence %.2f)", verdict.Confidence), nil
}
