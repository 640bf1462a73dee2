package escalation

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quagmire/internal/metadata"
	"quagmire/internal/state"
)

func testRules() *Ruleset {
	return NewRuleset(
		[]string{"curl", "scrapy", "python-requests"},
		[]string{"googlebot"},
		[]string{"/admin", "/private"},
	)
}

func testEngine(deliverer Deliverer, classifier *Classifier, steps ...ScoreStep) *Engine {
	return NewEngine(state.NewMemoryStore(), testRules(), classifier, steps, deliverer, EngineOptions{
		ThresholdLow:    0.2,
		ThresholdHigh:   0.5,
		FrequencyWindow: time.Minute,
		CaptchaEnabled:  true,
		CaptchaLow:      0.2,
		CaptchaHigh:     0.5,
		ChallengeURL:    "https://challenge.example.com/verify",
	})
}

func request(ip, agent, path string) metadata.RequestMetadata {
	return metadata.RequestMetadata{
		SourceIP:  ip,
		UserAgent: agent,
		Method:    "GET",
		Path:      path,
		Timestamp: time.Now().UTC(),
	}
}

type recordingDeliverer struct {
	mu       sync.Mutex
	requests []metadata.EnforcementRequest
}

func (d *recordingDeliverer) Deliver(_ context.Context, req metadata.EnforcementRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func TestRuleWeights(t *testing.T) {
	rules := testRules()

	cases := []struct {
		name  string
		md    metadata.RequestMetadata
		freq  state.Frequency
		score float64
	}{
		{"clean browser", request("1.2.3.4", "Mozilla/5.0", "/home"), state.Frequency{}, 0},
		{"bad agent", request("1.2.3.4", "curl/8.4", "/home"), state.Frequency{}, 0.7},
		{"empty agent", request("1.2.3.4", "", "/home"), state.Frequency{}, 0.5},
		{"disallowed path", request("1.2.3.4", "Mozilla/5.0", "/admin/users"), state.Frequency{}, 0.6},
		{"benign crawler on disallowed path", request("1.2.3.4", "Googlebot/2.1", "/admin"), state.Frequency{}, 0.1},
		{"high frequency", request("1.2.3.4", "Mozilla/5.0", "/home"), state.Frequency{Count: 61}, 0.3},
		{"elevated frequency", request("1.2.3.4", "Mozilla/5.0", "/home"), state.Frequency{Count: 31}, 0.1},
		{"burst gap", request("1.2.3.4", "Mozilla/5.0", "/home"),
			state.Frequency{HasPrevious: true, SincePrevious: 100 * time.Millisecond}, 0.2},
		{"stacked signals clamp at 1", request("1.2.3.4", "", "/admin"),
			state.Frequency{Count: 100, HasPrevious: true, SincePrevious: 50 * time.Millisecond}, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := rules.Score(tc.md, tc.freq)
			if math.Abs(got-tc.score) > 1e-9 {
				t.Errorf("score = %.2f, want %.2f", got, tc.score)
			}
		})
	}
}

func TestClassificationBands(t *testing.T) {
	e := testEngine(nil, nil)
	ctx := context.Background()

	// Clean request: benign, no challenge.
	d := e.Evaluate(ctx, request("10.0.0.1", "Mozilla/5.0", "/home"))
	if d.Classification != metadata.ClassBenign || d.ChallengeURL != "" {
		t.Errorf("clean: %s challenge=%q", d.Classification, d.ChallengeURL)
	}

	// Bad agent alone (0.7): malicious.
	d = e.Evaluate(ctx, request("10.0.0.2", "scrapy/2.0", "/home"))
	if d.Classification != metadata.ClassMalicious {
		t.Errorf("bad agent: %s score=%.2f", d.Classification, d.Score)
	}

	// Frequency signal alone (0.3): suspicious with a challenge.
	e2 := testEngine(nil, nil)
	st := state.NewMemoryStore()
	e2.store = st
	md := request("10.0.0.3", "Mozilla/5.0", "/home")
	// Spaced past burst-gap range so only the count rule fires.
	for i := 0; i < 62; i++ {
		st.RecordRequest(ctx, md.SourceIP, md.Timestamp.Add(-time.Duration(62-i)*500*time.Millisecond), time.Minute)
	}
	d = e2.Evaluate(ctx, md)
	if d.Classification != metadata.ClassSuspicious {
		t.Fatalf("frequency: %s score=%.2f", d.Classification, d.Score)
	}
	if d.ChallengeURL != "https://challenge.example.com/verify" {
		t.Errorf("suspicious verdict missing challenge URL")
	}
	if d.Trigger != metadata.TriggerFrequency {
		t.Errorf("trigger = %s, want frequency", d.Trigger)
	}
}

func TestChallengeURLScopedToCaptchaBand(t *testing.T) {
	// Empty agent scores 0.5; widen the suspicious band so it lands there.
	suspicious := func(e *Engine) metadata.EscalationDecision {
		e.thresholdLow = 0.3
		e.thresholdHigh = 0.9
		return e.Evaluate(context.Background(), request("10.0.6.1", "", "/home"))
	}

	// Captcha off: suspicious verdicts carry no challenge.
	e := testEngine(nil, nil)
	e.captchaEnabled = false
	d := suspicious(e)
	if d.Classification != metadata.ClassSuspicious || d.ChallengeURL != "" {
		t.Errorf("captcha off: %s challenge=%q", d.Classification, d.ChallengeURL)
	}

	// Captcha on but the score sits outside the band: no challenge.
	e = testEngine(nil, nil)
	e.captchaLow, e.captchaHigh = 0.6, 0.9
	d = suspicious(e)
	if d.Classification != metadata.ClassSuspicious || d.ChallengeURL != "" {
		t.Errorf("out of band: %s challenge=%q", d.Classification, d.ChallengeURL)
	}

	// Captcha on, score in band: challenge attached.
	e = testEngine(nil, nil)
	e.captchaLow, e.captchaHigh = 0.3, 0.9
	d = suspicious(e)
	if d.ChallengeURL != "https://challenge.example.com/verify" {
		t.Errorf("in band: challenge=%q", d.ChallengeURL)
	}
}

func TestThresholdBoundaries(t *testing.T) {
	// Exactly the high threshold is malicious; just below stays suspicious.
	e := testEngine(nil, nil)
	e.thresholdHigh = 0.2
	d := e.Evaluate(context.Background(), request("10.0.1.1", "", "/home"))
	if d.Classification != metadata.ClassMalicious {
		t.Errorf("score at high threshold: %s", d.Classification)
	}

	e = testEngine(nil, nil)
	e.thresholdLow = 0.5
	e.thresholdHigh = 0.9
	d = e.Evaluate(context.Background(), request("10.0.1.2", "", "/home"))
	// Empty agent scores 0.5, exactly the low bound: not benign.
	if d.Classification != metadata.ClassSuspicious {
		t.Errorf("score at low threshold: %s", d.Classification)
	}
}

func TestClassifierDominatesCombinedScore(t *testing.T) {
	// The model is certain the traffic is automated; rules see nothing.
	c := &Classifier{Features: []string{"is_get"}, Weights: []float64{100}, Bias: -50}
	e := testEngine(nil, c)

	d := e.Evaluate(context.Background(), request("10.0.2.1", "Mozilla/5.0", "/home"))
	// combined = 0.3*0 + 0.7*1 = 0.7
	if math.Abs(d.Score-0.7) > 1e-6 {
		t.Errorf("score = %.4f, want 0.70", d.Score)
	}
	if d.Classification != metadata.ClassMalicious || d.Trigger != metadata.TriggerModel {
		t.Errorf("got %s/%s", d.Classification, d.Trigger)
	}
}

type fixedStep struct {
	name   string
	delta  float64
	calls  atomic.Int32
	err    error
}

func (s *fixedStep) Name() string { return s.name }
func (s *fixedStep) Score(context.Context, metadata.RequestMetadata, float64) (float64, string, error) {
	s.calls.Add(1)
	return s.delta, s.name + " hit", s.err
}

func TestStepsOnlySeeBorderlineTraffic(t *testing.T) {
	step := &fixedStep{name: "reputation", delta: 0.3}
	e := testEngine(nil, nil, step)
	ctx := context.Background()

	// Clean (score 0): step skipped.
	e.Evaluate(ctx, request("10.0.3.1", "Mozilla/5.0", "/home"))
	if step.calls.Load() != 0 {
		t.Error("step ran for a benign score")
	}

	// Clear malicious (0.7): step skipped.
	e.Evaluate(ctx, request("10.0.3.2", "curl/8.0", "/home"))
	if step.calls.Load() != 0 {
		t.Error("step ran for a clear malicious score")
	}

	// Borderline (0.2 from burst gap + elevated... use freq): empty agent
	// scores 0.5 which is already high; use a store-driven 0.3 instead.
	st := state.NewMemoryStore()
	e.store = st
	md := request("10.0.3.3", "Mozilla/5.0", "/home")
	// Spaced past burst-gap range so only the count rule fires.
	for i := 0; i < 62; i++ {
		st.RecordRequest(ctx, md.SourceIP, md.Timestamp.Add(-time.Duration(62-i)*500*time.Millisecond), time.Minute)
	}
	d := e.Evaluate(ctx, md)
	if step.calls.Load() != 1 {
		t.Fatalf("step calls = %d, want 1", step.calls.Load())
	}
	// 0.3 rules + 0.3 reputation bonus crosses the high threshold.
	if d.Classification != metadata.ClassMalicious || d.Trigger != metadata.TriggerReputation {
		t.Errorf("got %s/%s score=%.2f", d.Classification, d.Trigger, d.Score)
	}
}

func TestStepErrorSkipsStep(t *testing.T) {
	bad := &fixedStep{name: "reputation", delta: 0.9, err: context.DeadlineExceeded}
	e := testEngine(nil, nil, bad)
	ctx := context.Background()

	st := state.NewMemoryStore()
	e.store = st
	md := request("10.0.4.1", "Mozilla/5.0", "/home")
	// Spaced past burst-gap range so only the count rule fires.
	for i := 0; i < 62; i++ {
		st.RecordRequest(ctx, md.SourceIP, md.Timestamp.Add(-time.Duration(62-i)*500*time.Millisecond), time.Minute)
	}
	d := e.Evaluate(ctx, md)
	if d.Classification != metadata.ClassSuspicious {
		t.Errorf("failed step changed the verdict: %s score=%.2f", d.Classification, d.Score)
	}
}

func TestMaliciousVerdictIsDelivered(t *testing.T) {
	del := &recordingDeliverer{}
	e := testEngine(del, nil)

	d := e.Process(context.Background(), request("10.0.5.1", "python-requests/2.31", "/home"))
	if d.Classification != metadata.ClassMalicious {
		t.Fatalf("classification = %s", d.Classification)
	}
	if del.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", del.count())
	}

	// Benign traffic never reaches enforcement.
	e.Process(context.Background(), request("10.0.5.2", "Mozilla/5.0", "/home"))
	if del.count() != 1 {
		t.Error("benign verdict was delivered")
	}
}

func TestWebhookDelivererRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(srv.URL, time.Second, 3, time.Millisecond)
	err := d.Deliver(context.Background(), metadata.EnforcementRequest{
		Decision: metadata.EscalationDecision{SourceIP: "10.0.6.1", Score: 0.8},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("attempts = %d, want 3", hits.Load())
	}
}

func TestWebhookDelivererStopsOn4xx(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(srv.URL, time.Second, 3, time.Millisecond)
	if err := d.Deliver(context.Background(), metadata.EnforcementRequest{}); err == nil {
		t.Fatal("expected error on 400")
	}
	if hits.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", hits.Load())
	}
}
