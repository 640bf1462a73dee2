package enforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"quagmire/internal/metadata"
	"quagmire/internal/state"
)

func testService(st state.Store, reporter *CommunityReporter, alerter *Alerter) *Service {
	return NewService(st, reporter, alerter, Options{
		BlockTTL:      24 * time.Hour,
		SeverityOrder: []string{"frequency", "heuristic", "model", "reputation", "llm", "hop_limit"},
		MinSeverity:   "model",
	})
}

func maliciousRequest(ip string, trigger metadata.Trigger) metadata.EnforcementRequest {
	return metadata.EnforcementRequest{
		Decision: metadata.EscalationDecision{
			SourceIP:       ip,
			Score:          0.84,
			Reasons:        []string{"known-bad user agent", "high request frequency"},
			Classification: metadata.ClassMalicious,
			Trigger:        trigger,
			Timestamp:      time.Now().UTC(),
		},
		Metadata: metadata.RequestMetadata{SourceIP: ip, UserAgent: "scrapy/2.9"},
	}
}

func TestApplyWritesBlock(t *testing.T) {
	st := state.NewMemoryStore()
	svc := testService(st, nil, nil)

	if err := svc.Apply(context.Background(), maliciousRequest("203.0.113.10", metadata.TriggerModel)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rec, blocked, _ := st.CheckBlock(context.Background(), "203.0.113.10")
	if !blocked {
		t.Fatal("address not blocked")
	}
	if rec.Score != 0.84 || rec.Source != "model" {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.Reason, "known-bad user agent") {
		t.Errorf("reason = %q", rec.Reason)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := state.NewMemoryStore()
	svc := testService(st, nil, nil)
	req := maliciousRequest("203.0.113.11", metadata.TriggerModel)

	for i := 0; i < 3; i++ {
		if err := svc.Apply(context.Background(), req); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}
	records, _ := st.ListBlocks(context.Background())
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
}

func TestApplyRejectsEmptyIP(t *testing.T) {
	svc := testService(state.NewMemoryStore(), nil, nil)
	if err := svc.Apply(context.Background(), metadata.EnforcementRequest{}); err == nil {
		t.Fatal("expected error for empty source IP")
	}
}

func TestHopOverflowBlocksDirectly(t *testing.T) {
	st := state.NewMemoryStore()
	svc := testService(st, nil, nil)

	svc.BlockHopOverflow(context.Background(), "203.0.113.12", 251)

	rec, blocked, _ := st.CheckBlock(context.Background(), "203.0.113.12")
	if !blocked {
		t.Fatal("address not blocked")
	}
	if rec.Source != "hop_limit" || rec.Score != 1.0 {
		t.Errorf("record = %+v", rec)
	}
}

func TestSeverityFloor(t *testing.T) {
	svc := testService(state.NewMemoryStore(), nil, nil)

	cases := []struct {
		trigger metadata.Trigger
		want    bool
	}{
		{metadata.TriggerFrequency, false},
		{metadata.TriggerHeuristic, false},
		{metadata.TriggerModel, true},
		{metadata.TriggerReputation, true},
		{metadata.TriggerLLM, true},
		{metadata.TriggerHopLimit, true},
		{metadata.Trigger("unknown"), true},
	}
	for _, tc := range cases {
		if got := svc.shouldAlert(tc.trigger); got != tc.want {
			t.Errorf("shouldAlert(%s) = %v, want %v", tc.trigger, got, tc.want)
		}
	}
}

func TestAlerterFanOut(t *testing.T) {
	var webhookHits, slackHits atomic.Int32
	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookHits.Add(1)
		var payload struct {
			Event   string   `json:"event"`
			Src     string   `json:"src"`
			Reasons []string `json:"reasons"`
			Score   float64  `json:"score"`
			Ts      string   `json:"ts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("webhook payload: %v", err)
		}
		if payload.Event != "ip_blocked" || payload.Src != "203.0.113.13" {
			t.Errorf("webhook payload = %+v", payload)
		}
		if payload.Score <= 0 || len(payload.Reasons) == 0 || payload.Ts == "" {
			t.Errorf("webhook payload missing fields: %+v", payload)
		}
	}))
	defer webhookSrv.Close()

	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackHits.Add(1)
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if !strings.Contains(payload["text"], "203.0.113.13") {
			t.Errorf("slack text = %q", payload["text"])
		}
	}))
	defer slackSrv.Close()

	var mailed atomic.Int32
	a := NewAlerter(webhookSrv.URL, slackSrv.URL, SMTPSettings{
		Enabled: true,
		Host:    "mail.example.com",
		Port:    587,
		From:    "alerts@example.com",
		To:      []string{"ops@example.com"},
	}, time.Second)
	a.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		mailed.Add(1)
		if !strings.Contains(string(msg), "203.0.113.13") {
			t.Errorf("mail body missing address: %s", msg)
		}
		return nil
	}

	a.Send(context.Background(), maliciousRequest("203.0.113.13", metadata.TriggerModel))
	if webhookHits.Load() != 1 || slackHits.Load() != 1 || mailed.Load() != 1 {
		t.Errorf("deliveries webhook=%d slack=%d mail=%d", webhookHits.Load(), slackHits.Load(), mailed.Load())
	}
}

func TestAlertChannelsFailIndependently(t *testing.T) {
	deadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer deadSrv.Close()

	var slackHits atomic.Int32
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackHits.Add(1)
	}))
	defer slackSrv.Close()

	a := NewAlerter(deadSrv.URL, slackSrv.URL, SMTPSettings{}, time.Second)
	a.Send(context.Background(), maliciousRequest("203.0.113.14", metadata.TriggerModel))
	if slackHits.Load() != 1 {
		t.Error("slack alert suppressed by webhook failure")
	}
}

func TestCommunityReportPayload(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string]string{
			"ip":         r.PostFormValue("ip"),
			"categories": r.PostFormValue("categories"),
			"comment":    r.PostFormValue("comment"),
		}
		if r.Header.Get("Key") != "feed-key" {
			t.Errorf("missing API key header")
		}
	}))
	defer srv.Close()

	rep := NewCommunityReporter(srv.URL, "feed-key", time.Second)
	req := maliciousRequest("203.0.113.15", metadata.TriggerHopLimit)
	if err := rep.Report(context.Background(), req); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if gotForm["ip"] != "203.0.113.15" {
		t.Errorf("ip = %q", gotForm["ip"])
	}
	if gotForm["categories"] != "22,19" {
		t.Errorf("categories = %q", gotForm["categories"])
	}
	if !strings.Contains(gotForm["comment"], "known-bad user agent") {
		t.Errorf("comment = %q", gotForm["comment"])
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	st := state.NewMemoryStore()
	h := NewHandler(testService(st, nil, nil))
	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(maliciousRequest("203.0.113.16", metadata.TriggerLLM))
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["status"] != "accepted" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if _, blocked, _ := st.CheckBlock(context.Background(), "203.0.113.16"); !blocked {
		t.Error("endpoint did not block the address")
	}

	// Bad payloads are rejected.
	req = httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty decision status = %d, want 400", rec.Code)
	}
}
