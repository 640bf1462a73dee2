package metadata

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestRequestMetadataRoundTrip(t *testing.T) {
	in := RequestMetadata{
		SourceIP:  "203.0.113.7",
		UserAgent: "scrapy/2.9",
		Referer:   "https://example.com/list",
		Headers:   map[string]string{"Accept": "*/*", "Accept-Language": "en-US"},
		Method:    "GET",
		Path:      "/products/42",
		Query:     "page=3",
		Timestamp: time.Date(2026, 8, 26, 12, 30, 45, 0, time.UTC),
		Source:    "tarpit",
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out RequestMetadata
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp = %s, want %s", out.Timestamp, in.Timestamp)
	}
	in.Timestamp, out.Timestamp = time.Time{}, time.Time{}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip changed the value:\n in: %+v\nout: %+v", in, out)
	}
}

func TestEscalationDecisionRoundTrip(t *testing.T) {
	in := EscalationDecision{
		ID:             "b2df1c0e-5a52-4dbb-9f38-0a9a3f24f101",
		SourceIP:       "203.0.113.7",
		Score:          0.73,
		Reasons:        []string{"known-bad user agent", "high request frequency"},
		Classification: ClassSuspicious,
		Trigger:        TriggerModel,
		ChallengeURL:   "https://challenge.example.com/verify",
		Timestamp:      time.Date(2026, 8, 26, 12, 30, 45, 0, time.UTC),
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out EscalationDecision
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp = %s, want %s", out.Timestamp, in.Timestamp)
	}
	in.Timestamp, out.Timestamp = time.Time{}, time.Time{}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip changed the value:\n in: %+v\nout: %+v", in, out)
	}
}
