package escalation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"quagmire/internal/metadata"
)

func TestEscalateEndpoint(t *testing.T) {
	del := &recordingDeliverer{}
	mux := http.NewServeMux()
	NewHandler(testEngine(del, nil)).Register(mux)

	body, _ := json.Marshal(request("10.1.0.1", "scrapy/2.0", "/home"))
	req := httptest.NewRequest(http.MethodPost, "/escalate", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var dec metadata.EscalationDecision
	if err := json.NewDecoder(rec.Body).Decode(&dec); err != nil {
		t.Fatalf("decoding decision: %v", err)
	}
	if dec.SourceIP != "10.1.0.1" || dec.Classification != metadata.ClassMalicious {
		t.Errorf("got %s/%s", dec.SourceIP, dec.Classification)
	}
	if dec.ID == "" {
		t.Error("decision missing id")
	}
	if del.count() != 1 {
		t.Errorf("deliveries = %d, want 1", del.count())
	}
}

func TestEscalateRejectsBadRequests(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(testEngine(nil, nil)).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/escalate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/escalate", strings.NewReader(`{"path":"/x"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing source_ip status = %d, want 400", rec.Code)
	}
}
