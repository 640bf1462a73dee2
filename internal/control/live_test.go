package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"quagmire/internal/enforce"
	"quagmire/internal/feed"
	"quagmire/internal/state"
)

func TestLiveFeedStreamsEvents(t *testing.T) {
	store := state.NewMemoryStore()
	svc := enforce.NewService(store, nil, nil, enforce.Options{BlockTTL: time.Hour})
	hub := feed.NewHub()

	h := New(store, svc, nil, nil, "")
	h.AttachFeed(hub)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/control/live"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Subscription is registered during the upgrade; wait for it before
	// publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(feed.Event{
		Type:     feed.EventBlock,
		SourceIP: "198.51.100.9",
		Score:    0.9,
		Trigger:  "frequency",
	})

	var ev feed.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != feed.EventBlock || ev.SourceIP != "198.51.100.9" {
		t.Errorf("got event %+v", ev)
	}
}

func TestLiveFeedDisabledReturns404(t *testing.T) {
	store := state.NewMemoryStore()
	svc := enforce.NewService(store, nil, nil, enforce.Options{BlockTTL: time.Hour})

	h := New(store, svc, nil, nil, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/control/live")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
