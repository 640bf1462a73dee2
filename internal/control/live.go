package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"quagmire/internal/feed"
)

const livePingInterval = 30 * time.Second

// AttachFeed enables the /control/live websocket stream over hub.
func (h *Handler) AttachFeed(hub *feed.Hub) {
	h.feed = hub
}

// handleLive streams pipeline events to the operator until the client
// disconnects.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		http.Error(w, "Live feed not enabled", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // auth already ran; origin checks add nothing here
	})
	if err != nil {
		slog.Error("failed to accept live feed connection", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.feed.Subscribe()
	defer cancel()

	slog.Info("live feed connected", "remote", r.RemoteAddr)

	// Reads are discarded but keep close frames and pings flowing.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("live feed disconnected", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
					slog.Debug("live feed write failed", "remote", r.RemoteAddr, "error", err)
				}
				return
			}
		}
	}
}
