package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"htlcswap/core/types"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents streams escrow and session events. The optional "type" query
// parameter keeps only events whose type starts with one of the comma
// separated prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	prefixes := splitPrefixes(r.URL.Query().Get("type"))
	// Subscribe before the handshake completes so nothing emitted after the
	// client connects is missed.
	updates, cancel := s.events.Subscribe()
	defer cancel()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates, prefixes); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event, prefixes []string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if !matchPrefixes(evt.Type, prefixes) {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func splitPrefixes(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchPrefixes(eventType string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}
