package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/flemzord/cronus/pkg/protocol"
)

// eventWriteTimeout bounds one frame write so a stuck subscriber cannot pin
// its handler goroutine.
const eventWriteTimeout = 5 * time.Second

// handleEvents streams job lifecycle events over a websocket: GET /v1/events.
// The stream lives until the client hangs up or the daemon shuts down.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.count("events")

		if s.hub == nil {
			writeError(w, http.StatusServiceUnavailable, "event stream not available")
			return
		}

		// Subscribe before the handshake completes: anything published once
		// the client sees the stream established must be delivered.
		sub, cancel := s.hub.Subscribe()
		defer cancel()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Error("control: websocket accept failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusInternalError, "unexpected close")
		}()

		// The stream is write-only; CloseRead surfaces client disconnects as
		// context cancellation.
		ctx := conn.CloseRead(r.Context())
		s.logger.Debug("control: event subscriber connected")

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("control: event subscriber disconnected")
				return
			case ev, ok := <-sub:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "daemon shutting down")
					return
				}
				if err := writeEvent(ctx, conn, ev); err != nil {
					s.logger.Debug("control: event write failed", "error", err)
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
