package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"autopay/internal/models"
)

const eventWriteTimeout = 5 * time.Second

// SessionEvent is one message of the session event stream
type SessionEvent struct {
	Type    string         `json:"type"`
	Session models.Session `json:"session"`
}

// HandleSessionEvents handles GET /api/v1/session/events
// Streams session snapshots over a websocket until either side closes
func (h *Handler) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.allowedOrigins),
	})
	if err != nil {
		h.logger.Warn("Failed to accept websocket", zap.Error(err))
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", zap.Error(closeErr))
		}
	}()

	updates, stop := h.sessions.Subscribe()
	defer stop()

	// CloseRead drains client frames and cancels ctx once the peer goes away
	ctx := ws.CloseRead(r.Context())

	h.logger.Debug("Session event stream opened", zap.String("remote_addr", r.RemoteAddr))

	if err := writeEvent(ctx, ws, h.sessions.Snapshot()); err != nil {
		h.logger.Debug("Failed to send initial snapshot", zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Session event stream closed by client")
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(ctx, ws, snapshot); err != nil {
				h.logger.Debug("Failed to send session event", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, snapshot models.Session) error {
	data, err := json.Marshal(SessionEvent{Type: "session", Session: snapshot})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns reduces configured origins to the host patterns websocket.Accept matches
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
