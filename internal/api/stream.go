package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/broadcast"
)

// maxCloseReason is the close frame payload limit minus the status code.
const maxCloseReason = 123

// wsConn adapts a websocket connection to broadcast.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, msg broadcast.Message) error {
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		return fmt.Errorf("websocket close: %w", err)
	}
	return nil
}

// stream upgrades to a websocket and hands the connection to the hub. The
// handler owns the read side; the hub owns writes and the ping cycle.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.StreamOrigins) > 0 {
		opts.OriginPatterns = s.cfg.StreamOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	id, err := s.deps.Hub.Register(&wsConn{conn: conn})
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "stream unavailable")
		return
	}
	logger := s.logger.With(zap.String("connection_id", id))
	logger.Debug("stream connected")

	ctx := r.Context()
	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			reason := "client disconnected"
			if status := websocket.CloseStatus(readErr); status == -1 && ctx.Err() == nil {
				reason = "read failed"
			}
			s.deps.Hub.Unregister(id, reason)
			logger.Debug("stream closed", zap.String("reason", reason))
			return
		}
		var msg broadcast.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// The hub answers unknown frame types with an error message.
			msg = broadcast.Message{Type: "malformed"}
		}
		if err := s.deps.Hub.HandleMessage(id, msg); err != nil {
			if errors.Is(err, broadcast.ErrUnknownSubscriber) {
				return
			}
			logger.Debug("stream frame rejected", zap.Error(err))
		}
	}
}
