package mesh

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/core"
)

// ServeWS upgrades the request and runs the connection until either side
// closes it. Each connection gets one reader and one writer goroutine; the
// writer is the only goroutine that writes data frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := NewConn(h.cfg.QueueSize, func() {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	})
	h.Attach(c)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writePump(ws, c)
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(ws, c)
	}()
}

func (h *Hub) readPump(ws *websocket.Conn, c *Conn) {
	defer h.Cleanup(c)

	ws.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.RegistrationTimeout))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				h.logger.Debug("read failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		wasRegistered := c.Registered()
		h.handleFrame(c, data)
		if !wasRegistered && c.Registered() {
			// Liveness is tracked by heartbeats from here on
			_ = ws.SetReadDeadline(time.Time{})
		}
	}
}

func (h *Hub) handleFrame(c *Conn, data []byte) {
	var head struct {
		Type core.FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		h.reject(c, "", core.Errorf(core.ErrMalformedMessage, "invalid JSON: %v", err))
		return
	}

	switch head.Type {
	case core.FrameRegistration:
		var frame core.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reject(c, "", core.Errorf(core.ErrMalformedMessage, "registration: %v", err))
			return
		}
		if err := h.Register(c, frame.ParticipantID, frame.DistrictID, frame.Capabilities); err != nil {
			h.reject(c, "", err)
			return
		}
		h.reply(c, core.Frame{
			Type:          core.FrameRegistered,
			ConnectionID:  c.id,
			ParticipantID: frame.ParticipantID,
			DistrictID:    frame.DistrictID,
		})

	case core.FrameHeartbeat:
		if !c.Registered() {
			h.reject(c, "", core.ErrNotRegistered)
			return
		}
		h.Heartbeat(c)

	case core.FrameMessage, "":
		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler == nil {
			h.reject(c, "", errors.New("no message handler installed"))
			return
		}

		result, err := handler.HandleMessage(h.ctx, c, data)
		if err != nil {
			h.reject(c, result.RoutingID, err)
			return
		}
		h.reply(c, core.Frame{Type: core.FrameAccepted, RoutingID: result.RoutingID})

	default:
		h.reject(c, "", core.Errorf(core.ErrMalformedMessage, "unknown frame type %q", head.Type))
	}
}

// reject sends an error frame to the originating connection only
func (h *Hub) reject(c *Conn, routingID string, err error) {
	h.reply(c, core.Frame{
		Type:      core.FrameError,
		RoutingID: routingID,
		Code:      core.Code(err),
		Message:   err.Error(),
	})
}

func (h *Hub) reply(c *Conn, frame core.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode control frame", zap.Error(err))
		return
	}
	if err := c.enqueue(data); err != nil && !errors.Is(err, core.ErrConnectionClosed) {
		h.logger.Warn("control frame dropped",
			zap.String("connection_id", c.id),
			zap.String("frame", string(frame.Type)),
			zap.Error(err),
		)
	}
}

func (h *Hub) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("write failed", zap.String("connection_id", c.id), zap.Error(err))
				h.Cleanup(c)
				return
			}

		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				h.Cleanup(c)
				return
			}

		case <-c.done:
			return

		case <-h.ctx.Done():
			return
		}
	}
}
