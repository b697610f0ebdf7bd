package api

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/james-see/netmidi2usb/pkg/bridge"
	"go.uber.org/zap"
)

// Frame is one inbound MIDI message sent by a websocket client. Delta is in
// milliseconds.
type Frame struct {
	Delta   float64         `json:"delta"`
	Message json.RawMessage `json:"message"`
}

// Reply acknowledges an inbound frame with its forwarding outcome
type Reply struct {
	Outcome string `json:"outcome"`
}

const writeDeadline = 10 * time.Second

// stream godoc
// @Summary Live status and message injection
// @Description Pushes the binding status whenever it changes. Text frames {"delta":ms,"message":[...]} and binary frames are forwarded to the MIDI output.
// @Tags control
// @Router /ws [get]
func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	replies := make(chan Reply, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readFrames(conn, replies)
	}()

	ticker := time.NewTicker(statusPoll)
	defer ticker.Stop()

	var last *bridge.Status
	push := func() bool {
		st := s.binding.Status()
		if last != nil && sameStatus(*last, st) {
			return true
		}
		last = &st
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(st); err != nil {
			s.logger.Debug("WebSocket status write failed", zap.Error(err))
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case r := <-replies:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(r); err != nil {
				return
			}
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

// readFrames forwards every inbound frame through the sink until the
// connection closes. Only this goroutine reads from conn.
func (s *Server) readFrames(conn *websocket.Conn, replies chan<- Reply) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket closed", zap.Error(err))
			}
			return
		}

		var outcome bridge.Outcome
		switch kind {
		case websocket.BinaryMessage:
			outcome = s.sink.Forward(0, data)
		default:
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				outcome = s.sink.Forward(0, string(data))
				break
			}
			var payload any
			if len(f.Message) > 0 {
				_ = json.Unmarshal(f.Message, &payload)
			}
			outcome = s.sink.Forward(time.Duration(f.Delta*float64(time.Millisecond)), payload)
		}

		select {
		case replies <- Reply{Outcome: outcome.String()}:
		default:
		}
	}
}

func sameStatus(a, b bridge.Status) bool {
	if a.State != b.State || a.DeviceName != b.DeviceName {
		return false
	}
	if a.Port == nil || b.Port == nil {
		return a.Port == b.Port
	}
	return *a.Port == *b.Port
}
