package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/moor-sh/moor/internal/session"
)

// WebSocket message envelope and payloads for the terminal byte stream.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type WSOutputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSScrollbackMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSInputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type WSStateMsg struct {
	Type  string        `json:"type"`
	State session.State `json:"state"`
}

var acceptOptions = &websocket.AcceptOptions{
	OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
}

// handleTerminalWS streams one terminal's bytes: scrollback backfill, then
// live output out and input/resize in.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, found := s.sessions.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "terminal not found: "+id.String())
		return
	}

	conn, err := websocket.Accept(w, r, acceptOptions)
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Info("terminal websocket connected", "id", id)

	ch, scrollback := rec.Subscribe()
	defer rec.Unsubscribe(ch)

	if len(scrollback) > 0 {
		msg := WSScrollbackMsg{
			Type: "scrollback",
			Data: base64.StdEncoding.EncodeToString(scrollback),
		}
		if err := writeWS(ctx, conn, msg); err != nil {
			return
		}
	}

	go s.wsReadLoop(ctx, cancel, conn, rec)
	go s.wsPingLoop(ctx, cancel, conn)
	s.wsWriteLoop(ctx, conn, rec, ch)
}

// handleEventsWS streams {sessionId, name, state} on every transition so
// the UI can reflect attached/orphaned/dead status.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, acceptOptions)
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.sessions.Events()
	defer unsubscribe()

	go s.wsPingLoop(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeWS(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// keepalive: ping every 30s to detect dead connections
func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, rec *session.Record) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "input":
			var input WSInputMsg
			if err := json.Unmarshal(data, &input); err != nil {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(input.Data)
			if err != nil {
				continue
			}
			if _, err := rec.Write(decoded); err != nil {
				s.logger.Debug("terminal write error", "id", rec.ID, "err", err)
			}

		case "resize":
			var resize WSResizeMsg
			if err := json.Unmarshal(data, &resize); err != nil {
				continue
			}
			if resize.Cols > 0 && resize.Rows > 0 &&
				resize.Cols <= math.MaxUint16 && resize.Rows <= math.MaxUint16 {
				s.sessions.Resize(rec.ID, uint16(resize.Cols), uint16(resize.Rows))
			}

		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}

func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, rec *session.Record, ch chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			msg := WSOutputMsg{
				Type: "output",
				Data: base64.StdEncoding.EncodeToString(data),
			}
			if err := writeWS(ctx, conn, msg); err != nil {
				return
			}
		case <-rec.Done():
			// the channel is gone; tell the client where the record landed
			_ = writeWS(ctx, conn, WSStateMsg{Type: "state", State: rec.State()})
			return
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
