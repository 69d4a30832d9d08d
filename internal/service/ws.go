package service

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wotscan/internal/discovery"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is sent by the client: first {"urls": [...]}, then optionally
// {"type": "cancel"}.
type wsRequest struct {
	Type string   `json:"type,omitempty"`
	URLs []string `json:"urls,omitempty"`
}

type wsMessage struct {
	Type     string              `json:"type"`
	Progress *discovery.Progress `json:"progress,omitempty"`
	Result   *discovery.Result   `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type runOutcome struct {
	res *discovery.Result
	err error
}

// handleDiscoverWS runs one discovery per connection and streams every
// progress snapshot, then the result or the error.
func (s *Service) handleDiscoverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req wsRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		s.log.Debug("websocket read request", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if len(req.URLs) == 0 {
		_ = writeWS(conn, wsMessage{Type: "error", Error: "urls must not be empty"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A closed connection or a cancel message stops the run.
	go func() {
		defer cancel()
		for {
			var msg wsRequest
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "cancel" {
				return
			}
		}
	}()

	obs := discovery.NewChannelObserver(ctx, 16)
	done := make(chan runOutcome, 1)
	go func() {
		res, err := s.engine.DiscoverThings(ctx, req.URLs, obs)
		obs.Close()
		done <- runOutcome{res: res, err: err}
	}()

	writeFailed := false
	for p := range obs.C() {
		if writeFailed {
			continue
		}
		if err := writeWS(conn, wsMessage{Type: "progress", Progress: &p}); err != nil {
			s.log.Debug("websocket write", zap.Error(err))
			writeFailed = true
			cancel()
		}
	}

	out := <-done
	if writeFailed {
		return
	}
	msg := wsMessage{Type: "result", Result: out.res}
	if out.err != nil {
		msg = wsMessage{Type: "error", Error: out.err.Error()}
	} else {
		s.engine.PrefetchPlaceholders(out.res.Discovered)
	}
	if err := writeWS(conn, msg); err != nil {
		s.log.Debug("websocket write", zap.Error(err))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
