package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/entrhq/relay/pkg/task"
	"github.com/entrhq/relay/pkg/types"
)

const (
	writeDeadline = 10 * time.Second

	// requestDeadline bounds the wait for the first message.
	requestDeadline = 30 * time.Second

	// closeGrace is how long the final close frame may take.
	closeGrace = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool, callers are trusted
	},
}

// streamMessage is the final frame of a stream.
type streamMessage struct {
	Type   string       `json:"type"`
	Result *task.Result `json:"result"`
}

// wsWriter serializes writes from the task goroutine and the observer.
type wsWriter struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	failed bool
}

func (w *wsWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.failed = true
	}
}

func (w *wsWriter) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
}

// handleGenerateStream runs a generation over a websocket. The first client
// message is the request; every task event is forwarded as it happens and
// the last frame is {"type":"result","result":{...}}. The task is canceled
// when the client goes away.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(requestDeadline))
	var req task.Request
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debugf("websocket request error: %v", err)
		out := &wsWriter{conn: conn}
		out.send(errorResponse{Error: &types.FailureInfo{
			Kind:    types.FailureInvalidRequest,
			Message: "first message must be a JSON request",
		}})
		out.close(websocket.CloseUnsupportedData, "invalid request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Any read error after the request means the client is gone.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	out := &wsWriter{conn: conn}
	sink := func(ev types.TaskEvent) { out.send(ev) }

	res := s.tasks.Generate(ctx, req, sink)
	out.send(streamMessage{Type: "result", Result: res})
	out.close(websocket.CloseNormalClosure, res.Status)
}
