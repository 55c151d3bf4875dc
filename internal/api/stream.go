package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agentgate/internal/auth"
	"agentgate/internal/store"
	"agentgate/internal/stream"
)

const wsWriteWait = 10 * time.Second

// streamRun follows a run as server-sent events, or over a WebSocket when
// the client asks for an upgrade. The stream ends when the run does.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	events, cancel := s.hub.Subscribe(r.PathValue("id"))
	defer cancel()

	// Subscribed before reading the status so no terminal event is missed.
	run, ok := s.ownedRun(w, r, p)
	if !ok {
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.streamWebSocket(w, r, run, events)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(e stream.Event) bool {
		b, err := json.Marshal(e)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	send(snapshotEvent(run))
	if run.Status.Terminal() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open || !send(e) {
				return
			}
		}
	}
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request, run store.AgentRun, events <-chan stream.Event) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e stream.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(e) == nil
	}

	if !send(snapshotEvent(run)) || run.Status.Terminal() {
		closeWebSocket(conn)
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				closeWebSocket(conn)
				return
			}
			if !send(e) {
				return
			}
		}
	}
}

func closeWebSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

// snapshotEvent describes the run as it is when an observer attaches.
func snapshotEvent(run store.AgentRun) stream.Event {
	return stream.Event{
		RunID:   run.ID,
		Type:    stream.EventStatus,
		Step:    run.NextStep - 1,
		Status:  string(run.Status),
		Message: run.Reason,
		Time:    run.UpdatedAt,
	}
}
