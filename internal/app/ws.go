package app

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/strikeDusha/noexcel/internal/hub"
)

type subscriptionHub interface {
	Subscribe(spreadsheetID string) *hub.Subscriber
	Unsubscribe(sub *hub.Subscriber)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsRequest is the inbound realtime vocabulary. Only "update" and "ping"
// have meaning; anything else is answered with "unknown".
type wsRequest struct {
	Type            string                 `json:"type"`
	RowIndex        *int64                 `json:"rowIndex"`
	Changes         map[string]ChangeInput `json:"changes"`
	ExpectedVersion *int64                 `json:"expectedVersion"`
	UserID          string                 `json:"userId"`
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request, spreadsheetID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}

	sub := s.hub.Subscribe(spreadsheetID)

	// One writer goroutine owns the connection for writes: broadcasts and
	// direct replies are funneled through the same channel so a slow peer
	// never blocks a mutation and writes never interleave.
	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		for {
			select {
			case message, ok := <-sub.C:
				if !ok {
					return
				}
				if err := conn.WriteJSON(message); err != nil {
					return
				}
			case message, ok := <-replies:
				if !ok {
					return
				}
				if err := conn.WriteJSON(message); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		s.hub.Unsubscribe(sub)
		close(replies)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var request wsRequest
		if err := json.Unmarshal(raw, &request); err != nil {
			reply(replies, writerDone, map[string]any{"type": "error", "detail": map[string]any{"error": "invalid_message"}})
			continue
		}
		switch request.Type {
		case "ping":
			reply(replies, writerDone, map[string]any{"type": "pong"})
		case "update":
			s.handleWSUpdate(r, spreadsheetID, request, replies, writerDone)
		default:
			reply(replies, writerDone, map[string]any{"type": "unknown"})
		}
	}
}

func (s *HTTPServer) handleWSUpdate(r *http.Request, spreadsheetID string, request wsRequest, replies chan any, writerDone <-chan struct{}) {
	if request.RowIndex == nil {
		reply(replies, writerDone, map[string]any{"type": "error", "detail": map[string]any{"error": "rowIndex is required"}})
		return
	}
	result, err := s.service.PatchRow(r.Context(), spreadsheetID, *request.RowIndex, PatchRowInput{
		Changes:         request.Changes,
		ExpectedVersion: request.ExpectedVersion,
		UserID:          request.UserID,
	})
	if err != nil {
		status, code, _, details := mapError(err)
		if status >= http.StatusInternalServerError {
			log.Printf("ws update failed: sheet=%s row=%d err=%v", spreadsheetID, *request.RowIndex, err)
		}
		detail := details
		if detail == nil {
			detail = map[string]any{"error": code}
		}
		reply(replies, writerDone, map[string]any{"type": "error", "detail": detail})
		return
	}
	reply(replies, writerDone, map[string]any{"type": "ack", "result": result})
}

// reply waits for the writer to accept the frame: the direct response to
// the originating connection is part of the protocol, not best-effort
// fan-out, so it is never dropped under pressure. The read loop issues at
// most one reply per inbound frame, so the wait is bounded by the peer's
// own pace. A dead writer abandons the frame instead of wedging the loop.
func reply(replies chan any, writerDone <-chan struct{}, message any) {
	select {
	case replies <- message:
	case <-writerDone:
	}
}
