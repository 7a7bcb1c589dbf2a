package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runplaneHQ/runplane-go/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is read-only and token-less; origin policy is left to the
	// deployment's proxy layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsSSE streams the run's events as server-sent events. ?from=N
// replays from event id N exclusive; replayed and live events arrive as one
// gap-free sequence.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub, err := s.subscribeRun(r, runID)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return // client disconnected
			}
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				if subErr := sub.Err(); subErr != nil {
					_, _ = fmt.Fprintf(w, "event: error\ndata: %q\n\n", subErr.Error())
				} else {
					_, _ = w.Write([]byte("event: end\ndata: {}\n\n"))
				}
				flusher.Flush()
				return
			}
			payload, _ := json.Marshal(event)
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEventsWS is the WebSocket twin of the SSE endpoint: one JSON event
// per message, then a normal close when the stream ends.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request, runID string) {
	sub, err := s.subscribeRun(r, runID)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Printf("api: websocket upgrade for run %s: %v", runID, err)
		return
	}
	defer conn.Close()
	defer sub.Close()

	// Read pump: discard client frames, notice disconnects.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return
		case event, open := <-sub.Events():
			if !open {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed")
				if subErr := sub.Err(); subErr != nil {
					closeMsg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, subErr.Error())
				}
				_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribeRun(r *http.Request, runID string) (*bus.Subscription, error) {
	if _, err := s.cfg.Store.LoadRun(r.Context(), runID); err != nil {
		return nil, err
	}
	from := parseInt64(r.URL.Query().Get("from"), 0)
	return s.cfg.Bus.Subscribe(runID, from)
}

func parseInt64(raw string, fallback int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
