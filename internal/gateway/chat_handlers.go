package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/parley/internal/agent"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req agent.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.agent.Chat(r.Context(), &req)
	if err != nil {
		s.logger.Error(r.Context(), "chat turn failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream streams the turn as server-sent events, one
// StreamEvent JSON document per event, flushed immediately.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req agent.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := s.agent.ChatStream(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Error(r.Context(), "marshal stream event", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the agent loop stops via the request
			// context.
			return
		}
		flusher.Flush()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API carries no browser credentials; origin checks belong to a
	// fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleChatWS upgrades to WebSocket. The client sends one ChatRequest
// as its first text frame and receives StreamEvent JSON frames until
// the turn completes.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req agent.ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(errorResponse{Error: "invalid request frame: " + err.Error()})
		return
	}

	events, err := s.agent.ChatStream(r.Context(), &req)
	if err != nil {
		_ = conn.WriteJSON(errorResponse{Error: err.Error()})
		return
	}

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
