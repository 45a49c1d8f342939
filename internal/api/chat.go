package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/halide-studio/assistant/internal/convo"
	"github.com/halide-studio/assistant/internal/tools"
)

// Stream markers frame structured data inside the plain-text token
// stream. Status frames are inline; the observability frame, when
// requested, trails the reply.
const (
	statusMarkerOpen    = "---STATUS---"
	statusMarkerClose   = "---ENDSTATUS---"
	observabilityMarker = "---OBSERVABILITY---"
)

// ChatRequest is the chat endpoint request body.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`

	// Stream selects chunked plain-text streaming with inline status
	// markers. When false the reply returns as one JSON document.
	Stream bool `json:"stream,omitempty"`

	// Debug appends the observability frame to streamed replies and
	// the observability object to JSON replies.
	Debug bool `json:"debug,omitempty"`
}

// ChatResponse is the non-streaming chat reply.
type ChatResponse struct {
	Response       string               `json:"response"`
	ConversationID string               `json:"conversation_id"`
	Observability  *convo.Observability `json:"observability,omitempty"`
}

// handleChat runs one text-mode turn.
// POST /api/chat {"message": "what services do you offer?"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	turn := convo.TurnRequest{
		ConversationID: convID,
		ClientID:       req.ClientID,
		Mode:           tools.ModeText,
		Message:        req.Message,
	}

	if req.Stream {
		s.streamChat(w, r, turn, req.Debug)
		return
	}

	result, err := s.orchestrator.RunTurn(r.Context(), turn, convo.Events{})
	if err != nil {
		s.logger.Error("turn failed", "conversation", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "assistant error")
		return
	}

	resp := ChatResponse{Response: result.Text, ConversationID: convID}
	if req.Debug {
		resp.Observability = result.Observability
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// streamChat writes the reply as chunked plain text. Tokens pass
// through verbatim; statuses are framed inline so the client can render
// progress; the observability frame trails the text when debug is set.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, turn convo.TurnRequest, debug bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Conversation-Id", turn.ConversationID)
	w.Header().Set("Cache-Control", "no-cache")

	events := convo.Events{
		OnToken: func(token string) {
			fmt.Fprint(w, token)
			flusher.Flush()
		},
		OnStatus: func(status convo.Status) {
			b, err := json.Marshal(status)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "%s%s%s", statusMarkerOpen, b, statusMarkerClose)
			flusher.Flush()
		},
		OnNotify: func(text string) {
			b, err := json.Marshal(convo.Status{Stage: "notify", Detail: text})
			if err != nil {
				return
			}
			fmt.Fprintf(w, "%s%s%s", statusMarkerOpen, b, statusMarkerClose)
			flusher.Flush()
		},
	}

	result, err := s.orchestrator.RunTurn(r.Context(), turn, events)
	if err != nil {
		s.logger.Error("turn failed", "conversation", turn.ConversationID, "error", err)
		// Headers are out; signal the failure in-band.
		b, _ := json.Marshal(convo.Status{Stage: "error", Detail: "assistant error"})
		fmt.Fprintf(w, "%s%s%s", statusMarkerOpen, b, statusMarkerClose)
		flusher.Flush()
		return
	}

	if debug && result.Observability != nil {
		b, err := json.Marshal(result.Observability)
		if err == nil {
			fmt.Fprintf(w, "\n%s%s", observabilityMarker, b)
		}
	}
	flusher.Flush()
}
