// Package voice implements the websocket voice session surface. A
// voice session is one persistent connection carrying utterances in and
// streamed reply frames out. Tool calls in voice mode run exactly once;
// a retry would desynchronize the spoken exchange.
package voice

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halide-studio/assistant/internal/convo"
	"github.com/halide-studio/assistant/internal/session"
	"github.com/halide-studio/assistant/internal/tools"
)

// Frame is the websocket message envelope, both directions.
//
// Client frames: "utterance" (Text), "end".
// Server frames: "session" (SessionID), "token" (Text), "status"
// (Status), "notify" (Text), "done" (AudioSuppressed), "session_ended",
// "error" (Text).
type Frame struct {
	Type            string        `json:"type"`
	Text            string        `json:"text,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	ClientID        string        `json:"client_id,omitempty"`
	Status          *convo.Status `json:"status,omitempty"`
	AudioSuppressed bool          `json:"audio_suppressed,omitempty"`
}

// Server handles voice websocket connections.
type Server struct {
	orchestrator *convo.Orchestrator
	sessions     *session.Store
	maxSession   time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// NewServer creates the voice surface. maxSession bounds a single
// connection; zero means 15 minutes.
func NewServer(orchestrator *convo.Orchestrator, sessions *session.Store, maxSession time.Duration, logger *slog.Logger) *Server {
	if maxSession <= 0 {
		maxSession = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orchestrator: orchestrator,
		sessions:     sessions,
		maxSession:   maxSession,
		logger:       logger.With("component", "voice"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The widget embeds on the studio site; same-origin
			// enforcement happens at the proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register adds the voice route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/voice", s.handleVoice)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := s.sessions.Start("")
	defer s.orchestrator.EndSession(sess.ID())

	ctx, cancel := context.WithTimeout(r.Context(), s.maxSession)
	defer cancel()

	// Close the connection when the session deadline or request
	// context expires so the read loop unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.logger.Info("voice session started", "session", sess.ID())
	s.writeFrame(conn, Frame{Type: "session", SessionID: sess.ID()})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("voice connection closed", "session", sess.ID(), "error", err)
			}
			return
		}

		switch frame.Type {
		case "utterance":
			if frame.Text == "" {
				s.writeFrame(conn, Frame{Type: "error", Text: "empty utterance"})
				continue
			}
			if s.runUtterance(ctx, conn, sess, frame) {
				s.writeFrame(conn, Frame{Type: "session_ended", SessionID: sess.ID()})
				return
			}
		case "end":
			s.writeFrame(conn, Frame{Type: "session_ended", SessionID: sess.ID()})
			return
		default:
			s.writeFrame(conn, Frame{Type: "error", Text: "unknown frame type " + frame.Type})
		}
	}
}

// runUtterance executes one voice turn, streaming frames back. Returns
// true when the session should end.
func (s *Server) runUtterance(ctx context.Context, conn *websocket.Conn, sess *session.Session, frame Frame) bool {
	turn := convo.TurnRequest{
		ConversationID: sess.ID(),
		SessionID:      sess.ID(),
		ClientID:       frame.ClientID,
		Mode:           tools.ModeVoice,
		Message:        frame.Text,
	}

	events := convo.Events{
		OnToken: func(token string) {
			// Stop feeding audio text once suppression lands; the
			// transcript still accumulates in the turn result.
			if sess.AudioSuppressed() {
				return
			}
			s.writeFrame(conn, Frame{Type: "token", Text: token})
		},
		OnStatus: func(status convo.Status) {
			st := status
			s.writeFrame(conn, Frame{Type: "status", Status: &st})
		},
		OnNotify: func(text string) {
			s.writeFrame(conn, Frame{Type: "notify", Text: text})
		},
	}

	result, err := s.orchestrator.RunTurn(ctx, turn, events)
	if err != nil {
		s.logger.Error("voice turn failed", "session", sess.ID(), "error", err)
		s.writeFrame(conn, Frame{Type: "error", Text: "assistant error"})
		return false
	}

	s.writeFrame(conn, Frame{Type: "done", AudioSuppressed: result.AudioSuppressed})
	return result.EndSession || !sess.Active()
}

func (s *Server) writeFrame(conn *websocket.Conn, frame Frame) {
	if err := conn.WriteJSON(frame); err != nil {
		s.logger.Debug("voice write failed", "error", err)
	}
}
