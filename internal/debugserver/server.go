package debugserver

import (
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"thidy/internal/compiler"
)

// Server accepts WebSocket connections and gives each one its own
// Session, the same one-goroutine-per-connection shape as the teacher's
// WebSocketServer.Handler (internal/network/websocket.go).
type Server struct {
	Addr     string
	Externs  []compiler.ExternBinding
	upgrader websocket.Upgrader
}

// NewServer builds a debug server listening on addr, compiling every
// session's program with externs bound the same way the main CLI does.
func NewServer(addr string, externs []compiler.ExternBinding) *Server {
	return &Server{
		Addr:    addr,
		Externs: externs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks, serving WebSocket debug sessions at /debug.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug", s.handleConn)
	log.Printf("debug server listening on %s", s.Addr)
	return http.ListenAndServe(s.Addr, mux)
}

// command is the wire shape of a client -> server message.
type command struct {
	Cmd    string `json:"cmd"`
	Source string `json:"source,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	ID     int    `json:"id,omitempty"`
}

type event struct {
	Event  string   `json:"event"`
	ID     int      `json:"id,omitempty"`
	Errors []string `json:"errors,omitempty"`
	Where  string   `json:"where,omitempty"`
	Snapshot
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	var sess *Session

	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}

		switch cmd.Cmd {
		case "load":
			newSess, errs := NewSession(sessionID, cmd.Source, compiler.Options{File: cmd.File, Externs: s.Externs})
			if len(errs) > 0 {
				msgs := make([]string, len(errs))
				for i, e := range errs {
					msgs[i] = e.Error()
				}
				conn.WriteJSON(event{Event: "load_error", Errors: msgs})
				continue
			}
			sess = newSess
			conn.WriteJSON(event{Event: "loaded"})

		case "break":
			if sess == nil {
				conn.WriteJSON(event{Event: "error", Errors: []string{"no program loaded"}})
				continue
			}
			id := sess.AddBreakpoint(cmd.File, cmd.Line)
			conn.WriteJSON(event{Event: "breakpoint_set", ID: id})

		case "delete":
			if sess == nil {
				continue
			}
			sess.RemoveBreakpoint(cmd.ID)
			conn.WriteJSON(event{Event: "breakpoint_removed", ID: cmd.ID})

		case "continue", "step":
			if sess == nil {
				conn.WriteJSON(event{Event: "error", Errors: []string{"no program loaded"}})
				continue
			}
			snap := sess.Resume()
			conn.WriteJSON(event{Event: "paused", Snapshot: snap})

		case "where":
			if sess == nil {
				continue
			}
			conn.WriteJSON(event{Event: "where", Where: sess.Where()})

		case "quit":
			return

		default:
			conn.WriteJSON(event{Event: "error", Errors: []string{fmt.Sprintf("unknown command: %s", cmd.Cmd)}})
		}
	}
}
