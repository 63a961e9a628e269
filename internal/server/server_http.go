package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lairsandllamas/host/internal/auth"
	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/transcript"
)

// Handler returns the HTTP handler. WebSocket upgrades are accepted on "/"
// (the path of shared join URLs) and "/ws".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !websocket.IsWebSocketUpgrade(r) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("Lairs & Llamas game server. Connect with a WebSocket client.\n"))
			return
		}
		s.handleWebSocket(w, r)
	})
	return mux
}

// handleWebSocket upgrades the connection, authenticates it and, once
// admitted, joins it to the session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession()
	if !ok {
		http.Error(w, "game is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: %v", apperrors.UpgradeFailed(err))
		return
	}

	client := newClient(s, conn, r.RemoteAddr)
	go client.writePump()

	if !client.authenticate(auth.CredentialFromRequest(r)) {
		client.closeSend()
		return
	}

	// Registration happens inside Join so the stateSync snapshot and the
	// first broadcast this client receives are contiguous.
	registered := false
	sess.Join(func(st transcript.State) {
		registered = s.enqueue(hubEvent{kind: eventJoin, client: client, state: st})
	})
	if !registered {
		client.closeSend()
		return
	}

	go client.readPump(sess)
}
