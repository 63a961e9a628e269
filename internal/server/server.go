// Package server shares one game session with any number of WebSocket
// clients.
//
// The session hands every state change to Broadcast in order. A single hub
// goroutine owns the client set and fans each message out, so joins,
// leaves and broadcasts are applied in one sequence and every client sees
// the same stream of changes.
package server

import (
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lairsandllamas/host/internal/auth"
	"github.com/lairsandllamas/host/internal/metrics"
	"github.com/lairsandllamas/host/internal/protocol"
	"github.com/lairsandllamas/host/internal/transcript"
)

// channelBufferSize is the buffer size for the hub queue and per-client
// send channels. A client whose buffer fills up is disconnected.
const channelBufferSize = 256

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	// authWait bounds how long a connection may take to send its auth frame.
	authWait = 10 * time.Second
)

// Session is the authoritative game state the server shares.
type Session interface {
	// Join calls register with a consistent snapshot. No state change may
	// be broadcast between the snapshot and register returning.
	Join(register func(transcript.State))
	Dispatch(cmd protocol.ClientCommand)
}

// Config configures a Server.
type Config struct {
	// Auth guards the connection handshake. Nil admits everyone.
	Auth    *auth.Authenticator
	Metrics *metrics.Metrics
	// CommandRate limits commands per second per client. Zero disables it.
	CommandRate  float64
	CommandBurst int
	// TLS serves wss:// when set.
	TLS *tls.Config
}

// Server manages WebSocket connections for one game session.
type Server struct {
	upgrader     websocket.Upgrader
	auth         *auth.Authenticator
	metrics      *metrics.Metrics
	tlsConfig    *tls.Config
	commandRate  rate.Limit
	commandBurst int

	// mu protects session, stopped and httpServer, and keeps the hub queue
	// open while a sender holds the read lock.
	mu         sync.RWMutex
	session    Session
	stopped    bool
	events     chan hubEvent
	runDone    chan struct{}
	httpServer *http.Server

	// clients is owned by the hub goroutine.
	clients     map[*Client]bool
	clientCount atomic.Int64
}

// Client is one connected WebSocket peer.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	sendOnce sync.Once
	server   *Server
	limiter  *rate.Limiter
	remote   string
}

// New creates a server and starts its hub. Attach a session with
// SetSession before accepting connections.
func New(cfg Config) *Server {
	limit := rate.Inf
	burst := cfg.CommandBurst
	if cfg.CommandRate > 0 {
		limit = rate.Limit(cfg.CommandRate)
		if burst <= 0 {
			burst = 1
		}
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Players connect from anywhere, including through the relay.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		auth:         cfg.Auth,
		metrics:      cfg.Metrics,
		tlsConfig:    cfg.TLS,
		commandRate:  limit,
		commandBurst: burst,
		events:       make(chan hubEvent, channelBufferSize),
		runDone:      make(chan struct{}),
		clients:      make(map[*Client]bool),
	}
	go s.run()
	return s
}

// ClientCount returns the number of admitted clients.
func (s *Server) ClientCount() int {
	return int(s.clientCount.Load())
}
