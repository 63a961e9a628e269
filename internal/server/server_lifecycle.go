package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// Start listens on addr and serves in the background. An addr with port 0
// picks a free port; the bound port is returned.
func (s *Server) Start(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return 0, apperrors.ServerStopped()
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		log.Printf("server: listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()
	return port, nil
}

// Stop disconnects every client and stops accepting connections. Queued
// messages are flushed to clients before their close frame. The session is
// not closed; its owner does that.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	// No sender holds the read lock now, so closing the queue is safe.
	close(s.events)
	srv := s.httpServer
	s.mu.Unlock()

	<-s.runDone

	if srv != nil {
		return srv.Close()
	}
	return nil
}
