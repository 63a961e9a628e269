package server

// SetSession attaches the session shared by this server.
func (s *Server) SetSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
}

func (s *Server) currentSession() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, !s.stopped && s.session != nil
}
