package server

import (
	"encoding/json"
	"log"

	"github.com/lairsandllamas/host/internal/protocol"
	"github.com/lairsandllamas/host/internal/transcript"
)

type hubEventKind int

const (
	eventBroadcast hubEventKind = iota
	eventJoin
	eventLeave
	eventDirect
)

// hubEvent is one change to apply on the hub goroutine.
type hubEvent struct {
	kind   hubEventKind
	msg    protocol.ServerMessage
	client *Client
	state  transcript.State
}

// Broadcast queues msg for every admitted client. Messages are delivered
// in the order Broadcast is called. After Stop it does nothing.
func (s *Server) Broadcast(msg protocol.ServerMessage) {
	s.enqueue(hubEvent{kind: eventBroadcast, msg: msg})
}

// reply queues msg for c alone, in order with the broadcasts already
// queued. Nothing is sent if c has not been admitted or has left.
func (s *Server) reply(c *Client, msg protocol.ServerMessage) {
	s.enqueue(hubEvent{kind: eventDirect, msg: msg, client: c})
}

// enqueue hands ev to the hub. It blocks only while the hub drains its
// queue, which never waits on a client.
func (s *Server) enqueue(ev hubEvent) bool {
	// Hold the read lock through the send so Stop cannot close the queue
	// underneath us.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	s.events <- ev
	return true
}

// run applies hub events until the queue is closed by Stop.
func (s *Server) run() {
	defer close(s.runDone)

	for ev := range s.events {
		switch ev.kind {
		case eventBroadcast:
			s.deliver(ev.msg)

		case eventJoin:
			s.clients[ev.client] = true
			s.setCount()
			st := ev.state
			st.ClientCount = len(s.clients)
			if data := encode(protocol.NewStateSyncMessage(st)); data != nil {
				s.sendOrDrop(ev.client, data)
			}
			log.Printf("server: client %s joined (%d total)", ev.client.remote, len(s.clients))
			s.deliver(protocol.NewClientCountMessage(len(s.clients)))

		case eventDirect:
			if !s.clients[ev.client] {
				continue
			}
			if data := encode(ev.msg); data != nil && !s.sendOrDrop(ev.client, data) {
				delete(s.clients, ev.client)
				s.setCount()
				s.deliver(protocol.NewClientCountMessage(len(s.clients)))
			}

		case eventLeave:
			if !s.clients[ev.client] {
				continue
			}
			delete(s.clients, ev.client)
			s.setCount()
			log.Printf("server: client %s left (%d remaining)", ev.client.remote, len(s.clients))
			s.deliver(protocol.NewClientCountMessage(len(s.clients)))
		}
	}

	for c := range s.clients {
		c.closeSend()
		delete(s.clients, c)
	}
	s.setCount()
}

// deliver sends msg to every client without blocking. Clients that cannot
// keep up are disconnected rather than allowed to miss a message.
func (s *Server) deliver(msg protocol.ServerMessage) {
	data := encode(msg)
	if data == nil {
		return
	}
	s.metrics.Broadcast(string(msg.MessageType()))

	var dropped []*Client
	for c := range s.clients {
		if !s.sendOrDrop(c, data) {
			dropped = append(dropped, c)
		}
	}
	if len(dropped) == 0 {
		return
	}
	for _, c := range dropped {
		delete(s.clients, c)
	}
	s.setCount()
	s.deliver(protocol.NewClientCountMessage(len(s.clients)))
}

// sendOrDrop queues data for c. A full buffer disconnects the client.
func (s *Server) sendOrDrop(c *Client, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Printf("server: client %s send buffer full, disconnecting", c.remote)
		s.metrics.ClientDropped()
		c.closeSend()
		return false
	}
}

func (s *Server) setCount() {
	s.clientCount.Store(int64(len(s.clients)))
	s.metrics.SetClients(len(s.clients))
}

func encode(msg protocol.ServerMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("server: failed to marshal %s: %v", msg.MessageType(), err)
		return nil
	}
	return data
}
