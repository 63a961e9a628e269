package server

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/lairsandllamas/host/internal/agent"
	"github.com/lairsandllamas/host/internal/agent/agenttest"
	"github.com/lairsandllamas/host/internal/auth"
	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/protocol"
	"github.com/lairsandllamas/host/internal/session"
	hosttls "github.com/lairsandllamas/host/internal/tls"
	"github.com/lairsandllamas/host/internal/transcript"
)

type harness struct {
	srv   *Server
	ctrl  *session.Controller
	agent *agenttest.Agent
	ts    *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	srv := New(cfg)
	fake := agenttest.New()
	ctrl := session.New(session.Config{Agent: fake, Cwd: "/games/test", Model: "sonnet"}, srv)
	srv.SetSession(ctrl)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
		ctrl.Close()
	})
	return &harness{srv: srv, ctrl: ctrl, agent: fake, ts: ts}
}

func wsURL(httpURL, query string) string {
	u := "ws" + strings.TrimPrefix(httpURL, "http") + "/"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	msg, err := protocol.DecodeServerMessage(readRaw(t, conn))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return msg
}

// readUntil reads until a message of type typ arrives, returning it.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) protocol.ServerMessage {
	t.Helper()
	for i := 0; i < 100; i++ {
		if msg := readMessage(t, conn); msg.MessageType() == typ {
			return msg
		}
	}
	t.Fatalf("no %s message within 100 reads", typ)
	return nil
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd protocol.ClientCommand) {
	t.Helper()
	data, err := protocol.EncodeClientCommand(cmd)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// join dials and consumes the admission messages, returning the snapshot.
func join(t *testing.T, h *harness) (*websocket.Conn, transcript.State) {
	t.Helper()
	conn := dial(t, wsURL(h.ts.URL, ""), nil)
	sync, ok := readMessage(t, conn).(*protocol.StateSyncMessage)
	if !ok {
		t.Fatal("first message is not stateSync")
	}
	if _, ok := readMessage(t, conn).(*protocol.ClientCountMessage); !ok {
		t.Fatal("second message is not clientCount")
	}
	return conn, sync.State
}

func waitClients(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d, want %d", s.ClientCount(), want)
}

func TestServer_JoinReceivesStateSync(t *testing.T) {
	h := newHarness(t, Config{})

	_, st := join(t, h)
	if st.ClientCount != 1 || st.Model != "sonnet" || st.Effort != agent.EffortMedium || st.IsProcessing {
		t.Errorf("stateSync = %+v", st)
	}
	if st.Messages == nil {
		t.Error("stateSync messages should be an empty list, not null")
	}
	waitClients(t, h.srv, 1)
}

func TestServer_ClientsSeeIdenticalSequence(t *testing.T) {
	h := newHarness(t, Config{})
	a, _ := join(t, h)
	b, st := join(t, h)
	if st.ClientCount != 2 {
		t.Errorf("second client count = %d, want 2", st.ClientCount)
	}
	if c := readMessage(t, a).(*protocol.ClientCountMessage); c.Count != 2 {
		t.Errorf("first client saw count %d, want 2", c.Count)
	}

	sendCommand(t, a, protocol.SendMessageCommand{Text: "I open the door"})
	s := h.agent.NextStream(t)
	s.Emit(
		agent.TextStart{ID: "m1"},
		agent.TextDelta{Text: "It creaks"},
		agent.TextDelta{Text: " open."},
		agent.MessageStop{},
	)
	s.End()

	collect := func(conn *websocket.Conn) []string {
		var out []string
		for {
			data := readRaw(t, conn)
			out = append(out, string(data))
			if msg, _ := protocol.DecodeServerMessage(data); msg != nil {
				if p, ok := msg.(*protocol.ProcessingStateMessage); ok && !p.IsProcessing {
					return out
				}
			}
		}
	}
	seqA := collect(a)
	seqB := collect(b)
	if !reflect.DeepEqual(seqA, seqB) {
		t.Fatalf("clients diverged:\nA: %v\nB: %v", seqA, seqB)
	}
	if len(seqA) != 7 {
		t.Errorf("sequence has %d messages, want 7: %v", len(seqA), seqA)
	}
	if !strings.Contains(seqA[0], `"I open the door"`) {
		t.Errorf("first broadcast = %s, want the user message", seqA[0])
	}
}

func TestServer_MidStreamJoinConverges(t *testing.T) {
	h := newHarness(t, Config{})
	a, stA := join(t, h)
	replicaA := protocol.NewReplica()
	replicaA.Apply(&protocol.StateSyncMessage{State: stA})

	sendCommand(t, a, protocol.SendMessageCommand{Text: "Tell me a story"})
	s := h.agent.NextStream(t)
	s.Emit(agent.TextStart{ID: "m1"}, agent.TextDelta{Text: "Once upon"})
	for {
		msg := readMessage(t, a)
		replicaA.Apply(msg)
		if msg.MessageType() == protocol.MessageTypeStreamDelta {
			break
		}
	}

	b, stB := join(t, h)
	last := stB.Messages[len(stB.Messages)-1]
	if last.ID != "m1" || !last.IsStreaming || last.Content != "Once upon" {
		t.Fatalf("late joiner partial message = %+v", last)
	}
	replicaB := protocol.NewReplica()
	replicaB.Apply(&protocol.StateSyncMessage{State: stB})

	s.Emit(agent.TextDelta{Text: " a time."}, agent.MessageStop{})
	s.End()

	drain := func(conn *websocket.Conn, r *protocol.Replica) {
		for {
			msg := readMessage(t, conn)
			r.Apply(msg)
			if p, ok := msg.(*protocol.ProcessingStateMessage); ok && !p.IsProcessing {
				return
			}
		}
	}
	drain(a, replicaA)
	drain(b, replicaB)

	if !reflect.DeepEqual(replicaA.State().Messages, replicaB.State().Messages) {
		t.Errorf("replicas diverged:\nA: %+v\nB: %+v", replicaA.State().Messages, replicaB.State().Messages)
	}
	m, _ := replicaB.Message("m1")
	if m.Content != "Once upon a time." || m.IsStreaming {
		t.Errorf("late joiner final message = %+v", m)
	}
}

func TestServer_ClientCountOnLeave(t *testing.T) {
	h := newHarness(t, Config{})
	a, _ := join(t, h)
	b, _ := join(t, h)
	readUntil(t, a, protocol.MessageTypeClientCount)

	b.Close()
	c := readUntil(t, a, protocol.MessageTypeClientCount).(*protocol.ClientCountMessage)
	if c.Count != 1 {
		t.Errorf("count after leave = %d, want 1", c.Count)
	}
	waitClients(t, h.srv, 1)
}

func TestServer_MalformedCommandsAreIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _ := join(t, h)

	for _, frame := range []string{
		`{not json`,
		`{"type":"sendMessage","text":"   "}`,
		`{"type":"switchEffort","effort":"extreme"}`,
		`{"type":"launchMissiles"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	sendCommand(t, conn, protocol.SwitchModelCommand{Model: "opus"})

	msg := readMessage(t, conn)
	m, ok := msg.(*protocol.ModelChangedMessage)
	if !ok || m.Model != "opus" {
		t.Fatalf("next message = %#v, want modelChanged opus", msg)
	}
	if h.ctrl.Snapshot().Effort != agent.EffortMedium {
		t.Error("invalid effort changed the session")
	}
	h.agent.NoStream(t, 50*time.Millisecond)
}

func TestServer_RateLimit(t *testing.T) {
	h := newHarness(t, Config{CommandRate: 1, CommandBurst: 1})
	conn, _ := join(t, h)

	sendCommand(t, conn, protocol.SwitchModelCommand{Model: "opus"})
	sendCommand(t, conn, protocol.SwitchModelCommand{Model: "haiku"})

	if m, ok := readMessage(t, conn).(*protocol.ModelChangedMessage); !ok || m.Model != "opus" {
		t.Fatalf("first command not applied")
	}
	e, ok := readMessage(t, conn).(*protocol.ErrorMessage)
	if !ok || e.Code != apperrors.CodeServerRateLimited {
		t.Fatalf("second command: got %#v, want rate limited error", e)
	}
	if got := h.ctrl.Snapshot().Model; got != "opus" {
		t.Errorf("model = %q, want opus", got)
	}
}

// TestServer_ReplyKeepsOrderWithBroadcasts checks that a reply to one client
// is delivered after broadcasts queued before it, and never reaches a
// connection that has not joined.
func TestServer_ReplyKeepsOrderWithBroadcasts(t *testing.T) {
	s := New(Config{})

	member := &Client{send: make(chan []byte, 16), done: make(chan struct{}), remote: "member"}
	stranger := &Client{send: make(chan []byte, 16), done: make(chan struct{}), remote: "stranger"}
	s.enqueue(hubEvent{kind: eventJoin, client: member})
	s.Broadcast(protocol.NewModelChangedMessage("opus"))
	s.reply(member, protocol.NewErrorMessage(apperrors.CodeServerRateLimited, "slow down"))
	s.reply(stranger, protocol.NewErrorMessage(apperrors.CodeServerRateLimited, "slow down"))
	s.Stop()

	var got []protocol.MessageType
	for len(member.send) > 0 {
		msg, err := protocol.DecodeServerMessage(<-member.send)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got = append(got, msg.MessageType())
	}
	want := []protocol.MessageType{
		protocol.MessageTypeStateSync,
		protocol.MessageTypeClientCount,
		protocol.MessageTypeModelChanged,
		protocol.MessageTypeError,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("member received %v, want %v", got, want)
	}
	if len(stranger.send) != 0 {
		t.Errorf("stranger received %d messages", len(stranger.send))
	}
}

func newAuthHarness(t *testing.T, secret string) *harness {
	t.Helper()
	a, err := auth.NewAuthenticatorWithCost(secret, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewAuthenticatorWithCost: %v", err)
	}
	return newHarness(t, Config{Auth: a})
}

func expectAuthResult(t *testing.T, conn *websocket.Conn, success bool) *protocol.AuthResultMessage {
	t.Helper()
	r, ok := readMessage(t, conn).(*protocol.AuthResultMessage)
	if !ok {
		t.Fatal("first message is not authResult")
	}
	if r.Success != success {
		t.Fatalf("authResult success = %v, want %v", r.Success, success)
	}
	return r
}

func TestServer_AuthViaQuery(t *testing.T) {
	h := newAuthHarness(t, "Xk7pQm")
	conn := dial(t, wsURL(h.ts.URL, "password=Xk7pQm"), nil)

	expectAuthResult(t, conn, true)
	if _, ok := readMessage(t, conn).(*protocol.StateSyncMessage); !ok {
		t.Fatal("admitted client did not receive stateSync")
	}
}

func TestServer_AuthViaBearer(t *testing.T) {
	h := newAuthHarness(t, "Xk7pQm")
	conn := dial(t, wsURL(h.ts.URL, ""), http.Header{"Authorization": {"Bearer Xk7pQm"}})

	expectAuthResult(t, conn, true)
	readUntil(t, conn, protocol.MessageTypeStateSync)
}

func TestServer_AuthViaFirstFrame(t *testing.T) {
	h := newAuthHarness(t, "Xk7pQm")
	conn := dial(t, wsURL(h.ts.URL, ""), nil)

	sendCommand(t, conn, protocol.AuthCommand{Password: "Xk7pQm"})
	expectAuthResult(t, conn, true)
	readUntil(t, conn, protocol.MessageTypeStateSync)
	waitClients(t, h.srv, 1)
}

func TestServer_AuthRejected(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		frame  protocol.ClientCommand
		reason string
	}{
		{"wrong query password", "password=nope", nil, "Invalid password"},
		{"wrong auth frame", "", protocol.AuthCommand{Password: "nope"}, "Invalid password"},
		{"command before auth", "", protocol.SendMessageCommand{Text: "let me in"}, "Authentication required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAuthHarness(t, "Xk7pQm")
			conn := dial(t, wsURL(h.ts.URL, tt.query), nil)
			if tt.frame != nil {
				sendCommand(t, conn, tt.frame)
			}

			r := expectAuthResult(t, conn, false)
			if r.Error != tt.reason {
				t.Errorf("rejection reason = %q, want %q", r.Error, tt.reason)
			}
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := conn.ReadMessage(); err == nil {
				t.Error("connection should be closed after rejection")
			}
			if h.srv.ClientCount() != 0 {
				t.Errorf("rejected client was admitted")
			}
			h.agent.NoStream(t, 20*time.Millisecond)
		})
	}
}

func TestServer_OpenGameSkipsAuthResult(t *testing.T) {
	h := newHarness(t, Config{})
	conn := dial(t, wsURL(h.ts.URL, "password=whatever"), nil)
	if _, ok := readMessage(t, conn).(*protocol.StateSyncMessage); !ok {
		t.Fatal("open game should admit immediately with stateSync")
	}
}

func TestServer_StopClosesClients(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _ := join(t, h)

	if err := h.srv.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("client should be disconnected after Stop")
	}

	// Broadcasting and stopping again after Stop are harmless.
	h.srv.Broadcast(protocol.NewProcessingStateMessage(true))
	if err := h.srv.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
	if h.srv.ClientCount() != 0 {
		t.Errorf("ClientCount() after Stop = %d", h.srv.ClientCount())
	}

	resp, err := http.Get(h.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after Stop = %d, want 503", resp.StatusCode)
	}
}

func TestServer_SlowClientIsDisconnected(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	slow := &Client{
		send:   make(chan []byte, 1),
		done:   make(chan struct{}),
		remote: "slow",
	}
	s.enqueue(hubEvent{kind: eventJoin, client: slow})
	s.Broadcast(protocol.NewProcessingStateMessage(true))

	select {
	case <-slow.done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow client was not disconnected")
	}
	waitClients(t, s, 0)
}

func TestServer_StartPicksFreePort(t *testing.T) {
	s := New(Config{})
	fake := agenttest.New()
	ctrl := session.New(session.Config{Agent: fake, Cwd: "/games/test"}, s)
	defer ctrl.Close()
	s.SetSession(ctrl)

	port, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop()
	if port == 0 {
		t.Fatal("Start() returned port 0")
	}

	conn := dial(t, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	if _, ok := readMessage(t, conn).(*protocol.StateSyncMessage); !ok {
		t.Error("first message is not stateSync")
	}
}

func TestServer_StartAfterStop(t *testing.T) {
	s := New(Config{})
	s.Stop()

	_, err := s.Start("127.0.0.1:0")
	if !apperrors.IsCode(err, apperrors.CodeServerStopped) {
		t.Errorf("Start() after Stop error = %v, want %s", err, apperrors.CodeServerStopped)
	}
}

func TestServer_StartTLS(t *testing.T) {
	dir := t.TempDir()
	info, err := hosttls.EnsureCertificate(hosttls.CertConfig{
		CertPath: filepath.Join(dir, "host.crt"),
		KeyPath:  filepath.Join(dir, "host.key"),
	})
	if err != nil {
		t.Fatalf("EnsureCertificate() error: %v", err)
	}
	serverTLS, err := hosttls.LoadTLSConfig(info.CertPath, info.KeyPath)
	if err != nil {
		t.Fatalf("LoadTLSConfig() error: %v", err)
	}

	s := New(Config{TLS: serverTLS})
	ctrl := session.New(session.Config{Agent: agenttest.New(), Cwd: "/games/test"}, s)
	defer ctrl.Close()
	s.SetSession(ctrl)
	port, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop()

	pinned, err := hosttls.PinnedClientConfig(info.Fingerprint)
	if err != nil {
		t.Fatalf("PinnedClientConfig() error: %v", err)
	}
	dialer := websocket.Dialer{TLSClientConfig: pinned, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(fmt.Sprintf("wss://127.0.0.1:%d/", port), nil)
	if err != nil {
		t.Fatalf("wss dial failed: %v", err)
	}
	defer conn.Close()
	if _, ok := readMessage(t, conn).(*protocol.StateSyncMessage); !ok {
		t.Error("first message is not stateSync")
	}

	if _, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil); err == nil {
		t.Error("plain ws dial to a TLS server should fail")
	}
}

func TestServer_StartFailsWhenPortInUse(t *testing.T) {
	s := New(Config{})
	defer s.Stop()
	port, err := s.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	other := New(Config{})
	defer other.Stop()
	if _, err := other.Start(fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
		t.Error("Start() on a busy port should fail")
	}
}

func TestServer_PlainHTTP(t *testing.T) {
	h := newHarness(t, Config{})

	for path, want := range map[string]int{
		"/":        http.StatusOK,
		"/health":  http.StatusOK,
		"/missing": http.StatusNotFound,
	} {
		resp, err := http.Get(h.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}
