package main

// client.go is the line-mode terminal client used by "play" and "join".

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lairsandllamas/host/internal/agent"
	"github.com/lairsandllamas/host/internal/protocol"
	hosttls "github.com/lairsandllamas/host/internal/tls"
	"github.com/lairsandllamas/host/internal/transcript"
)

const clientHelp = `Type to speak to the game master. Commands:
  /answer N            pick option N of the pending question
  /answer H=LABEL; ... answer questions by header
  /interrupt           stop the game master's current turn
  /clear               start a fresh session
  /model NAME          switch model
  /effort LEVEL        switch effort (low, medium, high)
  /quit                leave
`

const (
	clientWriteWait = 10 * time.Second
	// closeWait bounds how long we wait for the server to answer our close.
	closeWait = time.Second
)

// lineClient plays a session from a terminal. Server messages are folded
// into a replica and printed; input lines become commands.
type lineClient struct {
	conn *websocket.Conn

	mu      sync.Mutex
	replica *protocol.Replica
	out     *printer
}

// newDialer returns the dialer for a join address. A non-empty fingerprint
// pins the server certificate of a self-signed wss:// host.
func newDialer(fingerprint string) (*websocket.Dialer, error) {
	if fingerprint == "" {
		return websocket.DefaultDialer, nil
	}
	pinned, err := hosttls.PinnedClientConfig(fingerprint)
	if err != nil {
		return nil, err
	}
	d := *websocket.DefaultDialer
	d.TLSClientConfig = pinned
	return &d, nil
}

// runClient joins the session at url and relays between it and the
// terminal until input ends, ctx is done or the server goes away.
func runClient(ctx context.Context, dialer *websocket.Dialer, url string, in io.Reader, out io.Writer) error {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", redact(url), err)
	}
	defer conn.Close()

	c := &lineClient{conn: conn, replica: protocol.NewReplica(), out: &printer{w: out}}

	readDone := make(chan error, 1)
	go func() { readDone <- c.readLoop() }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.leave(readDone)
		case err := <-readDone:
			return err
		case line, ok := <-lines:
			if !ok {
				return c.leave(readDone)
			}
			quit, err := c.handleLine(line)
			if err != nil {
				return err
			}
			if quit {
				return c.leave(readDone)
			}
		}
	}
}

// leave closes the connection politely and waits briefly for the server.
func (c *lineClient) leave(readDone <-chan error) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(clientWriteWait))
	select {
	case err := <-readDone:
		return err
	case <-time.After(closeWait):
		return nil
	}
}

func (c *lineClient) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.printf("[disconnected]\n")
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			// Newer servers may send kinds we do not know yet.
			continue
		}

		c.mu.Lock()
		c.replica.Apply(msg)
		err = c.out.handle(msg)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// handleLine sends the command typed on line. It reports whether the
// player asked to leave.
func (c *lineClient) handleLine(line string) (bool, error) {
	if strings.TrimSpace(line) == "/help" {
		c.printf("%s", clientHelp)
		return false, nil
	}

	c.mu.Lock()
	pending := c.replica.State().PendingQuestion
	c.mu.Unlock()

	cmd, quit, err := parseInput(line, pending)
	if err != nil {
		c.printf("[error] %v\n", err)
		return false, nil
	}
	if quit || cmd == nil {
		return quit, nil
	}

	data, err := protocol.EncodeClientCommand(cmd)
	if err != nil {
		return false, err
	}
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false, fmt.Errorf("send: %w", err)
	}
	return false, nil
}

func (c *lineClient) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.breakLine()
	fmt.Fprintf(c.out.w, format, args...)
}

// parseInput turns one line of player input into a command. Plain text
// is spoken to the game master; slash commands map to the rest.
func parseInput(line string, pending *transcript.PendingQuestion) (protocol.ClientCommand, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.SendMessageCommand{Text: line}, false, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "exit":
		return nil, true, nil
	case "interrupt":
		return protocol.InterruptCommand{}, false, nil
	case "clear":
		return protocol.ClearSessionCommand{}, false, nil
	case "model":
		if arg == "" {
			return nil, false, errors.New("usage: /model NAME")
		}
		return protocol.SwitchModelCommand{Model: arg}, false, nil
	case "effort":
		if !agent.ValidEffort(arg) {
			return nil, false, errors.New("effort must be low, medium or high")
		}
		return protocol.SwitchEffortCommand{Effort: arg}, false, nil
	case "answer":
		answers, err := parseAnswers(arg, pending)
		if err != nil {
			return nil, false, err
		}
		return protocol.AnswerQuestionCommand{Answers: answers}, false, nil
	}
	return nil, false, fmt.Errorf("unknown command /%s (try /help)", name)
}

// parseAnswers reads "/answer" arguments: answers separated by ";", each
// either "header=value" or a bare value for the question at that position.
// A value is an option number, an option label, or free text.
func parseAnswers(arg string, pending *transcript.PendingQuestion) (map[string]string, error) {
	if pending == nil || len(pending.Questions) == 0 {
		return nil, errors.New("no question is waiting for an answer")
	}
	if arg == "" {
		return nil, errors.New("usage: /answer N or /answer HEADER=LABEL; ...")
	}

	answers := make(map[string]string)
	for i, part := range strings.Split(arg, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		var q *transcript.Question
		value := part
		if key, v, ok := strings.Cut(part, "="); ok {
			q = findQuestion(pending, strings.TrimSpace(key))
			if q == nil {
				return nil, fmt.Errorf("no question called %q", strings.TrimSpace(key))
			}
			value = strings.TrimSpace(v)
		} else {
			if i >= len(pending.Questions) {
				return nil, fmt.Errorf("only %d question(s) are pending", len(pending.Questions))
			}
			q = &pending.Questions[i]
		}
		if value == "" {
			return nil, fmt.Errorf("empty answer for %q", q.Header)
		}
		answers[q.Question] = resolveOption(q, value)
	}
	if len(answers) == 0 {
		return nil, errors.New("usage: /answer N or /answer HEADER=LABEL; ...")
	}
	return answers, nil
}

func findQuestion(pending *transcript.PendingQuestion, key string) *transcript.Question {
	for i := range pending.Questions {
		q := &pending.Questions[i]
		if strings.EqualFold(q.Header, key) || strings.EqualFold(q.Question, key) {
			return q
		}
	}
	return nil
}

func resolveOption(q *transcript.Question, value string) string {
	if n, err := strconv.Atoi(value); err == nil && n >= 1 && n <= len(q.Options) {
		return q.Options[n-1].Label
	}
	for _, opt := range q.Options {
		if strings.EqualFold(opt.Label, value) {
			return opt.Label
		}
	}
	return value
}

// redact hides the password in a join URL.
func redact(url string) string {
	if i := strings.Index(url, "password="); i >= 0 {
		return url[:i] + "password=***"
	}
	return url
}
