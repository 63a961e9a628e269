package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// maxLineBytes bounds a single stream-json line. Tool results that embed
// whole files can be large.
const maxLineBytes = 16 * 1024 * 1024

const closeGrace = 3 * time.Second

// Claude drives the claude CLI in stream-json mode, one process per turn.
type Claude struct {
	// Bin is the executable to run.
	Bin string
	// Args are inserted before the generated flags.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
}

// NewClaude returns a driver for the given executable.
func NewClaude(bin string) *Claude {
	if bin == "" {
		bin = "claude"
	}
	return &Claude{Bin: bin}
}

// Query starts a turn.
func (c *Claude) Query(ctx context.Context, opts QueryOptions) (Stream, error) {
	procCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, c.Bin, append(append([]string(nil), c.Args...), c.flags(opts)...)...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env, "MAX_THINKING_TOKENS="+strconv.Itoa(ThinkingTokens(opts.Effort)))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, apperrors.AgentStartFailed(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, apperrors.AgentStartFailed(err)
	}
	s := &claudeStream{
		ctx:    procCtx,
		cancel: cancel,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		opts:   opts,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, apperrors.AgentStartFailed(err)
	}
	log.Printf("agent: started %s (pid %d)", c.Bin, cmd.Process.Pid)

	go s.readLoop()

	if err := s.send(controlRequest(map[string]any{"subtype": "initialize", "hooks": nil})); err != nil {
		s.Close()
		return nil, apperrors.AgentStartFailed(err)
	}
	if err := s.send(userFrame(opts.Prompt)); err != nil {
		s.Close()
		return nil, apperrors.AgentStartFailed(err)
	}
	return s, nil
}

func (c *Claude) flags(opts QueryOptions) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return args
}

type claudeStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdout io.Reader
	stderr bytes.Buffer
	opts   QueryOptions

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	events chan Event
	done   chan struct{}
	// err is written by readLoop before events is closed.
	err error

	closeOnce sync.Once
}

func (s *claudeStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *claudeStream) Interrupt(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.send(controlRequest(map[string]any{"subtype": "interrupt"}))
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends input and gives the process closeGrace to exit on its own
// so it can finish writing its session log, then kills it.
func (s *claudeStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeInput()
		select {
		case <-s.done:
		case <-time.After(closeGrace):
		}
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *claudeStream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	sc := bufio.NewScanner(s.stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	ended := false
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var l cliLine
		if err := json.Unmarshal(line, &l); err != nil {
			log.Printf("agent: skipping malformed line: %v", err)
			continue
		}
		if l.Type == "control_request" {
			s.handleControlRequest(l)
			continue
		}
		for _, ev := range l.events() {
			if _, ok := ev.(TurnEnd); ok {
				ended = true
				s.closeInput()
			}
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
			}
		}
	}
	scanErr := sc.Err()
	if scanErr != nil {
		s.cancel()
	}
	waitErr := s.cmd.Wait()

	if ended || s.ctx.Err() != nil {
		return
	}
	cause := scanErr
	if cause == nil {
		cause = waitErr
	}
	if cause == nil {
		cause = fmt.Errorf("game master exited before finishing the turn")
	}
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	s.err = apperrors.AgentStreamFailed(cause)
}

func (s *claudeStream) handleControlRequest(l cliLine) {
	var req struct {
		Subtype   string         `json:"subtype"`
		ToolName  string         `json:"tool_name"`
		Input     map[string]any `json:"input"`
		ToolUseID string         `json:"tool_use_id"`
	}
	if err := json.Unmarshal(l.Request, &req); err != nil || req.Subtype != "can_use_tool" {
		s.replyError(l.RequestID, fmt.Sprintf("unsupported control request %q", req.Subtype))
		return
	}

	go func() {
		result := AllowTool(req.Input)
		if s.opts.CanUseTool != nil {
			var err error
			result, err = s.opts.CanUseTool(s.ctx, PermissionRequest{
				ToolName:  req.ToolName,
				ToolUseID: req.ToolUseID,
				Input:     req.Input,
			})
			if err != nil {
				s.replyError(l.RequestID, err.Error())
				return
			}
		}
		if err := s.send(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": l.RequestID,
				"response":   result,
			},
		}); err != nil {
			log.Printf("agent: failed to answer permission request: %v", err)
		}
	}()
}

func (s *claudeStream) replyError(requestID, msg string) {
	if err := s.send(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      msg,
		},
	}); err != nil {
		log.Printf("agent: failed to answer control request: %v", err)
	}
}

func (s *claudeStream) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return io.ErrClosedPipe
	}
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

func (s *claudeStream) closeInput() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.stdinClosed {
		s.stdinClosed = true
		s.stdin.Close()
	}
}

func controlRequest(request map[string]any) map[string]any {
	return map[string]any{
		"type":       "control_request",
		"request_id": uuid.NewString(),
		"request":    request,
	}
}

func userFrame(prompt string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []ContentBlock{{Type: "text", Text: prompt}},
		},
		"parent_tool_use_id": nil,
	}
}

// cliLine is one line of the CLI's stream-json output.
type cliLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Status    *string         `json:"status"`
	UUID      string          `json:"uuid"`
	Event     *streamEvent    `json:"event"`
	Message   *cliMessage     `json:"message"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type streamEvent struct {
	Type         string `json:"type"`
	ContentBlock *struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

type cliMessage struct {
	Content json.RawMessage `json:"content"`
}

// events translates a line into zero or more stream events.
func (l cliLine) events() []Event {
	switch l.Type {
	case "system":
		switch l.Subtype {
		case "init":
			return []Event{SessionInit{SessionID: l.SessionID}}
		case "status":
			status := ""
			if l.Status != nil {
				status = *l.Status
			}
			return []Event{Status{Status: status}}
		}
	case "stream_event":
		return l.streamEvents()
	case "assistant":
		if l.Message == nil {
			return nil
		}
		_, blocks, _ := DecodeContent(l.Message.Content)
		var out []Event
		for _, b := range blocks {
			if b.Type == "tool_use" {
				out = append(out, ToolUse{ID: b.ID, Name: b.Name, Input: b.Input})
			}
		}
		return out
	case "user":
		if l.Message == nil {
			return nil
		}
		_, blocks, _ := DecodeContent(l.Message.Content)
		var out []Event
		for _, b := range blocks {
			if b.Type == "tool_result" {
				out = append(out, ToolResult{ToolUseID: b.ToolUseID, Content: b.ResultText(), IsError: b.IsError})
			}
		}
		return out
	case "result":
		return []Event{TurnEnd{Subtype: l.Subtype, IsError: l.IsError, Result: l.Result}}
	}
	return nil
}

func (l cliLine) streamEvents() []Event {
	ev := l.Event
	if ev == nil {
		return nil
	}
	id := l.UUID
	if id == "" {
		id = uuid.NewString()
	}
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		switch ev.ContentBlock.Type {
		case "text":
			return []Event{TextStart{ID: id}}
		case "thinking":
			return []Event{ThinkingStart{ID: id}}
		case "tool_use":
			return []Event{ToolStart{Name: ev.ContentBlock.Name}}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []Event{TextDelta{Text: ev.Delta.Text}}
		case "thinking_delta":
			return []Event{ThinkingDelta{Text: ev.Delta.Thinking}}
		}
	case "message_stop":
		return []Event{MessageStop{}}
	}
	return nil
}
