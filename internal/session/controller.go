// Package session owns the authoritative state of one game session and
// drives the game master one turn at a time.
//
// Every state change happens under the controller's mutex and is handed to
// the Broadcaster before the mutex is released, so all clients observe
// changes in the order they were made.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lairsandllamas/host/internal/agent"
	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/metrics"
	"github.com/lairsandllamas/host/internal/permission"
	"github.com/lairsandllamas/host/internal/protocol"
	"github.com/lairsandllamas/host/internal/transcript"
)

// DefaultDiceSettle is how long a new dice message animates.
const DefaultDiceSettle = 1400 * time.Millisecond

// interruptTimeout bounds how long an interrupt waits for the game master
// to acknowledge before the turn is forced to end.
const interruptTimeout = 5 * time.Second

const compactingStatus = "Compacting context..."

// Broadcaster receives every state change in order.
type Broadcaster interface {
	Broadcast(msg protocol.ServerMessage)
}

// Hooks observe persisted metadata changes. They run outside the
// controller lock and may be nil.
type Hooks struct {
	OnSessionID func(sessionID string)
	OnModel     func(model string)
	OnEffort    func(effort string)
}

// Config configures a Controller.
type Config struct {
	Agent        agent.Agent
	Gate         *permission.Gate
	SystemPrompt string
	Cwd          string
	Model        string
	Effort       string
	// SessionID resumes an earlier game master conversation.
	SessionID string
	// History hydrates the transcript before any client connects.
	History []transcript.Message
	// InitialPrompt is submitted when the first client joins.
	InitialPrompt string
	DiceSettle    time.Duration
	Hooks         Hooks
	Metrics       *metrics.Metrics
}

// turn is one in-flight game master request.
type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream agent.Stream

	assistantID string
	thinkingID  string
	diceCalls   map[string]bool
}

// Controller is the single owner of a session's state.
type Controller struct {
	agent        agent.Agent
	gate         *permission.Gate
	out          Broadcaster
	systemPrompt string
	cwd          string
	diceSettle   time.Duration
	hooks        Hooks
	metrics      *metrics.Metrics
	questions    QuestionBroker

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	log           *transcript.Log
	toolCall      *transcript.ToolCallInfo
	status        *string
	sessionID     string
	model         string
	effort        string
	turn          *turn
	initialPrompt string
	timers        map[string]*time.Timer
	closed        bool
}

// New creates a controller that broadcasts through out.
func New(cfg Config, out Broadcaster) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	gate := cfg.Gate
	if gate == nil {
		gate = permission.NewGate(cfg.Cwd)
	}
	settle := cfg.DiceSettle
	if settle <= 0 {
		settle = DefaultDiceSettle
	}
	effort := cfg.Effort
	if !agent.ValidEffort(effort) {
		effort = agent.EffortMedium
	}
	return &Controller{
		agent:         cfg.Agent,
		gate:          gate,
		out:           out,
		systemPrompt:  cfg.SystemPrompt,
		cwd:           cfg.Cwd,
		diceSettle:    settle,
		hooks:         cfg.Hooks,
		metrics:       cfg.Metrics,
		ctx:           ctx,
		cancel:        cancel,
		log:           transcript.NewLog(cfg.History),
		sessionID:     cfg.SessionID,
		model:         cfg.Model,
		effort:        effort,
		initialPrompt: cfg.InitialPrompt,
		timers:        make(map[string]*time.Timer),
	}
}

// Snapshot returns the full client-visible state. ClientCount is left for
// the broadcaster to fill in.
func (c *Controller) Snapshot() transcript.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() transcript.State {
	st := transcript.State{
		Messages:        c.log.Messages(),
		IsProcessing:    c.turn != nil,
		PendingQuestion: c.questions.Pending(),
		Model:           c.model,
		Effort:          c.effort,
	}
	if c.toolCall != nil {
		tc := *c.toolCall
		st.CurrentToolCall = &tc
	}
	if c.status != nil {
		s := *c.status
		st.StatusMessage = &s
	}
	if c.sessionID != "" {
		id := c.sessionID
		st.SessionID = &id
	}
	return st
}

// Join runs register with a consistent snapshot while holding the
// controller lock, so no change can slip between the snapshot and the
// registration. register must not block. The first Join submits the
// initial prompt, if any.
func (c *Controller) Join(register func(transcript.State)) {
	c.mu.Lock()
	register(c.snapshotLocked())
	prompt := c.initialPrompt
	c.initialPrompt = ""
	c.mu.Unlock()

	if prompt != "" {
		c.SubmitPrompt(prompt)
	}
}

// Dispatch applies one client command.
func (c *Controller) Dispatch(cmd protocol.ClientCommand) {
	switch cmd := cmd.(type) {
	case protocol.SendMessageCommand:
		c.SubmitPrompt(cmd.Text)
	case protocol.AnswerQuestionCommand:
		c.Answer(Answers(cmd.Answers))
	case protocol.InterruptCommand:
		c.Interrupt()
	case protocol.ClearSessionCommand:
		c.Clear()
	case protocol.SwitchModelCommand:
		c.SwitchModel(cmd.Model)
	case protocol.SwitchEffortCommand:
		c.SwitchEffort(cmd.Effort)
	case protocol.AuthCommand:
		// Handled by the transport before a client is admitted.
	default:
		log.Printf("session: ignoring command %T", cmd)
	}
}

// SubmitPrompt starts a turn. It reports false, changing nothing, if a
// turn is already in flight.
func (c *Controller) SubmitPrompt(text string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.turn != nil {
		c.mu.Unlock()
		log.Printf("session: turn in progress, ignoring prompt")
		return false
	}

	user := transcript.Message{ID: uuid.NewString(), Role: transcript.RoleUser, Content: text}
	c.log.Append(user)
	c.out.Broadcast(protocol.NewMessageAddMessage(user))
	c.out.Broadcast(protocol.NewProcessingStateMessage(true))

	ctx, cancel := context.WithCancel(c.ctx)
	t := &turn{ctx: ctx, cancel: cancel, diceCalls: make(map[string]bool)}
	c.turn = t
	opts := agent.QueryOptions{
		Prompt:       text,
		SystemPrompt: c.systemPrompt,
		Cwd:          c.cwd,
		Model:        c.model,
		Effort:       c.effort,
		Resume:       c.sessionID,
		CanUseTool:   c.permissionFunc(t),
	}
	c.mu.Unlock()

	go c.run(t, opts)
	return true
}

// run consumes one turn's event stream.
func (c *Controller) run(t *turn, opts agent.QueryOptions) {
	defer t.cancel()

	stream, err := c.agent.Query(t.ctx, opts)
	if err != nil {
		c.fail(t, err)
		return
	}
	defer stream.Close()

	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return
	}
	t.stream = stream
	c.mu.Unlock()

	for {
		ev, err := stream.Next(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				// Interrupted, cleared or closed; whoever cancelled
				// already finalized the turn.
				return
			}
			if errors.Is(err, io.EOF) {
				c.finish(t, metrics.OutcomeCompleted)
				return
			}
			c.fail(t, err)
			return
		}

		c.mu.Lock()
		if c.turn != t {
			c.mu.Unlock()
			return
		}
		done, after := c.applyLocked(t, ev)
		c.mu.Unlock()

		if after != nil {
			after()
		}
		if done {
			return
		}
	}
}

// applyLocked folds one event into the state. It reports whether the turn
// is over, and returns a hook to run after the lock is released.
func (c *Controller) applyLocked(t *turn, ev agent.Event) (bool, func()) {
	switch ev := ev.(type) {
	case agent.SessionInit:
		c.sessionID = ev.SessionID
		c.out.Broadcast(protocol.NewSessionInitMessage(ev.SessionID))
		if c.hooks.OnSessionID != nil {
			return false, func() { c.hooks.OnSessionID(ev.SessionID) }
		}

	case agent.Status:
		if ev.Status == "compacting" {
			s := compactingStatus
			c.status = &s
		} else {
			c.status = nil
		}
		c.out.Broadcast(protocol.NewStatusUpdateMessage(c.status))

	case agent.TextStart:
		t.assistantID = c.openStreaming(ev.ID, transcript.RoleAssistant)

	case agent.TextDelta:
		c.appendDelta(t.assistantID, ev.Text)

	case agent.ThinkingStart:
		t.thinkingID = c.openStreaming(ev.ID+"-thinking", transcript.RoleThinking)

	case agent.ThinkingDelta:
		c.appendDelta(t.thinkingID, ev.Text)

	case agent.MessageStop:
		c.finishMessage(t.thinkingID)
		c.finishMessage(t.assistantID)
		t.thinkingID = ""
		t.assistantID = ""

	case agent.ToolStart:
		c.toolCall = &transcript.ToolCallInfo{ToolName: ev.Name}
		c.out.Broadcast(protocol.NewToolCallUpdateMessage(c.toolCall))

	case agent.ToolUse:
		c.recordToolUse(t, ev)

	case agent.ToolResult:
		if t.diceCalls[ev.ToolUseID] {
			delete(t.diceCalls, ev.ToolUseID)
			c.recordDice(ev.Content)
		}

	case agent.TurnEnd:
		outcome := metrics.OutcomeCompleted
		c.endTurnLocked(t)
		if ev.IsError {
			outcome = metrics.OutcomeFailed
			log.Printf("session: turn ended with %s", ev.Subtype)
			c.broadcastError(apperrors.AgentTurnFailed(ev.Result))
		}
		c.metrics.TurnFinished(outcome)
		return true, nil

	default:
		log.Printf("session: ignoring event %T", ev)
	}
	return false, nil
}

func (c *Controller) openStreaming(id string, role transcript.Role) string {
	if _, exists := c.log.Get(id); exists || id == "" {
		id = uuid.NewString()
	}
	m := transcript.Message{ID: id, Role: role, IsStreaming: true}
	c.log.Append(m)
	c.out.Broadcast(protocol.NewMessageAddMessage(m))
	return id
}

func (c *Controller) appendDelta(id, text string) {
	if id == "" || text == "" {
		return
	}
	if c.log.AppendContent(id, text) {
		c.out.Broadcast(protocol.NewStreamDeltaMessage(id, text))
	}
}

func (c *Controller) finishMessage(id string) {
	if id == "" {
		return
	}
	if m, ok := c.log.Get(id); ok && m.IsStreaming {
		c.log.Patch(id, transcript.Finished())
		c.out.Broadcast(protocol.NewMessageUpdateMessage(id, transcript.Finished()))
	}
}

// recordToolUse shows an allowed or pending tool call in the transcript.
// Calls the gate will refuse leave no trace.
func (c *Controller) recordToolUse(t *turn, ev agent.ToolUse) {
	if d := c.gate.Evaluate(ev.Name, ev.Input); d.Behavior == permission.Deny {
		log.Printf("session: not recording denied %s call", ev.Name)
		return
	}

	summary := transcript.SummarizeToolInput(ev.Name, ev.Input)
	c.toolCall = &transcript.ToolCallInfo{ToolName: ev.Name, Input: summary}
	c.out.Broadcast(protocol.NewToolCallUpdateMessage(c.toolCall))

	m := transcript.Message{ID: uuid.NewString(), Role: transcript.RoleTool, Content: summary, ToolName: ev.Name}
	c.log.Append(m)
	c.out.Broadcast(protocol.NewMessageAddMessage(m))

	if ev.Name == "Bash" {
		if cmd, _ := ev.Input["command"].(string); transcript.IsDiceCommand(cmd) {
			t.diceCalls[ev.ID] = true
		}
	}
}

// recordDice adds one animated dice message per roll in the output.
func (c *Controller) recordDice(output string) {
	for _, match := range transcript.FindDice(output) {
		m := transcript.Message{
			ID:        uuid.NewString(),
			Role:      transcript.RoleDice,
			Content:   match.Text,
			DiceRolls: []transcript.DiceRoll{match.Roll},
			Animate:   true,
		}
		c.log.Append(m)
		c.out.Broadcast(protocol.NewMessageAddMessage(m))

		id := m.ID
		c.timers[id] = time.AfterFunc(c.diceSettle, func() { c.settleDice(id) })
	}
}

func (c *Controller) settleDice(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
	if c.closed {
		return
	}
	if c.log.Patch(id, transcript.Settled()) {
		c.out.Broadcast(protocol.NewMessageUpdateMessage(id, transcript.Settled()))
	}
}

// permissionFunc answers the game master's tool requests for turn t.
func (c *Controller) permissionFunc(t *turn) agent.PermissionFunc {
	return func(ctx context.Context, req agent.PermissionRequest) (agent.PermissionResult, error) {
		d := c.gate.Evaluate(req.ToolName, req.Input)
		c.metrics.ToolDecision(req.ToolName, string(d.Behavior))
		switch d.Behavior {
		case permission.Allow:
			return agent.AllowTool(req.Input), nil
		case permission.Ask:
			return c.ask(ctx, t, req.Input)
		default:
			log.Printf("session: denied %s: %s", req.ToolName, d.Message)
			return agent.DenyTool(d.Message), nil
		}
	}
}

// ask suspends the turn until a client answers the question in input.
func (c *Controller) ask(ctx context.Context, t *turn, input map[string]any) (agent.PermissionResult, error) {
	q, err := decodeQuestions(input)
	if err != nil {
		return agent.DenyTool("Malformed question."), nil
	}

	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		return agent.DenyTool("The turn has ended."), nil
	}
	replies, err := c.questions.Open(q)
	if err != nil {
		c.mu.Unlock()
		return agent.DenyTool(apperrors.GetMessage(err)), nil
	}
	c.out.Broadcast(protocol.NewQuestionPendingMessage(&q))
	c.mu.Unlock()

	select {
	case answers, ok := <-replies:
		if !ok {
			return agent.DenyTool(apperrors.QuestionCancelled().Message), nil
		}
		updated := make(map[string]any, len(input)+1)
		for k, v := range input {
			updated[k] = v
		}
		updated["answers"] = map[string]string(answers)
		return agent.AllowTool(updated), nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.turn == t && c.questions.Cancel() {
			c.out.Broadcast(protocol.NewQuestionPendingMessage(nil))
		}
		c.mu.Unlock()
		return agent.PermissionResult{}, ctx.Err()
	}
}

func decodeQuestions(input map[string]any) (transcript.PendingQuestion, error) {
	var q transcript.PendingQuestion
	data, err := json.Marshal(map[string]any{"questions": input["questions"]})
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return q, err
	}
	if len(q.Questions) == 0 {
		return q, apperrors.InvalidMessage("question set is empty")
	}
	return q, nil
}

// Answer resolves the pending question. Answers arriving when nothing is
// pending are ignored.
func (c *Controller) Answer(answers Answers) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.questions.Resolve(answers) {
		log.Printf("session: ignoring answer: %v", apperrors.QuestionNotPending())
		return false
	}
	c.out.Broadcast(protocol.NewQuestionPendingMessage(nil))
	return true
}

// Interrupt stops the in-flight turn. It reports false when idle.
//
// The game master is asked to stop first; whether or not it acknowledges,
// the turn is then forced to its terminal state. If the turn completes on
// its own in the meantime nothing is broadcast twice.
func (c *Controller) Interrupt() bool {
	c.mu.Lock()
	t := c.turn
	var stream agent.Stream
	if t != nil {
		stream = t.stream
	}
	c.mu.Unlock()
	if t == nil {
		return false
	}

	if stream != nil {
		ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		if err := stream.Interrupt(ctx); err != nil {
			log.Printf("session: interrupt error: %v", err)
		}
		cancel()
	}
	t.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != t {
		return false
	}
	c.endTurnLocked(t)
	c.metrics.TurnFinished(metrics.OutcomeInterrupted)
	return true
}

// endTurnLocked returns the session to idle: pending question withdrawn,
// streaming messages finished, tool call and status cleared, processing
// flag reset last.
func (c *Controller) endTurnLocked(t *turn) {
	c.turn = nil

	if c.questions.Cancel() {
		c.out.Broadcast(protocol.NewQuestionPendingMessage(nil))
	}
	for _, id := range c.log.Streaming() {
		c.log.Patch(id, transcript.Finished())
		c.out.Broadcast(protocol.NewMessageUpdateMessage(id, transcript.Finished()))
	}
	if c.toolCall != nil {
		c.toolCall = nil
		c.out.Broadcast(protocol.NewToolCallUpdateMessage(nil))
	}
	if c.status != nil {
		c.status = nil
		c.out.Broadcast(protocol.NewStatusUpdateMessage(nil))
	}
	c.out.Broadcast(protocol.NewProcessingStateMessage(false))
}

func (c *Controller) finish(t *turn, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != t {
		return
	}
	c.endTurnLocked(t)
	c.metrics.TurnFinished(outcome)
}

// fail ends the turn after a broken stream and tells the clients why.
func (c *Controller) fail(t *turn, err error) {
	log.Printf("session: game master error: %v", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != t {
		return
	}
	c.endTurnLocked(t)
	c.broadcastError(err)
	c.metrics.TurnFinished(metrics.OutcomeFailed)
}

func (c *Controller) broadcastError(err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	if msg == "" {
		msg = "Unknown error"
	}
	c.out.Broadcast(protocol.NewErrorMessage(code, msg))
}

// Clear discards the transcript and the resumable handle. Any in-flight
// turn is interrupted first, best effort. Clients receive a single
// sessionCleared.
func (c *Controller) Clear() {
	c.mu.Lock()
	t := c.turn
	var stream agent.Stream
	if t != nil {
		stream = t.stream
	}
	c.mu.Unlock()

	if stream != nil {
		ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		if err := stream.Interrupt(ctx); err != nil {
			log.Printf("session: interrupt before clear: %v", err)
		}
		cancel()
	}

	c.mu.Lock()
	if c.turn != nil {
		c.turn.cancel()
		c.turn = nil
		c.metrics.TurnFinished(metrics.OutcomeCleared)
	}
	c.questions.Cancel()
	c.stopTimersLocked()
	c.log.Reset()
	c.toolCall = nil
	c.status = nil
	c.sessionID = ""
	c.out.Broadcast(protocol.NewSessionClearedMessage())
	c.mu.Unlock()

	log.Printf("session: cleared")
	if c.hooks.OnSessionID != nil {
		c.hooks.OnSessionID("")
	}
}

// SwitchModel changes the model used from the next turn on.
func (c *Controller) SwitchModel(model string) {
	c.mu.Lock()
	c.model = model
	c.out.Broadcast(protocol.NewModelChangedMessage(model))
	c.mu.Unlock()

	if c.hooks.OnModel != nil {
		c.hooks.OnModel(model)
	}
}

// SwitchEffort changes the reasoning effort used from the next turn on.
// Unknown levels are ignored.
func (c *Controller) SwitchEffort(effort string) bool {
	if !agent.ValidEffort(effort) {
		log.Printf("session: ignoring unknown effort %q", effort)
		return false
	}
	c.mu.Lock()
	c.effort = effort
	c.out.Broadcast(protocol.NewEffortChangedMessage(effort))
	c.mu.Unlock()

	if c.hooks.OnEffort != nil {
		c.hooks.OnEffort(effort)
	}
	return true
}

// SessionID returns the current resumable handle.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close stops any in-flight turn and pending timers. The controller
// accepts no new turns afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var stream agent.Stream
	if c.turn != nil {
		stream = c.turn.stream
		c.turn = nil
	}
	c.questions.Cancel()
	c.stopTimersLocked()
	c.mu.Unlock()

	if stream != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := stream.Interrupt(ctx); err != nil {
			log.Printf("session: interrupt on close: %v", err)
		}
		cancel()
	}
	c.cancel()
}

func (c *Controller) stopTimersLocked() {
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}
