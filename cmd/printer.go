package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/lairsandllamas/host/internal/protocol"
	"github.com/lairsandllamas/host/internal/transcript"
)

// printer renders server messages as terminal lines. Streaming replies
// are printed inline as their deltas arrive.
type printer struct {
	w io.Writer
	// open is the streaming reply being printed inline.
	open string
	// midLine is set when the cursor is not at the start of a line.
	midLine bool
}

// handle prints msg. A rejected password is returned as an error.
func (p *printer) handle(msg protocol.ServerMessage) error {
	switch m := msg.(type) {
	case *protocol.StateSyncMessage:
		p.breakLine()
		st := m.State
		fmt.Fprintf(p.w, "[joined] model %s, effort %s, %s\n", st.Model, st.Effort, players(st.ClientCount))
		for _, msg := range st.Messages {
			p.message(msg)
		}
		if st.StatusMessage != nil {
			p.line("[status] %s", *st.StatusMessage)
		}
		if st.PendingQuestion != nil {
			p.question(st.PendingQuestion)
		}

	case *protocol.MessageAddMessage:
		p.message(m.Message)

	case *protocol.StreamDeltaMessage:
		if m.ID == p.open {
			fmt.Fprint(p.w, m.Delta)
			p.midLine = !strings.HasSuffix(m.Delta, "\n")
		}

	case *protocol.MessageUpdateMessage:
		if m.ID == p.open && m.Patch.IsStreaming != nil && !*m.Patch.IsStreaming {
			p.breakLine()
			p.open = ""
		}

	case *protocol.ToolCallUpdateMessage:
		if tc := m.ToolCall; tc != nil {
			if tc.Input != "" {
				p.line("[%s] %s", tc.ToolName, tc.Input)
			} else {
				p.line("[%s]", tc.ToolName)
			}
		}

	case *protocol.StatusUpdateMessage:
		if m.Status != nil {
			p.line("[status] %s", *m.Status)
		}

	case *protocol.QuestionPendingMessage:
		if m.Question != nil {
			p.question(m.Question)
		}

	case *protocol.ModelChangedMessage:
		p.line("[model] %s", m.Model)

	case *protocol.EffortChangedMessage:
		p.line("[effort] %s", m.Effort)

	case *protocol.SessionClearedMessage:
		p.open = ""
		p.line("[session cleared]")

	case *protocol.ClientCountMessage:
		p.line("[table] %s", players(m.Count))

	case *protocol.AuthResultMessage:
		if !m.Success {
			p.line("[error] %s", m.Error)
			return fmt.Errorf("authentication failed: %s", m.Error)
		}

	case *protocol.ErrorMessage:
		p.line("[error] %s", m.Message)
	}
	return nil
}

// message prints a transcript entry. A streaming reply stays open so its
// deltas continue the line.
func (p *printer) message(m transcript.Message) {
	switch m.Role {
	case transcript.RoleUser:
		p.line("> %s", m.Content)
	case transcript.RoleAssistant:
		p.breakLine()
		fmt.Fprintf(p.w, "GM: %s", m.Content)
		p.midLine = true
		if m.IsStreaming {
			p.open = m.ID
		} else {
			p.breakLine()
		}
	case transcript.RoleThinking:
		if m.IsStreaming {
			p.line("(thinking...)")
		}
	case transcript.RoleTool:
		p.line("[tool] %s", m.Content)
	case transcript.RoleDice:
		if len(m.DiceRolls) == 0 {
			p.line("[dice] %s", m.Content)
		}
		for _, r := range m.DiceRolls {
			p.line("[dice] %s", formatRoll(r))
		}
	}
}

func (p *printer) question(q *transcript.PendingQuestion) {
	for _, question := range q.Questions {
		p.line("[question] %s: %s", question.Header, question.Question)
		for i, opt := range question.Options {
			if opt.Description != "" {
				p.line("  %d. %s - %s", i+1, opt.Label, opt.Description)
			} else {
				p.line("  %d. %s", i+1, opt.Label)
			}
		}
	}
	p.line("Answer with /answer N (or /help)")
}

func (p *printer) line(format string, args ...any) {
	p.breakLine()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// breakLine ends a partially printed line.
func (p *printer) breakLine() {
	if p.midLine {
		fmt.Fprintln(p.w)
		p.midLine = false
	}
}

func formatRoll(r transcript.DiceRoll) string {
	var b strings.Builder
	if r.Label != "" {
		fmt.Fprintf(&b, "%s: ", r.Label)
	}
	values := make([]string, len(r.Values))
	for i, v := range r.Values {
		values[i] = fmt.Sprint(v)
	}
	fmt.Fprintf(&b, "%dd%d [%s] = %d", len(r.Values), r.Sides, strings.Join(values, ", "), r.Total)
	if r.Modifier != nil && r.ModifiedTotal != nil {
		fmt.Fprintf(&b, " %+d = %d", *r.Modifier, *r.ModifiedTotal)
	}
	return b.String()
}

func players(n int) string {
	if n == 1 {
		return "1 player"
	}
	return fmt.Sprintf("%d players", n)
}
