package session

import (
	"sync"

	apperrors "github.com/lairsandllamas/host/internal/errors"
	"github.com/lairsandllamas/host/internal/transcript"
)

// Answers maps question text to the chosen label(s).
type Answers map[string]string

// QuestionBroker parks a turn on a structured question until some client
// answers it. At most one question is open at a time and the first answer
// wins.
type QuestionBroker struct {
	mu      sync.Mutex
	pending *transcript.PendingQuestion
	reply   chan Answers
}

// Open records q as the pending question. The returned channel receives
// exactly one value when answered, or is closed if the question is
// cancelled.
func (b *QuestionBroker) Open(q transcript.PendingQuestion) (<-chan Answers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		return nil, apperrors.QuestionAlreadyPending()
	}
	b.pending = &q
	b.reply = make(chan Answers, 1)
	return b.reply, nil
}

// Resolve answers the pending question. It reports false, and does
// nothing, when no question is pending.
func (b *QuestionBroker) Resolve(a Answers) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return false
	}
	b.reply <- a
	b.pending = nil
	b.reply = nil
	return true
}

// Cancel withdraws the pending question. It reports whether there was one.
func (b *QuestionBroker) Cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return false
	}
	close(b.reply)
	b.pending = nil
	b.reply = nil
	return true
}

// Pending returns a copy of the pending question, or nil.
func (b *QuestionBroker) Pending() *transcript.PendingQuestion {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return nil
	}
	q := transcript.PendingQuestion{Questions: append([]transcript.Question(nil), b.pending.Questions...)}
	return &q
}
