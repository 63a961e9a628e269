package transcript

// Log is the ordered message record of one session.
//
// Messages are only ever appended or patched in place; the order is the
// rendering order. A Log is not safe for concurrent use: the session
// controller that owns it serializes all access.
type Log struct {
	messages []Message
	index    map[string]int
}

// NewLog returns a log seeded with the given messages. Messages with a
// duplicate ID are skipped.
func NewLog(initial []Message) *Log {
	l := &Log{index: make(map[string]int, len(initial))}
	for _, m := range initial {
		l.Append(m)
	}
	return l
}

// Append adds a message at the end of the log. It returns false and leaves
// the log unchanged if a message with the same ID already exists.
func (l *Log) Append(m Message) bool {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	if _, ok := l.index[m.ID]; ok {
		return false
	}
	l.index[m.ID] = len(l.messages)
	l.messages = append(l.messages, m.Clone())
	return true
}

// Patch applies a partial update to the message with the given ID.
// Unknown IDs are a no-op. A finished message cannot be restarted: a patch
// setting IsStreaming to true on a finished message leaves it finished.
// Patch reports whether the message exists.
func (l *Log) Patch(id string, p Patch) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	m := &l.messages[i]
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.IsStreaming != nil && !*p.IsStreaming {
		m.IsStreaming = false
	}
	if p.Animate != nil {
		m.Animate = *p.Animate
	}
	return true
}

// AppendContent appends streamed text to a message that is still streaming.
// It reports whether the text was applied.
func (l *Log) AppendContent(id, delta string) bool {
	i, ok := l.index[id]
	if !ok || !l.messages[i].IsStreaming {
		return false
	}
	l.messages[i].Content += delta
	return true
}

// Get returns a copy of the message with the given ID.
func (l *Log) Get(id string) (Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[i].Clone(), true
}

// Streaming returns the IDs of all messages still streaming, in log order.
func (l *Log) Streaming() []string {
	var ids []string
	for _, m := range l.messages {
		if m.IsStreaming {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Messages returns a deep copy of the log in order.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Reset discards every message.
func (l *Log) Reset() {
	l.messages = nil
	l.index = make(map[string]int)
}
