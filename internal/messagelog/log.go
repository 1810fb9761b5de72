// Package messagelog keeps the bilingual conversation history of a session.
package messagelog

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/google/uuid"
)

const idPrefix = "msg_"

// Listener is called with a copy of every appended message.
type Listener func(msg domain.ChatMessage)

// Log is an append-only list of chat messages.
//
// Log is not safe for concurrent use.
type Log struct {
	messages  []domain.ChatMessage
	last      time.Time
	now       func() time.Time
	listeners map[int]Listener
	nextID    int
}

// New creates an empty log. A nil clock uses time.Now.
func New(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{
		now:       now,
		listeners: make(map[int]Listener),
	}
}

// Add appends a message and returns a copy of it. Both content fields are
// trimmed. Timestamps never go backwards within a log.
func (l *Log) Add(from domain.Sender, content domain.MessageContent, metadata *domain.MessageMetadata) domain.ChatMessage {
	ts := l.now()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts

	msg := domain.ChatMessage{
		ID:   newID(ts),
		From: from,
		Content: domain.MessageContent{
			PT: strings.TrimSpace(content.PT),
			EN: strings.TrimSpace(content.EN),
		},
		Timestamp: ts,
	}
	if metadata != nil {
		md := *metadata
		msg.Metadata = &md
	}
	l.messages = append(l.messages, msg)

	for _, fn := range l.listeners {
		l.notify(fn, msg.Clone())
	}
	return msg.Clone()
}

// newID joins a time token and a random token, so ids stay unique within
// the same millisecond.
func newID(ts time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return idPrefix + strconv.FormatInt(ts.UnixMilli(), 36) + "_" + random
}

// Restore replaces the log content with msgs, as loaded from a snapshot.
func (l *Log) Restore(msgs []domain.ChatMessage) {
	l.messages = make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		l.messages = append(l.messages, m.Clone())
		if m.Timestamp.After(l.last) {
			l.last = m.Timestamp
		}
	}
}

// Clear removes every message.
func (l *Log) Clear() {
	l.messages = nil
}

// Get returns the message with the given id.
func (l *Log) Get(id string) (domain.ChatMessage, bool) {
	for _, m := range l.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return domain.ChatMessage{}, false
}

// Messages returns a deep copy of the history.
func (l *Log) Messages() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Subscribe registers fn for appended messages and returns a function that
// removes it.
func (l *Log) Subscribe(fn Listener) (unsubscribe func()) {
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	return func() { delete(l.listeners, id) }
}

func (l *Log) notify(fn Listener, msg domain.ChatMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Message listener failed", "message_id", msg.ID, "panic", r)
		}
	}()
	fn(msg)
}
