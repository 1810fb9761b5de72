package domain

import "time"

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderAgent Sender = "agent"
	SenderUser  Sender = "user"
)

// MessageContent holds both language versions of a message.
type MessageContent struct {
	PT string `json:"pt"`
	EN string `json:"en"`
}

// MessageMetadata is optional presentation metadata.
type MessageMetadata struct {
	Persona Persona `json:"persona,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// ChatMessage is an entry in the conversation history.
type ChatMessage struct {
	ID        string           `json:"id"`
	From      Sender           `json:"from"`
	Content   MessageContent   `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy of m.
func (m ChatMessage) Clone() ChatMessage {
	if m.Metadata != nil {
		md := *m.Metadata
		m.Metadata = &md
	}
	return m
}
