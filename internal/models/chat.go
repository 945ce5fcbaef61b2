package models

import "time"

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

const (
	ChatModeActive   = "active"
	ChatModeReadOnly = "read_only"
)

type Conversation struct {
	ID        int64     `json:"id"`
	CoachID   int64     `json:"coach_id"`
	ClientID  int64     `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CounterpartOf returns the other participant of the conversation.
func (c *Conversation) CounterpartOf(participantID int64) int64 {
	if participantID == c.ClientID {
		return c.CoachID
	}
	return c.ClientID
}

func (c *Conversation) HasParticipant(participantID int64) bool {
	return participantID == c.ClientID || participantID == c.CoachID
}

// Message rows are append-only; read_at is the only column updated after
// insert, and only ever from NULL to a timestamp.
type Message struct {
	ID             string     `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderID       int64      `json:"sender_id"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	AttachmentPath *string    `json:"attachment_path,omitempty"`
	AttachmentName *string    `json:"attachment_name,omitempty"`
	AttachmentMime *string    `json:"attachment_mime,omitempty"`
	AttachmentSize *int64     `json:"attachment_size,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at"`
}

// Before reports whether m sorts before other in the committed
// (created_at, id) order.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// ChatStatus is derived from the assignment and conversation rows; it is
// never stored.
type ChatStatus struct {
	CanSend             bool   `json:"can_send"`
	Mode                string `json:"status"`
	HasActiveAssignment bool   `json:"has_active_assignment"`
}
