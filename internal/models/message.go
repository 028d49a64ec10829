package models

import "time"

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageStatus marks the delivery state of an optimistically appended entry.
// Assistant messages are always delivered; user messages enter pending and are
// reconciled once the engine round trip settles.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// Message is one entry in a session transcript. Content is immutable once
// appended; ImageURL is set only for assistant messages produced by image
// analysis.
type Message struct {
	ID        int64         `json:"id"`
	SessionID int64         `json:"session_id"`
	UserID    int64         `json:"user_id"`
	Role      MessageRole   `json:"role"`
	Content   string        `json:"content"`
	ImageURL  string        `json:"image_url,omitempty"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}
