package chat

import (
	"time"

	"github.com/ageniuscoder/palchat/backend/internal/store"
)

// Kind is the closed set of inbound event kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindSendMessage
	KindEditMessage
	KindDeleteMessage
	KindReact
	KindReadReceipt
	KindTyping
	KindKeepalive
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	KindSendMessage:   "send-message",
	KindEditMessage:   "edit-message",
	KindDeleteMessage: "delete-message",
	KindReact:         "react",
	KindReadReceipt:   "read-receipt",
	KindTyping:        "typing",
	KindKeepalive:     "keepalive",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseKind maps a wire "type" to its Kind.
func ParseKind(s string) (Kind, bool) {
	for k := KindSendMessage; int(k) < len(kindNames); k++ {
		if kindNames[k] == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Inbound payloads. Fields sit next to "type" in the same JSON object.

type SendMessagePayload struct {
	Content     string            `json:"content" binding:"required,max=10000"`
	ReplyTo     string            `json:"reply_to"`
	MessageType store.MessageType `json:"message_type" binding:"omitempty,oneof=text image file system"`
}

type EditMessagePayload struct {
	MessageID string `json:"message_id" binding:"required"`
	Content   string `json:"content" binding:"required,max=10000"`
}

type MessageRefPayload struct {
	MessageID string `json:"message_id" binding:"required"`
}

type ReactPayload struct {
	MessageID string             `json:"message_id" binding:"required"`
	Reaction  store.ReactionKind `json:"reaction" binding:"required,oneof=like love laugh wow sad angry"`
}

type TypingPayload struct {
	IsTyping *bool `json:"is_typing" binding:"required"`
}

// Outbound event types.
const (
	EventMessageCreated  = "message-created"
	EventMessageUpdated  = "message-updated"
	EventMessageRestored = "message-restored"
	EventMessageDeleted  = "message-deleted"
	EventReactionChanged = "reaction-changed"
	EventReadReceipt     = "read-receipt"
	EventTypingChanged   = "typing-changed"
	EventPresenceChanged = "presence-changed"
	EventError           = "error"
	EventPong            = "pong"
)

type MessageEvent struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

type MessageDeletedEvent struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	User           store.User `json:"user"`
	Timestamp      time.Time  `json:"timestamp"`
}

type ReactionEvent struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversation_id"`
	MessageID      string               `json:"message_id"`
	Reaction       store.ReactionKind   `json:"reaction"`
	Action         store.ReactionAction `json:"action"`
	User           store.User           `json:"user"`
	Timestamp      time.Time            `json:"timestamp"`
}

type ReadReceiptEvent struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	User           store.User `json:"user"`
	ReadAt         time.Time  `json:"read_at"`
}

type TypingEvent struct {
	Type           string     `json:"type"`
	ConversationID string     `json:"conversation_id"`
	User           store.User `json:"user"`
	IsTyping       bool       `json:"is_typing"`
	Timestamp      time.Time  `json:"timestamp"`
}

type PresenceEvent struct {
	Type      string       `json:"type"`
	User      store.User   `json:"user"`
	Status    store.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// Error codes carried by error events.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeTransport    = "transport"
	CodeRateLimited  = "rate_limited"
	CodeStore        = "store"
)

type ErrorEvent struct {
	Type      string    `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Event     string    `json:"event,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PongEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
