package store

import (
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

type ReactionKind string

const (
	ReactionLike  ReactionKind = "like"
	ReactionLove  ReactionKind = "love"
	ReactionLaugh ReactionKind = "laugh"
	ReactionWow   ReactionKind = "wow"
	ReactionSad   ReactionKind = "sad"
	ReactionAngry ReactionKind = "angry"
)

func (k ReactionKind) Valid() bool {
	switch k {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionWow, ReactionSad, ReactionAngry:
		return true
	}
	return false
}

// ReplyPlaceholder replaces reply previews of messages the viewer deleted.
const ReplyPlaceholder = "[Message deleted]"

const replyPreviewLen = 100

type UserStatus struct {
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"last_seen"`
}

// User is the display structure of an account. Optional profile and
// status associations are resolved here, absent ones are defaulted.
type User struct {
	ID             int64      `json:"id"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"display_name"`
	ProfilePicture *string    `json:"profile_picture"`
	Status         UserStatus `json:"status"`
}

type Conversation struct {
	ID        string    `json:"conversation_id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy int64     `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	key string
}

// Summary is a conversation as listed for one user.
type Summary struct {
	Conversation
	Participants  []User   `json:"participants"`
	LastMessage   *Message `json:"last_message"`
	UnreadCount   int      `json:"unread_count"`
	TypingUsers   []User   `json:"typing_users"`
	IsDeletedByMe bool     `json:"is_deleted_by_me"`
}

type ReplyPreview struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Sender    User   `json:"sender"`
}

type Reaction struct {
	MessageID string       `json:"-"`
	Reaction  ReactionKind `json:"reaction"`
	User      User         `json:"user"`
	CreatedAt time.Time    `json:"created_at"`
}

type Message struct {
	ID             string               `json:"message_id"`
	ConversationID string               `json:"conversation_id"`
	Sender         User                 `json:"sender"`
	Content        *string              `json:"content"`
	Type           MessageType          `json:"message_type"`
	ReplyTo        *ReplyPreview        `json:"reply_to"`
	IsEdited       bool                 `json:"is_edited"`
	EditedAt       *time.Time           `json:"edited_at"`
	CreatedAt      time.Time            `json:"timestamp"`
	Reactions      []Reaction           `json:"reactions"`
	ReactionCounts map[ReactionKind]int `json:"reaction_counts"`
	IsDeletedByMe  bool                 `json:"is_deleted_by_me"`
}

// WithReplyRedacted returns a copy whose reply preview no longer carries
// the replied message's content.
func (m Message) WithReplyRedacted() Message {
	if m.ReplyTo == nil {
		return m
	}
	rp := *m.ReplyTo
	rp.Content = ReplyPlaceholder
	m.ReplyTo = &rp
	return m
}

type NewMessage struct {
	ConversationID string
	SenderID       int64
	Content        string
	Type           MessageType
	ReplyTo        string
}

type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

type ReactionResult struct {
	ConversationID string
	MessageID      string
	Kind           ReactionKind
	Action         ReactionAction
	// Reaction is set when Action is ReactionAdded.
	Reaction *Reaction
}

type ReadReceipt struct {
	ConversationID string
	MessageID      string
	UserID         int64
	ReadAt         time.Time
}

// PresenceRecord is the stored presence row of one user.
type PresenceRecord struct {
	UserID          int64
	Status          Status
	LastSeen        *time.Time
	TypingIn        string
	TypingStartedAt *time.Time
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= replyPreviewLen {
		return s
	}
	r := []rune(s)
	return string(r[:replyPreviewLen])
}
