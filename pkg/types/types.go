package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Inbound action tags. The set is closed: anything else is a protocol error.
const (
	ActionSubscribe        = "subscribe"
	ActionMessage          = "message"
	ActionPushNotification = "push_notification"
)

// Outbound action tags and statuses
const (
	ActionSubscribeResponse = "subscribe_response"
	ActionMessageResponse   = "message_response"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// MaxTextLength is the maximum number of characters in a chat message text
const MaxTextLength = 1000

// Client-facing error strings
const (
	ErrorTextNoAccess          = "no access"
	ErrorTextCouldNotSend      = "Couldn't send message"
	ErrorTextProcessingFailed  = "Message processing failed"
	ErrorTextRateLimitExceeded = "Rate limit exceeded"
)

// Inbound is a payload that travels from a client or an HTTP producer through
// the relay or queue to every dispatcher. Implementations are limited to
// Subscribe, ChatMessage and PushNotification.
type Inbound interface {
	// Action returns the discriminator written on the wire
	Action() string

	// Sender returns the user the payload acts on behalf of
	Sender() uuid.UUID

	sealed()
}

// Subscribe asks to receive messages of the given chats
type Subscribe struct {
	UserID  uuid.UUID   `json:"user_id"`
	ChatIDs []uuid.UUID `json:"chat_ids"`
}

// ChatMessage is a text message posted to a chat.
// MessageID is assigned by the gateway and makes persistence idempotent
// when more than one process delivers the same envelope.
type ChatMessage struct {
	UserID    uuid.UUID `json:"user_id"`
	ChatID    uuid.UUID `json:"chat_id"`
	Text      string    `json:"text"`
	MessageID string    `json:"message_id,omitempty"`
}

// PushNotification is produced by an HTTP request and delivered to every
// socket of the target user. It is also the outbound frame sent to that user.
type PushNotification struct {
	UserID  uuid.UUID `json:"user_id"`
	Message string    `json:"message"`
}

func (Subscribe) Action() string        { return ActionSubscribe }
func (ChatMessage) Action() string      { return ActionMessage }
func (PushNotification) Action() string { return ActionPushNotification }

func (s Subscribe) Sender() uuid.UUID        { return s.UserID }
func (m ChatMessage) Sender() uuid.UUID      { return m.UserID }
func (p PushNotification) Sender() uuid.UUID { return p.UserID }

func (Subscribe) sealed()        {}
func (ChatMessage) sealed()      {}
func (PushNotification) sealed() {}

// MarshalJSON writes the action tag next to the payload fields
func (s Subscribe) MarshalJSON() ([]byte, error) {
	type plain Subscribe
	return json.Marshal(struct {
		Action string `json:"action"`
		plain
	}{ActionSubscribe, plain(s)})
}

// MarshalJSON writes the action tag next to the payload fields
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type plain ChatMessage
	return json.Marshal(struct {
		Action string `json:"action"`
		plain
	}{ActionMessage, plain(m)})
}

// MarshalJSON writes the action tag next to the payload fields
func (p PushNotification) MarshalJSON() ([]byte, error) {
	type plain PushNotification
	return json.Marshal(struct {
		Action string `json:"action"`
		plain
	}{ActionPushNotification, plain(p)})
}

// SubscribeResult is the per-chat outcome of a Subscribe request
type SubscribeResult struct {
	ChatID uuid.UUID `json:"chat_id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// SubscribeResponse lists results in the order the chat ids were requested
type SubscribeResponse struct {
	Action  string            `json:"action"`
	Results []SubscribeResult `json:"results"`
}

// MessageResponse acknowledges a ChatMessage to its sender
type MessageResponse struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ChatDelivery is what every subscriber of a chat receives
type ChatDelivery struct {
	From    string    `json:"from"`
	Message string    `json:"message"`
	ChatID  uuid.UUID `json:"chat_id"`
}

// ErrorFrame reports protocol and processing failures to a connection
type ErrorFrame struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewErrorFrame builds an error frame with the given reason
func NewErrorFrame(reason string) ErrorFrame {
	return ErrorFrame{Status: StatusError, Error: reason}
}

// User is the acting identity resolved by the user-lookup collaborator
type User struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Username string    `json:"username" db:"username"`
	IsActive bool      `json:"is_active" db:"is_active"`
}

// Chat types
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Chat is a conversation users can be members of
type Chat struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
	Type string    `json:"type" db:"type"`
}

// StoredMessage is a persisted chat message
type StoredMessage struct {
	ID        string    `json:"id" db:"id"`
	ChatID    uuid.UUID `json:"chat_id" db:"chat_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
