package types

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Validate ensures the subscribe request names at least one chat
func (s Subscribe) Validate() error {
	if len(s.ChatIDs) == 0 {
		return ErrEmptyChatIDs
	}
	for _, id := range s.ChatIDs {
		if id == uuid.Nil {
			return fmt.Errorf("invalid chat_ids: nil chat id")
		}
	}
	return nil
}

// Validate ensures the chat message targets a chat and carries 1..MaxTextLength characters
func (m ChatMessage) Validate() error {
	if m.ChatID == uuid.Nil {
		return fmt.Errorf("invalid chat_id: nil chat id")
	}
	n := utf8.RuneCountInString(m.Text)
	if n < 1 || n > MaxTextLength {
		return ErrTextLength
	}
	return nil
}

// Validate ensures the notification has a target and a body
func (p PushNotification) Validate() error {
	if p.UserID == uuid.Nil {
		return ErrMissingSender
	}
	if p.Message == "" {
		return ErrEmptyPushText
	}
	return nil
}

// Validate dispatches to the variant's own validation
func Validate(msg Inbound) error {
	switch m := msg.(type) {
	case Subscribe:
		return m.Validate()
	case ChatMessage:
		return m.Validate()
	case PushNotification:
		return m.Validate()
	default:
		return ErrUnexpectedInput
	}
}

// ParseID parses a textual identifier, naming the field on failure
func ParseID(field, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid %s: nil id", field)
	}
	return id, nil
}
