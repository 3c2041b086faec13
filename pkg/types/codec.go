package types

import (
	"encoding/json"

	"github.com/google/uuid"
)

type actionSet map[string]struct{}

func newActionSet(actions ...string) actionSet {
	set := make(actionSet, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

var (
	// Clients may only subscribe and post messages
	clientActions = newActionSet(ActionSubscribe, ActionMessage)

	// Everything a dispatcher accepts from the relay
	envelopeActions = newActionSet(ActionSubscribe, ActionMessage, ActionPushNotification)

	// The durable queue only carries push notifications
	queueActions = newActionSet(ActionPushNotification)
)

// DecodeClientFrame parses a frame read from a client socket. The user_id of
// the result is whatever the client sent and must be replaced with WithSender.
func DecodeClientFrame(raw []byte) (Inbound, error) {
	return decode(raw, clientActions, false)
}

// DecodeEnvelope parses a relay envelope. The sender must be present.
func DecodeEnvelope(raw []byte) (Inbound, error) {
	return decode(raw, envelopeActions, true)
}

// DecodeQueueCommand parses a push notification command taken from the durable queue
func DecodeQueueCommand(raw []byte) (PushNotification, error) {
	msg, err := decode(raw, queueActions, true)
	if err != nil {
		return PushNotification{}, err
	}
	return msg.(PushNotification), nil
}

// Encode serializes an inbound payload with its action tag
func Encode(msg Inbound) ([]byte, error) {
	return json.Marshal(msg)
}

// WithSender returns a copy of msg acting on behalf of userID
func WithSender(msg Inbound, userID uuid.UUID) Inbound {
	switch m := msg.(type) {
	case Subscribe:
		m.UserID = userID
		return m
	case ChatMessage:
		m.UserID = userID
		return m
	case PushNotification:
		m.UserID = userID
		return m
	default:
		return msg
	}
}

// decode runs the structural parse, then dispatches on the action tag
func decode(raw []byte, allowed actionSet, requireSender bool) (Inbound, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, newProtocolError(ErrMalformedJSON, "Invalid JSON: "+err.Error())
	}

	var action string
	if rawAction, ok := head["action"]; ok {
		if err := json.Unmarshal(rawAction, &action); err != nil {
			return nil, newProtocolError(err, "action must be a string")
		}
	}
	if _, ok := allowed[action]; !ok {
		unknown := &UnknownActionError{Action: action}
		return nil, newProtocolError(unknown, unknown.Error())
	}

	var msg Inbound
	switch action {
	case ActionSubscribe:
		var s Subscribe
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, newProtocolError(err, "Invalid subscribe payload: "+err.Error())
		}
		msg = s
	case ActionMessage:
		var m ChatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newProtocolError(err, "Invalid message payload: "+err.Error())
		}
		msg = m
	case ActionPushNotification:
		var p PushNotification
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, newProtocolError(err, "Invalid push_notification payload: "+err.Error())
		}
		msg = p
	}

	if requireSender && msg.Sender() == uuid.Nil {
		return nil, newProtocolError(ErrMissingSender, ErrMissingSender.Error())
	}
	if err := Validate(msg); err != nil {
		return nil, newProtocolError(err, err.Error())
	}
	return msg, nil
}
