package models

import (
	"encoding/json"
	"strings"
)

// PushAction is the mutation carried by a push frame
type PushAction string

const (
	PushActionCreate PushAction = "CREATE"
	PushActionDelete PushAction = "DELETE"
)

// PushEvent is one decoded message mutation
type PushEvent struct {
	Action  PushAction `json:"action"`
	Message Message    `json:"message"`
}

type pushFrame struct {
	Payload *struct {
		Action  PushAction      `json:"action"`
		Message json.RawMessage `json:"message"`
	} `json:"payload"`
}

// DecodePushFrame parses an inbound frame of the form
// {"payload":{"action":"CREATE","message":{...}}}.
// ok is false for anything that is not a usable CREATE or DELETE.
// Only the message id has to decode; other fields with an unexpected
// type are left at their zero value.
func DecodePushFrame(data []byte) (event PushEvent, ok bool) {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return PushEvent{}, false
	}
	if frame.Payload == nil || len(frame.Payload.Message) == 0 || string(frame.Payload.Message) == "null" {
		return PushEvent{}, false
	}
	switch frame.Payload.Action {
	case PushActionCreate, PushActionDelete:
	default:
		return PushEvent{}, false
	}

	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame.Payload.Message, &ref); err != nil || strings.TrimSpace(ref.ID) == "" {
		return PushEvent{}, false
	}

	event = PushEvent{Action: frame.Payload.Action, Message: Message{ID: ref.ID}}
	if event.Action == PushActionCreate {
		// a type mismatch still fills every field that did decode
		var msg Message
		_ = json.Unmarshal(frame.Payload.Message, &msg)
		msg.ID = ref.ID
		event.Message = msg
	}
	return event, true
}

// EncodePushFrame is the inverse of DecodePushFrame
func EncodePushFrame(event PushEvent) ([]byte, error) {
	return json.Marshal(map[string]any{"payload": event})
}
