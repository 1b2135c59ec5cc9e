package ws

import (
	"encoding/json"
	"fmt"

	"github.com/serroba/patchsync/internal/patch"
)

// Event names a message on the wire.
type Event string

const (
	// Client to Server.
	EventSubmitChange        Event = "submitChange"        // Client submits changes to an entity
	EventStartInitialization Event = "startInitialization" // Client requests snapshots of its scope
	EventCreateEntity        Event = "createEntity"        // Client creates an entity
	EventDeleteEntity        Event = "deleteEntity"        // Client deletes an entity

	// Server to Client.
	EventEntityChanged  Event = "entityChanged"  // Accepted changes to an entity
	EventEntityReplaced Event = "entityReplaced" // Full snapshot of an entity
	EventEntityRemoved  Event = "entityRemoved"  // Entity was deleted

	// Both directions.
	EventAck Event = "ack" // Reply to a message that carried an id
)

// Message is the envelope for all WebSocket communication. A non-zero ID
// asks the receiver for an ack carrying the same ID. Error is always
// present on acks and null on success.
type Message struct {
	Event   Event           `json:"event"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error"`
}

// NewMessage encodes payload into a message for event.
func NewMessage(event Event, payload any) (Message, error) {
	msg := Message{Event: event}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", event, err)
		}

		msg.Payload = data
	}

	return msg, nil
}

// NewAck builds the reply to the message with the given id. result is
// ignored when e is not nil.
func NewAck(id uint64, result any, e *Error) (Message, error) {
	if e != nil {
		return Message{Event: EventAck, ID: id, Error: e}, nil
	}

	msg, err := NewMessage(EventAck, result)
	if err != nil {
		return Message{}, err
	}

	msg.ID = id

	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidMessage, m.Event)
	}

	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidMessage, m.Event, err)
	}

	return nil
}

// SubmitChangePayload carries one atomic batch of changes to an entity.
type SubmitChangePayload struct {
	EntityID string         `json:"entityId"`
	Changes  []patch.Change `json:"changes"`
}

// RevisionResult acknowledges a write with the revision it produced.
type RevisionResult struct {
	Revision int `json:"revision"`
}

// EntityChangedPayload rebroadcasts an accepted submission.
type EntityChangedPayload struct {
	EntityID string         `json:"entityId"`
	Revision int            `json:"revision"`
	Changes  []patch.Change `json:"changes"`
	UserID   string         `json:"userId"`
}

// EntityReplacedPayload carries a full snapshot of an entity.
type EntityReplacedPayload struct {
	EntityID string         `json:"entityId"`
	Kind     string         `json:"kind"`
	Revision int            `json:"revision"`
	Content  map[string]any `json:"content"`
}

// EntityRemovedPayload announces a deletion.
type EntityRemovedPayload struct {
	EntityID string `json:"entityId"`
}

// InitializationResult acknowledges startInitialization with the number of
// snapshots that were sent.
type InitializationResult struct {
	Count int `json:"count"`
}

// CreateEntityPayload creates an entity. An empty EntityID lets the server
// pick one.
type CreateEntityPayload struct {
	EntityID string         `json:"entityId,omitempty"`
	Kind     string         `json:"kind"`
	Content  map[string]any `json:"content"`
}

// CreateEntityResult acknowledges createEntity.
type CreateEntityResult struct {
	EntityID string `json:"entityId"`
	Revision int    `json:"revision"`
}

// DeleteEntityPayload deletes an entity.
type DeleteEntityPayload struct {
	EntityID string `json:"entityId"`
}
