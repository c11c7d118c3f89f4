package whiteboard

import (
	"encoding/json"
	"fmt"
)

// The wire protocol is one JSON envelope per websocket text frame, matching
// the relay's schema. Frame delimiting belongs to the websocket layer.

type MessageKind string

const (
	// single element upsert or delete
	MessageOperation MessageKind = "operation"
	// full snapshot payload
	MessageSync MessageKind = "sync"
	// empty payload, pull trigger
	MessageSyncRequest MessageKind = "sync_request"
	// ordered list of elements plus batch metadata
	MessageBatchOperations MessageKind = "batch_operations"
	// bare element id, no timestamp
	MessageDelete MessageKind = "delete"
	// ephemeral pointer broadcast, never reaches the resolver
	MessageCursor MessageKind = "cursor"
	MessagePing   MessageKind = "ping"
	MessagePong   MessageKind = "pong"
	// presence notifications emitted by the relay
	MessageUserJoined MessageKind = "user_joined"
	MessageUserLeft   MessageKind = "user_left"
)

var messageKinds = map[MessageKind]bool{
	MessageOperation:       true,
	MessageSync:            true,
	MessageSyncRequest:     true,
	MessageBatchOperations: true,
	MessageDelete:          true,
	MessageCursor:          true,
	MessagePing:            true,
	MessagePong:            true,
	MessageUserJoined:      true,
	MessageUserLeft:        true,
}

type Envelope struct {
	Kind      MessageKind     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SenderId  string          `json:"senderId,omitempty"`
	ClientId  string          `json:"clientId,omitempty"`
	ElementId string          `json:"elementId,omitempty"`
	Timestamp TimestampMillis `json:"timestamp,omitempty"`
}

// Cursor is an ephemeral pointer position. Not part of durable element
// state.
type Cursor struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Name  string  `json:"name,omitempty"`
	Color string  `json:"color,omitempty"`
}

type SyncPayload struct {
	State   map[string]*Element `json:"state"`
	Cursors map[string]*Cursor  `json:"cursors,omitempty"`
}

type BatchPayload struct {
	Operations []*Element      `json:"operations"`
	SenderId   string          `json:"senderId,omitempty"`
	Timestamp  TimestampMillis `json:"timestamp,omitempty"`
}

func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if !messageKinds[env.Kind] {
		return nil, fmt.Errorf("unknown message kind: %s", env.Kind)
	}
	return json.Marshal(env)
}

func RequireEncodeEnvelope(env *Envelope) []byte {
	b, err := EncodeEnvelope(env)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(b, env); err != nil {
		return nil, err
	}
	if !messageKinds[env.Kind] {
		return nil, fmt.Errorf("unknown message kind: %s", env.Kind)
	}
	return env, nil
}

func NewOperationMessage(el *Element, senderId string) (*Envelope, error) {
	data, err := json.Marshal(el)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:     MessageOperation,
		Data:     data,
		SenderId: senderId,
	}, nil
}

func RequireOperationMessage(el *Element, senderId string) *Envelope {
	env, err := NewOperationMessage(el, senderId)
	if err != nil {
		panic(err)
	}
	return env
}

func NewBatchMessage(operations []*Element, senderId string, timestamp TimestampMillis) (*Envelope, error) {
	data, err := json.Marshal(&BatchPayload{
		Operations: operations,
		SenderId:   senderId,
		Timestamp:  timestamp,
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:     MessageBatchOperations,
		Data:     data,
		SenderId: senderId,
	}, nil
}

func NewSyncMessage(state map[string]*Element, cursors map[string]*Cursor) (*Envelope, error) {
	data, err := json.Marshal(&SyncPayload{
		State:   state,
		Cursors: cursors,
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind: MessageSync,
		Data: data,
	}, nil
}

func NewSyncRequestMessage() *Envelope {
	return &Envelope{
		Kind: MessageSyncRequest,
	}
}

func NewDeleteMessage(elementId string, senderId string) *Envelope {
	return &Envelope{
		Kind:      MessageDelete,
		ElementId: elementId,
		SenderId:  senderId,
	}
}

func NewCursorMessage(cursor *Cursor, clientId string) (*Envelope, error) {
	data, err := json.Marshal(cursor)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:     MessageCursor,
		Data:     data,
		ClientId: clientId,
	}, nil
}

func NewPingMessage() *Envelope {
	return &Envelope{
		Kind: MessagePing,
	}
}

func NewPongMessage() *Envelope {
	return &Envelope{
		Kind: MessagePong,
	}
}

func NewPresenceMessage(kind MessageKind, clientId string) *Envelope {
	return &Envelope{
		Kind:     kind,
		ClientId: clientId,
	}
}

// OperationElement decodes the payload of an `operation` envelope
func (self *Envelope) OperationElement() (*Element, error) {
	if self.Kind != MessageOperation {
		return nil, fmt.Errorf("not an operation message: %s", self.Kind)
	}
	el := &Element{}
	if err := json.Unmarshal(self.Data, el); err != nil {
		return nil, err
	}
	return el, nil
}

// BatchPayload decodes the payload of a `batch_operations` envelope
func (self *Envelope) BatchPayload() (*BatchPayload, error) {
	if self.Kind != MessageBatchOperations {
		return nil, fmt.Errorf("not a batch message: %s", self.Kind)
	}
	batch := &BatchPayload{}
	if err := json.Unmarshal(self.Data, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// SyncPayload decodes the payload of a `sync` envelope
func (self *Envelope) SyncPayload() (*SyncPayload, error) {
	if self.Kind != MessageSync {
		return nil, fmt.Errorf("not a sync message: %s", self.Kind)
	}
	sync := &SyncPayload{}
	if err := json.Unmarshal(self.Data, sync); err != nil {
		return nil, err
	}
	if sync.State == nil {
		sync.State = map[string]*Element{}
	}
	return sync, nil
}

// CursorPayload decodes the payload of a `cursor` envelope
func (self *Envelope) CursorPayload() (*Cursor, error) {
	if self.Kind != MessageCursor {
		return nil, fmt.Errorf("not a cursor message: %s", self.Kind)
	}
	cursor := &Cursor{}
	if err := json.Unmarshal(self.Data, cursor); err != nil {
		return nil, err
	}
	return cursor, nil
}
