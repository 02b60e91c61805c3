package server

import (
	"encoding/json"

	"github.com/avolens/roomsync/presence"
	"github.com/avolens/roomsync/room"
)

// Envelope types exchanged over the realtime connection.
const (
	TypeSync     = "sync"
	TypePresence = "presence"
	TypeControl  = "control"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Presence events.
const (
	EventJoined    = "joined"
	EventLeft      = "left"
	EventCursor    = "cursor"
	EventAwareness = "awareness"
)

// Control events.
const (
	EventRoomState = "room_state"
	EventError     = "error"
	EventNotice    = "notice"
)

// Envelope is the typed wrapper around every message on the wire.
type Envelope struct {
	Type string `json:"type"`

	// sync
	Update  string `json:"update,omitempty"` // base64 binary CRDT update
	Version int64  `json:"version,omitempty"`
	From    string `json:"from,omitempty"`

	// presence
	Event     string             `json:"event,omitempty"`
	User      *presence.Presence `json:"user,omitempty"`
	Cursor    *presence.Cursor   `json:"cursor,omitempty"`
	Awareness json.RawMessage    `json:"awareness,omitempty"`

	// control
	Room   *RoomState     `json:"room,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
	Notice *NoticePayload `json:"notice,omitempty"`
}

// RoomState is sent once immediately after a client joins.
type RoomState struct {
	ID           string             `json:"id"`
	Participants []room.Participant `json:"participants"`
	State        string             `json:"state"` // base64 full document snapshot
	Version      int64              `json:"version"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Dimension string `json:"dimension,omitempty"` // for connection limit errors: "ip" or "user"
	Limit     int    `json:"limit,omitempty"`
}

type NoticePayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Encode serializes an Envelope to JSON bytes.
func (e Envelope) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}
