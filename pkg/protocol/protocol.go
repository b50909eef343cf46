// Package protocol defines the JSON frames exchanged between the presence hub
// and its clients. Every frame is {"type": ..., "payload": ...}.
package protocol

import "encoding/json"

// client -> server
const (
	TypeTrack     = "TRACK"
	TypeUntrack   = "UNTRACK"
	TypeBroadcast = "BROADCAST"
	TypeAlive     = "ALIVE"
)

// server -> client
const (
	TypeSubscribed    = "SUBSCRIBED"
	TypePresenceState = "PRESENCE_STATE"
	TypeError         = "ERROR"
)

// Close codes sent by the hub.
const (
	CloseRoomFull     = 4003
	CloseUnauthorized = 4001
)

type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Input struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubscribedPayload struct {
	RoomId string `json:"room_id"`
	Key    string `json:"key"`
	ConnId string `json:"conn_id"`
}

type PresenceStatePayload struct {
	Presences map[string]json.RawMessage `json:"presences"`
}

type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
