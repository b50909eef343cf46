package presence

import "encoding/json"

const (
	EventPresenceSync = "presence_sync"
	EventBroadcast    = "broadcast"
)

type TrackParams struct {
	RoomId string          `json:"room_id"`
	ConnId string          `json:"conn_id"`
	Key    string          `json:"key"`
	State  json.RawMessage `json:"state"`
}

type UntrackParams struct {
	RoomId string `json:"room_id"`
	ConnId string `json:"conn_id"`
}

type UntrackResponse struct {
	Key     string
	Removed bool
}

type RefreshParams struct {
	RoomId string `json:"room_id"`
	ConnId string `json:"conn_id"`
}

// RefreshResponse lists the keys whose last holder went silent and was swept.
type RefreshResponse struct {
	Removed []string
}

// Snapshot is the full presence state of a room. Version grows with every
// change so consumers can discard snapshots that were overtaken in transit.
type Snapshot struct {
	Version   int64
	Presences map[string]json.RawMessage
}

// Event is what travels on a room's bus. OriginConnId lets fan-out skip the sender.
type Event struct {
	Type         string          `json:"type"`
	OriginConnId string          `json:"origin_conn_id,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}
