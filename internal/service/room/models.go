package room

import (
	"encoding/json"

	"github.com/labsync/server/internal/repository/connection"
)

type AuthenticateParams struct {
	Key   string
	Token string
}

type ConnectParams struct {
	RoomId string
	Key    string
	Conn   connection.Conn
}

type ConnectResponse struct {
	ConnId string
}

type DisconnectParams struct {
	RoomId string
	ConnId string
}

type TrackParams struct {
	RoomId string
	ConnId string
	Key    string
	State  json.RawMessage
}

type UntrackParams struct {
	RoomId string
	ConnId string
}

type BroadcastParams struct {
	RoomId  string
	ConnId  string
	Event   string
	Payload json.RawMessage
}
