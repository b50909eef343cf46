package collab

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

const (
	DefaultColor = "#ccc"
	DefaultName  = "Anonymous"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Participant is the last known state of one remote peer.
type Participant struct {
	Id       string   `json:"id"`
	Name     string   `json:"name"`
	Color    string   `json:"color"`
	Position Position `json:"position"`
}

// Meta is what a synchronizer tracks on the presence channel.
type Meta struct {
	Name  string  `json:"name"`
	Color string  `json:"color"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// PositionMessage is the payload of the "pos" broadcast event.
type PositionMessage struct {
	UserId  string  `json:"userId"`
	Session string  `json:"session,omitempty"`
	Seq     uint64  `json:"seq,omitempty"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
}

type partialMeta struct {
	Name  *string  `json:"name"`
	Color *string  `json:"color"`
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Z     *float64 `json:"z"`
}

// participantFromMeta never fails: fields that are missing, zero or of the
// wrong type fall back to defaults.
func participantFromMeta(id string, raw json.RawMessage) Participant {
	p := Participant{Id: id, Name: DefaultName, Color: DefaultColor}

	var m partialMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		// one bad field fails the whole object, retry field by field
		m = decodeFields(raw)
	}

	if m.Name != nil && *m.Name != "" {
		p.Name = *m.Name
	}
	if m.Color != nil && *m.Color != "" {
		p.Color = *m.Color
	}
	if m.X != nil {
		p.Position.X = *m.X
	}
	if m.Y != nil {
		p.Position.Y = *m.Y
	}
	if m.Z != nil {
		p.Position.Z = *m.Z
	}

	return p
}

func decodeFields(raw json.RawMessage) partialMeta {
	var m partialMeta

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return m
	}

	var s string
	if json.Unmarshal(fields["name"], &s) == nil {
		m.Name = &s
	}
	var c string
	if json.Unmarshal(fields["color"], &c) == nil {
		m.Color = &c
	}
	m.X = decodeFloat(fields["x"])
	m.Y = decodeFloat(fields["y"])
	m.Z = decodeFloat(fields["z"])

	return m
}

func decodeFloat(raw json.RawMessage) *float64 {
	var f float64
	if raw == nil || json.Unmarshal(raw, &f) != nil {
		return nil
	}

	return &f
}

func randomColor() string {
	return fmt.Sprintf("#%06x", rand.IntN(0x1000000))
}
