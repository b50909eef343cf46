package room

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Room ids and keys are opaque, only their length in runes is bounded.
var RoomIdRule = []validation.Rule{
	validation.Required,
	validation.RuneLength(1, 128),
}

var KeyRule = []validation.Rule{
	validation.Required,
	validation.RuneLength(1, 128),
}

var ConnIdRule = []validation.Rule{
	validation.Required,
	is.UUIDv4,
}

var EventRule = []validation.Rule{
	validation.Required,
	validation.Length(1, 64),
}
