package bus

import "time"

// Event kinds published by the daemon. Subscribers filter on prefixes such as
// "group." or "message.".
const (
	KindGroupRegistered    = "group.registered"
	KindGroupUpdated       = "group.updated"
	KindGroupSelected      = "group.selected"
	KindMessageAppended    = "message.appended"
	KindMessageUndelivered = "message.undelivered"
	KindMessageDelivered   = "message.delivered"
	KindStatusNotice       = "status.notice"
	KindConnStateChanged   = "conn.state_changed"
	KindKeysFetched        = "keys.fetched"
)

// Event represents a presentation-facing event published on the bus.
type Event struct {
	Kind      string
	GroupID   string
	Timestamp time.Time
	Payload   any
}

// Notice is the payload of a status.notice event: a short user-facing line.
type Notice struct {
	Level string // info, warn, error
	Text  string
}
