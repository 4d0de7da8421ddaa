package model

// Event types pushed to clients by the server.
const (
	EventTypeMedia      = "mediaEvent"
	EventTypeJoined     = "joined"
	EventTypeError      = "error"
	EventTypePeerJoined = "peerJoined"
	EventTypePeerLeft   = "peerLeft"
	EventTypeRoomClosed = "roomClosed"
)

// Event types accepted from clients.
const (
	EventTypeJoin  = "join"
	EventTypeLeave = "leave"
)

const defaultWireBuffer = 32

type Event struct {
	DST     string `json:"dst,omitempty"`
	SRC     string `json:"src,omitempty"` // for inbound messages server re-assigns this based on session peer id
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Wire carries room events towards one peer endpoint. TX is written only by
// the owning room coordinator and closed by it when the peer is removed.
type Wire struct {
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		TX: make(chan Event, defaultWireBuffer),
	}
}

type RoomStatus struct {
	ID    string `json:"room_id"`
	Peers int    `json:"peers"`
}
