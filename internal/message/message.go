package message

import "encoding/json"

// Event names a frame on the room protocol.
type Event string

// Client to server.
const (
	EventJoinRoom    Event = "joinRoom"
	EventLeaveRoom   Event = "leaveRoom"
	EventSendMessage Event = "sendMessage"
)

// Server to client. The receive event keeps the spelling existing
// clients listen for.
const (
	EventJoinedRoom     Event = "joinedRoom"
	EventLeftRoom       Event = "leftRoom"
	EventReceiveMessage Event = "recieveMessage"
	EventError          Event = "error"
	EventUserJoined     Event = "userJoined"
	EventUserLeft       Event = "userLeft"
)

// Envelope is the JSON structure sent over the WebSocket in both directions.
type Envelope struct {
	Type    Event           `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RoomRequest is the payload of joinRoom and leaveRoom.
type RoomRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// SendRequest is the payload of sendMessage. Message is relayed to the
// room untouched.
type SendRequest struct {
	UserID  string          `json:"userId"`
	RoomID  string          `json:"roomId"`
	Message json.RawMessage `json:"message"`
}

// RoomAck acknowledges a join or leave.
type RoomAck struct {
	Room string `json:"room"`
}

// RosterChange tells remaining members that someone joined or left.
type RosterChange struct {
	UserID    string `json:"userId"`
	UserCount int    `json:"userCount"`
}

// ErrorPayload reports a failed operation to the caller only.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(t Event, payload any) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}
