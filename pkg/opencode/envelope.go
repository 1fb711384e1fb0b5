package opencode

import (
	"encoding/json"
)

// Event type strings pushed by the OpenCode event stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessagePartDelta   = "message.part.delta"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventServerConnected    = "server.connected"
)

// Envelope is the outer wire wrapper around one pushed event.
type Envelope struct {
	Payload Event `json:"payload"`
}

// Event is one typed event from the OpenCode event stream.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// ParseEnvelope decodes a raw SSE data frame. Malformed frames report ok=false
// and must be dropped by the caller; a bad frame never aborts the stream.
func ParseEnvelope(data []byte) (Event, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false
	}
	if env.Payload.Type == "" {
		return Event{}, false
	}
	return env.Payload, true
}

// PartDelta is the properties shape of a message.part.delta event.
type PartDelta struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID,omitempty"`
	PartID    string `json:"partID"`
	Field     string `json:"field"`
	Delta     string `json:"delta"`
}

// StatusUpdate is the properties shape of a session.status event.
type StatusUpdate struct {
	SessionID string        `json:"sessionID"`
	Status    SessionStatus `json:"status"`
}

// DecodePart extracts the part from a message.part.updated event.
func (e Event) DecodePart() (Part, bool) {
	var wrapper struct {
		Part      Part   `json:"part"`
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(e.Properties, &wrapper); err != nil {
		return Part{}, false
	}
	if wrapper.Part.ID == "" {
		return Part{}, false
	}
	if wrapper.Part.SessionID == "" {
		wrapper.Part.SessionID = wrapper.SessionID
	}
	return wrapper.Part, true
}

// DecodeInfo extracts the message info block from a message.updated event.
func (e Event) DecodeInfo() (Message, bool) {
	var wrapper struct {
		Info Message `json:"info"`
	}
	if err := json.Unmarshal(e.Properties, &wrapper); err != nil {
		return Message{}, false
	}
	if wrapper.Info.ID == "" && wrapper.Info.SessionID == "" {
		return Message{}, false
	}
	return wrapper.Info, true
}

// DecodeDelta extracts the incremental text fields from a message.part.delta event.
func (e Event) DecodeDelta() (PartDelta, bool) {
	var delta PartDelta
	if err := json.Unmarshal(e.Properties, &delta); err != nil {
		return PartDelta{}, false
	}
	if delta.PartID == "" {
		return PartDelta{}, false
	}
	return delta, true
}

// DecodeStatus extracts the session status change from a session.status event.
func (e Event) DecodeStatus() (StatusUpdate, bool) {
	var status StatusUpdate
	if err := json.Unmarshal(e.Properties, &status); err != nil {
		return StatusUpdate{}, false
	}
	if status.SessionID == "" {
		return StatusUpdate{}, false
	}
	return status, true
}

func (e Event) topLevelSessionID() string {
	var wrapper struct {
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(e.Properties, &wrapper); err != nil {
		return ""
	}
	return wrapper.SessionID
}
