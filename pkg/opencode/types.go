package opencode

import (
	"encoding/json"
)

// Timestamp represents millisecond timestamps returned by the OpenCode API.
type Timestamp int64

// UnmarshalJSON accepts either integer or floating-point JSON numbers.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	if value, err := num.Int64(); err == nil {
		*t = Timestamp(value)
		return nil
	}
	value, err := num.Float64()
	if err != nil {
		return err
	}
	*t = Timestamp(int64(value))
	return nil
}

// Session represents an OpenCode session summary.
type Session struct {
	ID        string      `json:"id"`
	Slug      string      `json:"slug,omitempty"`
	ProjectID string      `json:"projectID,omitempty"`
	Directory string      `json:"directory,omitempty"`
	ParentID  string      `json:"parentID,omitempty"`
	Title     string      `json:"title,omitempty"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime holds session timing metadata.
type SessionTime struct {
	Created Timestamp `json:"created"`
	Updated Timestamp `json:"updated"`
}

// Message represents the info block for a session message.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Role      string          `json:"role"`
	Agent     string          `json:"agent,omitempty"`
	Finish    string          `json:"finish,omitempty"`
	Tokens    *TokenUsage     `json:"tokens,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Time      MessageTime     `json:"time"`
}

// HasError reports whether the message carries a terminal error.
func (m Message) HasError() bool {
	return len(m.Error) > 0 && string(m.Error) != "null"
}

// MessageTime holds timing info for a message.
type MessageTime struct {
	Created   Timestamp `json:"created"`
	Completed Timestamp `json:"completed,omitempty"`
}

// Part represents one streamed content unit within a message: a text run,
// a tool call, a reasoning block, or a step marker.
type Part struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID,omitempty"`
	MessageID string     `json:"messageID,omitempty"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	URL       string     `json:"url,omitempty"`
	Mime      string     `json:"mime,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
	Time      *PartTime  `json:"time,omitempty"`
}

// PartTime represents part timing metadata.
type PartTime struct {
	Start Timestamp `json:"start"`
	End   Timestamp `json:"end,omitempty"`
}

// ToolState captures tool execution state. Input stays raw JSON: the server
// serializes it and consumers only need substring probes of that text.
type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Time     *ToolStateTime  `json:"time,omitempty"`
}

// ToolStateTime captures tool state timing.
type ToolStateTime struct {
	Start Timestamp `json:"start,omitempty"`
	End   Timestamp `json:"end,omitempty"`
}

// MetadataOutput returns metadata.output when present, falling back to the
// direct output field.
func (s *ToolState) MetadataOutput() string {
	if s == nil {
		return ""
	}
	if s.Metadata != nil {
		if out, ok := s.Metadata["output"].(string); ok && out != "" {
			return out
		}
	}
	return s.Output
}

// TokenUsage represents token usage counts for a message.
type TokenUsage struct {
	Input     int64 `json:"input,omitempty"`
	Output    int64 `json:"output,omitempty"`
	Reasoning int64 `json:"reasoning,omitempty"`
}

// PartInput is used to send parts to OpenCode.
type PartInput struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// MessageWithParts bundles a message info block with its parts.
type MessageWithParts struct {
	Info  Message `json:"info"`
	Parts []Part  `json:"parts"`
}

// SessionStatus is one entry of the bulk session status query.
type SessionStatus struct {
	Type string `json:"type"`
}

// Busy reports whether the session has an in-progress agent turn.
func (s SessionStatus) Busy() bool {
	return s.Type == "busy"
}
