package stream

// Event is one UI-facing emission from a prompt stream. The set of
// implementations is closed; consumers switch on the concrete type.
type Event interface {
	streamEvent()
}

// Delta is an incremental fragment of assistant text to append.
type Delta struct {
	Text string
}

// Reasoning is an incremental fragment of an assistant reasoning block.
type Reasoning struct {
	Text string
}

// Status is a transient activity indicator ("thinking", delegation notices).
type Status struct {
	Text string
}

// ToolStart announces a tool call. Emitted at most once per call ID.
type ToolStart struct {
	Name string
	ID   string
}

// ToolEnd carries the result of a finished tool call.
type ToolEnd struct {
	ID     string
	Result string
}

// Usage reports token counts from the server.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// StreamEnd terminates the stream. Emitted exactly once, for normal
// completion, fatal completion, and reconnect exhaustion alike.
type StreamEnd struct{}

func (Delta) streamEvent()     {}
func (Reasoning) streamEvent() {}
func (Status) streamEvent()    {}
func (ToolStart) streamEvent() {}
func (ToolEnd) streamEvent()   {}
func (Usage) streamEvent()     {}
func (StreamEnd) streamEvent() {}

// Sink receives every emission of one prompt stream, in order.
type Sink func(Event)
