package opencode

// SessionID resolves the session that owns an event. The location of the
// identifier differs by event type: message.updated nests it under the info
// block, message.part.updated under the part (with a top-level fallback), and
// everything else carries it at the top level. Returns "" when the event has
// no resolvable session, e.g. server.connected.
func (e Event) SessionID() string {
	switch e.Type {
	case EventMessageUpdated:
		if info, ok := e.DecodeInfo(); ok {
			return info.SessionID
		}
		return ""
	case EventMessagePartUpdated:
		if part, ok := e.DecodePart(); ok && part.SessionID != "" {
			return part.SessionID
		}
		return e.topLevelSessionID()
	default:
		return e.topLevelSessionID()
	}
}
