package stream

import "strings"

// Tool names the server uses to hand work to a sub-agent.
const (
	toolTask         = "mcp_task"
	toolDelegateTask = "mcp_delegate_task"
)

// delegationStatus builds the status line shown when a tool call delegates to
// a named sub-agent. Detection is substring probing of the serialized tool
// input; the server does not expose the target agent as a structured field.
func delegationStatus(tool string, input []byte) (string, bool) {
	if tool != toolTask && tool != toolDelegateTask {
		return "", false
	}
	in := string(input)
	agent := "subagent"
	switch {
	case strings.Contains(in, `"sum"`), strings.Contains(in, `"mer"`), strings.Contains(in, `"visual-engineering"`):
		agent = "Summer"
	case strings.Contains(in, `"oracle"`):
		agent = "Oracle"
	case strings.Contains(in, `"explore"`):
		agent = "exploring"
	case strings.Contains(in, `"librarian"`):
		agent = "researching"
	case strings.Contains(in, `"frost"`):
		agent = "Frost"
	case strings.Contains(in, `"spring"`):
		agent = "Spring"
	}
	return "Delegating to " + agent + "...", true
}
