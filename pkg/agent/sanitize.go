package agent

import "github.com/harun/datalens/pkg/memory"

// SanitizeHistory makes a history window safe to send to a provider. The
// window may start in the middle of a tool round, so it:
//   - drops everything before the first user message,
//   - drops tool messages that do not directly follow an assistant tool-call
//     message, and results whose ID that message did not issue,
//   - strips tool calls that never got a result.
func SanitizeHistory(history []Message) []Message {
	start := len(history)
	for i, m := range history {
		if m.Role == memory.RoleUser {
			start = i
			break
		}
	}

	out := make([]Message, 0, len(history)-start)
	for i := start; i < len(history); i++ {
		m := history[i]
		switch m.Role {
		case memory.RoleUser:
			out = append(out, m)
		case memory.RoleTool:
			// paired tool messages are consumed with their assistant message
			continue
		case memory.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, m)
				continue
			}
			var next *Message
			if i+1 < len(history) && history[i+1].Role == memory.RoleTool {
				next = &history[i+1]
			}
			assistant, results := pairRound(m, next)
			if len(assistant.ToolCalls) == 0 && assistant.Content == "" {
				continue
			}
			out = append(out, assistant)
			if len(results.ToolCalls) > 0 {
				out = append(out, results)
			}
		}
	}
	return out
}

// pairRound keeps only the calls of assistant that have a result in tool,
// and only the results of tool that answer a call of assistant.
func pairRound(assistant Message, tool *Message) (Message, Message) {
	results := Message{Role: memory.RoleTool}
	if tool != nil {
		results.CreatedAt = tool.CreatedAt
	}

	answered := make(map[string]ToolCall)
	if tool != nil {
		issued := make(map[string]bool, len(assistant.ToolCalls))
		for _, tc := range assistant.ToolCalls {
			issued[tc.ID] = true
		}
		for _, tr := range tool.ToolCalls {
			if !issued[tr.ID] {
				continue
			}
			if _, dup := answered[tr.ID]; dup {
				continue
			}
			answered[tr.ID] = tr
		}
	}

	kept := assistant
	kept.ToolCalls = nil
	for _, tc := range assistant.ToolCalls {
		tr, ok := answered[tc.ID]
		if !ok {
			continue
		}
		kept.ToolCalls = append(kept.ToolCalls, tc)
		results.ToolCalls = append(results.ToolCalls, tr)
	}
	return kept, results
}
