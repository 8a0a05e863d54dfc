// Package toolexecutor registers the tools offered to the model and
// dispatches model tool calls to them by name.
//
// Invariants:
// - Tool names are unique and bound at startup; dispatch never reflects.
// - Arguments are schema-validated before a handler runs.
// - Dispatch always returns a JSON string; failures become {"error": "..."}.
// - Tools of a disabled group answer with a "not available" payload.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	exec.RegisterUnavailable(toolexecutor.GroupSplunk, "splunkExecuteQuery")
//	out := exec.Dispatch(ctx, "echo", `{"text":"hi"}`)
package toolexecutor
